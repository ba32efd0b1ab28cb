package health

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"
)

// minDiskFree is the fraction of the backup volume below which the check
// reports pressure.
const minDiskFree = 0.10

// checkSystemResources samples the Go runtime and the free space on the
// backup volume. Pressure degrades the check rather than fail it: the
// process still serves, but an operator should look.
func (p *Prober) checkSystemResources(_ context.Context) (string, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	var pressure []string
	if goroutines > p.cfg.MaxGoroutines {
		pressure = append(pressure, fmt.Sprintf("%d goroutines (limit %d)", goroutines, p.cfg.MaxGoroutines))
	}
	if m.HeapAlloc > p.cfg.MaxHeapBytes {
		pressure = append(pressure, fmt.Sprintf("heap %s (limit %s)", fmtBytes(m.HeapAlloc), fmtBytes(p.cfg.MaxHeapBytes)))
	}
	if p.cfg.DiskPath != "" {
		var st unix.Statfs_t
		if err := unix.Statfs(p.cfg.DiskPath, &st); err == nil && st.Blocks > 0 {
			free := float64(st.Bavail) / float64(st.Blocks)
			if free < minDiskFree {
				pressure = append(pressure, fmt.Sprintf("%.0f%% disk free on %s", free*100, p.cfg.DiskPath))
			}
		}
	}

	if len(pressure) > 0 {
		return strings.Join(pressure, ", "), errDegraded
	}
	return fmt.Sprintf("%d goroutines, heap %s", goroutines, fmtBytes(m.HeapAlloc)), nil
}

func fmtBytes(n uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fKB", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
