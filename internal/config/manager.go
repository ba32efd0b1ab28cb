package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "clubkeeper/pkg/logx"
)

// Manager owns the active configuration: load it at startup, watch the file
// for edits, and hand the app each accepted revision. A revision that fails
// to decode or validate is rejected and the active config stays as it was.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	log logx.Logger

	// updates has capacity one and a single consumer (the app reload loop).
	// publish drops a pending stale revision so the consumer always sees
	// the latest accepted config.
	updates chan *Config
}

func NewManager(path string) *Manager {
	return &Manager{
		path:    path,
		log:     logx.Nop(),
		updates: make(chan *Config, 1),
	}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Load reads, decodes and validates the file, then makes it the active config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decodeConfig(m.path, b)
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Updates yields each accepted config revision after a reload.
func (m *Manager) Updates() <-chan *Config { return m.updates }

func (m *Manager) publish(cfg *Config) {
	for {
		select {
		case m.updates <- cfg:
			return
		default:
			// Consumer has not picked up the previous revision; it is
			// stale now, replace it.
			select {
			case <-m.updates:
			default:
			}
		}
	}
}

// reload re-reads the file after a change event.
func (m *Manager) reload() {
	cfg, err := m.read()
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged, reload skipped", logx.String("path", m.path))
		return
	}

	if err := cfg.Validate(); err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Info("config revision accepted", logx.String("path", m.path))
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// debounceDelay absorbs editor write bursts (truncate+write, write+rename)
// so a reload never reads a half-written file.
const debounceDelay = 250 * time.Millisecond

// Watch blocks until ctx is done, reloading the config after file changes.
// The parent directory is watched, not the file, so atomic rename saves keep
// working. A broken watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounceDelay, m.reload)
	}

	const (
		backoffMin = 250 * time.Millisecond
		backoffMax = 5 * time.Second
	)
	backoff := backoffMin
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := func() time.Duration {
		w := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < backoffMax {
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
		return w
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch failed", logx.String("dir", dir), logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait()):
				continue
			}
		}
		backoff = backoffMin
		m.log.Debug("config watch started", logx.String("path", m.path))

		alive := true
		for alive {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					alive = false
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), base) {
					schedule()
				}
			case err, ok := <-w.Errors:
				if !ok {
					alive = false
					break
				}
				if err != nil {
					// Events may have been lost; reload once rather than
					// trying to interpret the error.
					m.log.Warn("config watch error, forcing reload", logx.Err(err))
					schedule()
				}
			}
		}
		_ = w.Close()

		if ctx.Err() != nil {
			return nil
		}
		d := wait()
		m.log.Warn("config watcher stopped, restarting", logx.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}
