package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"clubkeeper/internal/notifier"
	"clubkeeper/internal/storage"
	logx "clubkeeper/pkg/logx"
)

var (
	// ErrBackupFailed wraps any failure while producing an archive.
	ErrBackupFailed = errors.New("backup failed")
	// ErrCorruptArchive rejects an archive whose checksum does not match.
	// The store is never touched when this is returned.
	ErrCorruptArchive = errors.New("backup archive is corrupt")
	// ErrRestorePartial marks a restore that failed after the store was
	// already being rewritten. Manual intervention is required.
	ErrRestorePartial = errors.New("restore failed mid-flight")
)

// archivePrefix names workdirs and archives: go_club_backup_YYYYMMDD_HHMMSS.
const archivePrefix = "go_club_backup_"

const timestampLayout = "20060102_150405"

type Config struct {
	Dir      string
	MongoURI string
	Database string

	// Retention: archives older than this are removed by Cleanup.
	Retention time.Duration
	// DumpTimeout bounds one mongodump/mongorestore run. Default 10m.
	DumpTimeout time.Duration

	MongodumpPath    string
	MongorestorePath string
}

// Registry persists artifact metadata. *storage.Client satisfies it.
type Registry interface {
	PutBackupArtifact(ctx context.Context, a storage.BackupArtifact) error
	ExpiredBackupArtifacts(ctx context.Context, now time.Time) ([]storage.BackupArtifact, error)
	DeleteBackupArtifact(ctx context.Context, path string) error
}

type Alerter interface {
	Notify(ctx context.Context, a notifier.Alert) error
}

// runCommand executes an external tool. Swappable in tests.
type runCommand func(ctx context.Context, name string, args ...string) error

func execCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Pipeline produces, prunes and restores database archives.
//
// Backup and Restore are mutually exclusive: at most one dump or restore
// touches the store at a time, and Wait() lets shutdown block until any
// in-flight run finishes.
type Pipeline struct {
	cfg    Config
	reg    Registry
	alerts Alerter
	log    logx.Logger
	run    runCommand

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewPipeline(cfg Config, reg Registry, alerts Alerter, log logx.Logger) *Pipeline {
	if cfg.Dir == "" {
		cfg.Dir = "./backups"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = 10 * time.Minute
	}
	if cfg.MongodumpPath == "" {
		cfg.MongodumpPath = "mongodump"
	}
	if cfg.MongorestorePath == "" {
		cfg.MongorestorePath = "mongorestore"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{cfg: cfg, reg: reg, alerts: alerts, log: log, run: execCommand}
}

// Wait blocks until any in-flight backup or restore completes.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Backup dumps the database, packs it into a tar.gz archive with a checksum
// sidecar, registers the artifact and removes the dump workdir.
//
// On any failure the partial workdir and archive are removed and nothing is
// registered: an artifact either exists completely or not at all.
func (p *Pipeline) Backup(ctx context.Context) (*storage.BackupArtifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wg.Add(1)
	defer p.wg.Done()

	started := time.Now()
	name := archivePrefix + started.UTC().Format(timestampLayout)
	workdir := filepath.Join(p.cfg.Dir, name)
	archive := workdir + ".tar.gz"

	art, err := p.backup(ctx, name, workdir, archive, started)
	if err != nil {
		// Leave no partial outputs behind.
		_ = os.RemoveAll(workdir)
		_ = os.Remove(archive)
		_ = os.Remove(archive + checksumSuffix)

		p.log.Error("backup failed", logx.Err(err), logx.Duration("took", time.Since(started)))
		p.notify(ctx, notifier.Alert{
			Title:    "Backup failed",
			Body:     err.Error(),
			Severity: notifier.SeverityCritical,
		})
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	p.log.Info("backup created",
		logx.String("archive", art.Path),
		logx.Int64("size_bytes", art.SizeBytes),
		logx.Duration("took", time.Since(started)),
	)
	p.notify(ctx, notifier.Alert{
		Title: "Backup created",
		Body: fmt.Sprintf("Archive: %s\nSize: %.2f MB\nDuration: %s",
			filepath.Base(art.Path), float64(art.SizeBytes)/(1024*1024), time.Since(started).Round(time.Second)),
		Severity: notifier.SeveritySuccess,
	})
	return art, nil
}

func (p *Pipeline) backup(ctx context.Context, name, workdir, archive string, started time.Time) (*storage.BackupArtifact, error) {
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.DumpTimeout)
	err := p.run(dctx, p.cfg.MongodumpPath,
		"--uri", p.cfg.MongoURI,
		"--db", p.cfg.Database,
		"--out", workdir,
	)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("mongodump: %w", err)
	}

	if err := createTarGz(archive, p.cfg.Dir, name); err != nil {
		return nil, fmt.Errorf("pack archive: %w", err)
	}

	sum, err := fileChecksum(archive)
	if err != nil {
		return nil, fmt.Errorf("checksum: %w", err)
	}
	if err := writeChecksumSidecar(archive, sum); err != nil {
		return nil, fmt.Errorf("write checksum: %w", err)
	}

	fi, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	art := storage.BackupArtifact{
		Path:            archive,
		CreatedAt:       started.UTC(),
		SizeBytes:       fi.Size(),
		Checksum:        sum,
		RetentionExpiry: started.UTC().Add(p.cfg.Retention),
	}
	if p.reg != nil {
		if err := p.reg.PutBackupArtifact(ctx, art); err != nil {
			return nil, fmt.Errorf("register artifact: %w", err)
		}
	}

	// The dump directory is redundant once the archive exists.
	if err := os.RemoveAll(workdir); err != nil {
		p.log.Warn("workdir removal failed", logx.String("dir", workdir), logx.Err(err))
	}
	return &art, nil
}

// Cleanup removes artifacts past retention: registered ones first, then
// orphan archive files left behind by failed runs or lost registry entries.
// Missing files are tolerated; artifacts within retention are untouched.
func (p *Pipeline) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	handled := map[string]bool{}

	if p.reg != nil {
		expired, err := p.reg.ExpiredBackupArtifacts(ctx, now)
		if err != nil {
			return 0, fmt.Errorf("list expired artifacts: %w", err)
		}
		for _, a := range expired {
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				p.log.Warn("artifact removal failed", logx.String("path", a.Path), logx.Err(err))
				continue
			}
			_ = os.Remove(a.Path + checksumSuffix)
			if err := p.reg.DeleteBackupArtifact(ctx, a.Path); err != nil {
				p.log.Warn("artifact deregister failed", logx.String("path", a.Path), logx.Err(err))
				continue
			}
			handled[filepath.Base(a.Path)] = true
			removed++
			p.log.Info("expired backup removed", logx.String("path", a.Path))
		}
	}

	// Orphan sweep by file age, matching only our own naming scheme.
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return removed, nil
		}
		return removed, fmt.Errorf("read backup dir: %w", err)
	}
	for _, e := range entries {
		fname := e.Name()
		if e.IsDir() || !strings.HasPrefix(fname, archivePrefix) || !strings.HasSuffix(fname, ".tar.gz") {
			continue
		}
		if handled[fname] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= p.cfg.Retention {
			continue
		}
		full := filepath.Join(p.cfg.Dir, fname)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			p.log.Warn("orphan removal failed", logx.String("path", full), logx.Err(err))
			continue
		}
		_ = os.Remove(full + checksumSuffix)
		if p.reg != nil {
			_ = p.reg.DeleteBackupArtifact(ctx, full)
		}
		removed++
		p.log.Info("orphan backup removed", logx.String("path", full))
	}

	return removed, nil
}

// Restore validates the archive checksum, extracts it and replaces the
// database contents (mongorestore --drop).
//
// A checksum mismatch aborts before anything touches the store. A failure
// after mongorestore has started is reported as ErrRestorePartial and is
// never retried automatically.
func (p *Pipeline) Restore(ctx context.Context, archivePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wg.Add(1)
	defer p.wg.Done()

	started := time.Now()

	if err := p.verifyChecksum(archivePath); err != nil {
		p.log.Error("restore rejected", logx.String("archive", archivePath), logx.Err(err))
		p.notify(ctx, notifier.Alert{
			Title:    "Restore rejected",
			Body:     fmt.Sprintf("Archive %s failed validation: %v", filepath.Base(archivePath), err),
			Severity: notifier.SeverityCritical,
		})
		return err
	}

	tmp, err := os.MkdirTemp(p.cfg.Dir, "restore-")
	if err != nil {
		return fmt.Errorf("create restore dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractTarGz(archivePath, tmp); err != nil {
		return fmt.Errorf("extract archive: %w", err)
	}

	dumpDir, err := locateDumpDir(tmp, p.cfg.Database)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.DumpTimeout)
	err = p.run(rctx, p.cfg.MongorestorePath,
		"--uri", p.cfg.MongoURI,
		"--drop",
		"--db", p.cfg.Database,
		dumpDir,
	)
	cancel()
	if err != nil {
		// mongorestore was already rewriting collections; state is undefined.
		p.log.Error("restore failed mid-flight", logx.String("archive", archivePath), logx.Err(err))
		p.notify(ctx, notifier.Alert{
			Title:    "Restore FAILED mid-flight",
			Body:     fmt.Sprintf("Archive %s: %v\nThe database may be partially restored. Do not retry blindly.", filepath.Base(archivePath), err),
			Severity: notifier.SeverityCritical,
		})
		return fmt.Errorf("%w: %v", ErrRestorePartial, err)
	}

	p.log.Info("restore completed",
		logx.String("archive", archivePath),
		logx.Duration("took", time.Since(started)),
	)
	p.notify(ctx, notifier.Alert{
		Title:    "Restore completed",
		Body:     fmt.Sprintf("Database restored from %s (created %s).", filepath.Base(archivePath), archiveTimestamp(archivePath)),
		Severity: notifier.SeveritySuccess,
	})
	return nil
}

func (p *Pipeline) verifyChecksum(archivePath string) error {
	want, err := readChecksumSidecar(archivePath)
	if err != nil {
		return fmt.Errorf("read checksum sidecar: %w", err)
	}
	got, err := fileChecksum(archivePath)
	if err != nil {
		return fmt.Errorf("checksum archive: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: checksum mismatch (want %s, got %s)", ErrCorruptArchive, want, got)
	}
	return nil
}

// locateDumpDir finds the per-database dump directory inside the extracted tree.
func locateDumpDir(root, database string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read extracted dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		// Layout: <workdir>/<database>/*.bson
		dbDir := filepath.Join(root, e.Name(), database)
		if fi, err := os.Stat(dbDir); err == nil && fi.IsDir() {
			return dbDir, nil
		}
		// Archive may have been packed from inside the workdir.
		if e.Name() == database {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no dump directory for database %q in archive", database)
}

// archiveTimestamp recovers the creation time encoded in the archive name.
func archiveTimestamp(archivePath string) string {
	base := strings.TrimSuffix(filepath.Base(archivePath), ".tar.gz")
	raw := strings.TrimPrefix(base, archivePrefix)
	if ts, err := time.Parse(timestampLayout, raw); err == nil {
		return ts.Format(time.RFC3339)
	}
	return base
}

func (p *Pipeline) notify(ctx context.Context, a notifier.Alert) {
	if p.alerts == nil {
		return
	}
	if err := p.alerts.Notify(ctx, a); err != nil {
		p.log.Debug("backup alert not delivered", logx.Err(err))
	}
}
