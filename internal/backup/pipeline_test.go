package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clubkeeper/internal/storage"
	logx "clubkeeper/pkg/logx"
)

type fakeRegistry struct {
	mu        sync.Mutex
	artifacts map[string]storage.BackupArtifact
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{artifacts: map[string]storage.BackupArtifact{}}
}

func (r *fakeRegistry) PutBackupArtifact(_ context.Context, a storage.BackupArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[a.Path] = a
	return nil
}

func (r *fakeRegistry) ExpiredBackupArtifacts(_ context.Context, now time.Time) ([]storage.BackupArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []storage.BackupArtifact
	for _, a := range r.artifacts {
		if a.RetentionExpiry.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRegistry) DeleteBackupArtifact(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.artifacts, path)
	return nil
}

func (r *fakeRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts)
}

// fakeDump pretends to be mongodump: it writes a db directory with one
// collection file into the --out target.
func fakeDump(t *testing.T, database string) runCommand {
	t.Helper()
	return func(_ context.Context, name string, args ...string) error {
		var out string
		for i := 0; i < len(args)-1; i++ {
			if args[i] == "--out" {
				out = args[i+1]
			}
		}
		if out == "" {
			t.Fatalf("no --out in args %v", args)
		}
		dbDir := filepath.Join(out, database)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dbDir, "users.bson"), []byte("fake bson"), 0o644)
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeRegistry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := newFakeRegistry()
	p := NewPipeline(Config{
		Dir:       dir,
		MongoURI:  "mongodb://localhost:27017",
		Database:  "go_club_db",
		Retention: 30 * 24 * time.Hour,
	}, reg, nil, logx.Nop())
	p.run = fakeDump(t, "go_club_db")
	return p, reg, dir
}

func TestBackupProducesVerifiableArchive(t *testing.T) {
	p, reg, dir := newTestPipeline(t)
	ctx := context.Background()

	art, err := p.Backup(ctx)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	if _, err := os.Stat(art.Path); err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	sum, err := fileChecksum(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	if sum != art.Checksum {
		t.Fatalf("registered checksum %s != file checksum %s", art.Checksum, sum)
	}
	recorded, err := readChecksumSidecar(art.Path)
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	if recorded != sum {
		t.Fatalf("sidecar checksum %s != file checksum %s", recorded, sum)
	}
	if reg.len() != 1 {
		t.Fatalf("registry has %d artifacts, want 1", reg.len())
	}

	// Workdir must be gone, only archive + sidecar remain.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Fatalf("workdir left behind: %s", e.Name())
		}
	}
}

func TestBackupFailureLeavesNothing(t *testing.T) {
	p, reg, dir := newTestPipeline(t)
	p.run = func(context.Context, string, ...string) error {
		return errors.New("connection refused")
	}

	_, err := p.Backup(context.Background())
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatalf("expected ErrBackupFailed, got %v", err)
	}
	if reg.len() != 0 {
		t.Fatal("failed backup must not be registered")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("partial outputs left behind: %v", entries)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	art, err := p.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var restoreArgs []string
	p.run = func(_ context.Context, name string, args ...string) error {
		restoreArgs = append([]string{name}, args...)
		return nil
	}
	if err := p.Restore(ctx, art.Path); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if len(restoreArgs) == 0 {
		t.Fatal("mongorestore not invoked")
	}
	joined := ""
	hasDrop := false
	for _, a := range restoreArgs {
		joined += a + " "
		if a == "--drop" {
			hasDrop = true
		}
	}
	if !hasDrop {
		t.Fatalf("restore must use --drop, got: %s", joined)
	}
}

func TestCorruptArchiveRejectedBeforeRestore(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	art, err := p.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Flip bytes in the archive after the checksum was recorded.
	if err := os.WriteFile(art.Path, []byte("not a tarball anymore"), 0o644); err != nil {
		t.Fatal(err)
	}

	restoreRan := false
	p.run = func(context.Context, string, ...string) error {
		restoreRan = true
		return nil
	}
	err = p.Restore(ctx, art.Path)
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("expected ErrCorruptArchive, got %v", err)
	}
	if restoreRan {
		t.Fatal("mongorestore must not run for a corrupt archive")
	}
}

func TestRestoreFailureIsPartial(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	ctx := context.Background()

	art, err := p.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}

	p.run = func(context.Context, string, ...string) error {
		return errors.New("network reset during restore")
	}
	err = p.Restore(ctx, art.Path)
	if !errors.Is(err, ErrRestorePartial) {
		t.Fatalf("expected ErrRestorePartial, got %v", err)
	}
}

func TestCleanupRetentionBoundary(t *testing.T) {
	p, reg, dir := newTestPipeline(t)
	ctx := context.Background()
	now := time.Now()

	mkArchive := func(name string, expiry time.Time) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("archive"), 0o644); err != nil {
			t.Fatal(err)
		}
		_ = reg.PutBackupArtifact(ctx, storage.BackupArtifact{
			Path:            path,
			CreatedAt:       expiry.Add(-30 * 24 * time.Hour),
			RetentionExpiry: expiry,
		})
		return path
	}

	expired := mkArchive("go_club_backup_20250101_030000.tar.gz", now.Add(-time.Hour))
	fresh := mkArchive("go_club_backup_20250601_030000.tar.gz", now.Add(24*time.Hour))
	// Registered but file already missing: tolerated, entry dropped.
	missing := filepath.Join(dir, "go_club_backup_20240101_030000.tar.gz")
	_ = reg.PutBackupArtifact(ctx, storage.BackupArtifact{Path: missing, RetentionExpiry: now.Add(-time.Hour)})

	removed, err := p.Cleanup(ctx, now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Fatal("expired archive still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh archive must be untouched")
	}
	if reg.len() != 1 {
		t.Fatalf("registry has %d entries, want 1 (fresh)", reg.len())
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// Build a hostile archive by hand.
	hostile := filepath.Join(dir, "evil.tar.gz")
	if err := func() error {
		f, err := os.Create(hostile)
		if err != nil {
			return err
		}
		defer f.Close()
		return writeHostileEntry(f, "../../escape.txt")
	}(); err != nil {
		t.Fatal(err)
	}

	if err := extractTarGz(hostile, filepath.Join(dir, "out")); err == nil {
		t.Fatal("traversal entry must be rejected")
	}
}
