package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"xccmsync/internal/config"
	"xccmsync/internal/wal"
	"xccmsync/internal/wal/waltest"
)

func TestSQLiteConformance(t *testing.T) {
	waltest.Run(t, func(t *testing.T) wal.Backend {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "wal.db"), time.Second)
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		return s
	})
}

func TestBadgerConformance(t *testing.T) {
	waltest.Run(t, func(t *testing.T) wal.Backend {
		b, err := OpenBadger(BadgerConfig{InMemory: true})
		if err != nil {
			t.Fatalf("OpenBadger failed: %v", err)
		}
		return b
	})
}

func TestRedisConformance(t *testing.T) {
	waltest.Run(t, func(t *testing.T) wal.Backend {
		s := miniredis.RunT(t)
		r, err := NewRedisBackend("redis://" + s.Addr())
		if err != nil {
			t.Fatalf("NewRedisBackend failed: %v", err)
		}
		return r
	})
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "wal.db")

	s, err := OpenSQLite(dbPath, time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()
}

func TestCloseNilDB(t *testing.T) {
	s := &SQLiteBackend{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestMigrationStatus(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "wal.db"), time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	status, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if status.CurrentVersion != status.LatestVersion {
		t.Errorf("expected version %d, got %d", status.LatestVersion, status.CurrentVersion)
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(status.Pending))
	}

	// Migrating twice is a no-op.
	if err := MigrateDB(s.DB()); err != nil {
		t.Errorf("second MigrateDB failed: %v", err)
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	status, err = GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(status.Pending) != 1 {
		t.Errorf("expected one pending migration after rollback, got %d", len(status.Pending))
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wal.db")

	s, err := OpenSQLite(path, time.Second)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	c := waltest.Change("notion", "42", "Hello", time.Now(), false)
	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.Close()

	s, err = OpenSQLite(path, time.Second)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	pending, err := s.Unsynced(ctx)
	if err != nil {
		t.Fatalf("Unsynced failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "Hello" {
		t.Errorf("expected the unsynced change to survive, got %+v", pending)
	}
}

func TestBadgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "badger")

	b, err := OpenBadger(DefaultBadgerConfig(dir))
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	c := waltest.Change("chapter", "7", "draft", time.Now(), false)
	if err := b.Put(ctx, c); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Compact(); err != nil {
		t.Errorf("Compact failed: %v", err)
	}
	b.Close()

	b, err = OpenBadger(DefaultBadgerConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer b.Close()

	got, err := b.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "draft" || got.Synced {
		t.Errorf("unexpected change after reopen: %+v", got)
	}
}

func TestRedisUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	if _, err := NewRedisBackend("redis://" + addr); err == nil {
		t.Error("expected connect error for a closed server")
	}
}

func TestOpenFactory(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StorageConfig{
		Type:          "sqlite",
		Fallback:      "file",
		SQLitePath:    filepath.Join(dir, "wal.db"),
		FilePath:      filepath.Join(dir, "wal.log"),
		BusyTimeoutMs: 1000,
	}

	primary, fallback, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer primary.Close()
	defer fallback.Close()

	if primary.Name() != "sqlite" {
		t.Errorf("expected sqlite primary, got %s", primary.Name())
	}
	if fallback.Name() != "file" {
		t.Errorf("expected file fallback, got %s", fallback.Name())
	}
	if _, ok := primary.(Pinger); !ok {
		t.Error("sqlite backend should implement Pinger")
	}
}

func TestOpenFactoryNoFallback(t *testing.T) {
	primary, fallback, err := Open(config.StorageConfig{Type: "memory", Fallback: "none"}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer primary.Close()
	if fallback != nil {
		t.Errorf("expected no fallback, got %s", fallback.Name())
	}
}

func TestOpenFactoryUnknown(t *testing.T) {
	_, _, err := Open(config.StorageConfig{Type: "floppy"}, nil)
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestOpenFallsBackWhenPrimaryUnopenable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.StorageConfig{
		Type:       "sqlite",
		Fallback:   "memory",
		SQLitePath: filepath.Join(blocker, "wal.db"),
	}

	primary, fallback, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open with fallback should succeed, got %v", err)
	}
	if Unavailable(primary) == nil {
		t.Error("primary should report unavailable")
	}
	if fallback == nil || fallback.Name() != "memory" {
		t.Fatalf("expected memory fallback, got %v", fallback)
	}
	primary.Close()
	fallback.Close()

	var degraded []bool
	log, err := NewLog(cfg, wal.Options{OnDegraded: func(v bool) { degraded = append(degraded, v) }})
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	defer log.Close()
	if !log.Degraded() {
		t.Error("log should start degraded")
	}
	if len(degraded) != 1 || !degraded[0] {
		t.Errorf("expected one degraded notification, got %v", degraded)
	}

	ctx := context.Background()
	if _, err := log.WriteChange(ctx, "notion", "n1", "kept"); err != nil {
		t.Fatalf("write while degraded failed: %v", err)
	}
	pending, err := log.GetUnsyncedChanges(ctx)
	if err != nil {
		t.Fatalf("read while degraded failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Content != "kept" {
		t.Errorf("expected the degraded write, got %+v", pending)
	}
}

func TestOpenWithoutFallbackFailsOnUnopenablePrimary(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := Open(config.StorageConfig{
		Type:       "sqlite",
		Fallback:   "none",
		SQLitePath: filepath.Join(blocker, "wal.db"),
	}, nil)
	if err == nil {
		t.Error("expected an error without a fallback")
	}
}

func TestDeferredPrimaryRecovers(t *testing.T) {
	ctx := context.Background()
	target := wal.NewMemoryBackend()
	attempts := 0
	d := newDeferred("memory", func() (wal.Backend, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("still down")
		}
		return target, nil
	}, errors.New("down at startup"))
	d.interval = 0

	log := wal.New(d, wal.Options{Fallback: wal.NewMemoryBackend(), StartDegraded: true})
	defer log.Close()
	if _, err := log.WriteChange(ctx, "notion", "n1", "held"); err != nil {
		t.Fatalf("WriteChange failed: %v", err)
	}

	if log.TryRecover(ctx) {
		t.Fatal("recovery should fail while the primary cannot open")
	}
	if !log.TryRecover(ctx) {
		t.Fatal("recovery should succeed once the primary opens")
	}
	if log.Degraded() {
		t.Error("log should leave degraded mode")
	}
	if Unavailable(d) != nil {
		t.Error("deferred primary should be available")
	}
	moved, err := target.Unsynced(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 || moved[0].Content != "held" {
		t.Errorf("expected held change on the primary, got %+v", moved)
	}
}
