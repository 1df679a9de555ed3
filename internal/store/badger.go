package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"xccmsync/internal/logging"
	"xccmsync/internal/wal"
)

// Key layout:
//
//	c/<id>  JSON-encoded LocalChange
//	u/<id>  empty marker, present while the change is unsynced
const (
	changePrefix   = "c/"
	unsyncedPrefix = "u/"
)

// BadgerConfig holds configuration for a BadgerBackend.
type BadgerConfig struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Tests only.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCDiscardRatio is the value log garbage threshold used by Compact.
	GCDiscardRatio float64

	Logger *logging.Logger
}

// DefaultBadgerConfig returns durable defaults for dir.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:            dir,
		SyncWrites:     true,
		GCDiscardRatio: 0.5,
	}
}

// BadgerBackend stores local changes in an embedded BadgerDB.
type BadgerBackend struct {
	db       *badger.DB
	inMemory bool
	ratio    float64
}

// badgerLogger adapts the slog-based logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a BadgerBackend.
func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("badger: directory is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.WithComponent("badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	ratio := cfg.GCDiscardRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &BadgerBackend{db: db, inMemory: cfg.InMemory, ratio: ratio}, nil
}

func (b *BadgerBackend) Name() string { return "badger" }

func (b *BadgerBackend) Put(ctx context.Context, c wal.LocalChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(changePrefix+c.ID), data); err != nil {
			return err
		}
		if c.Synced {
			return txn.Delete([]byte(unsyncedPrefix + c.ID))
		}
		return txn.Set([]byte(unsyncedPrefix+c.ID), nil)
	})
	if err != nil {
		return fmt.Errorf("put change: %w", err)
	}
	return nil
}

func (b *BadgerBackend) Get(ctx context.Context, id string) (wal.LocalChange, error) {
	var c wal.LocalChange
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getChange(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return wal.LocalChange{}, wal.ErrNotFound
	}
	if err != nil {
		return wal.LocalChange{}, fmt.Errorf("get change: %w", err)
	}
	return c, nil
}

func getChange(txn *badger.Txn, id string) (wal.LocalChange, error) {
	var c wal.LocalChange
	item, err := txn.Get([]byte(changePrefix + id))
	if err != nil {
		return c, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	})
	return c, err
}

// Unsynced walks the u/ index instead of decoding every change.
func (b *BadgerBackend) Unsynced(ctx context.Context) ([]wal.LocalChange, error) {
	var out []wal.LocalChange
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(unsyncedPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := string(it.Item().Key()[len(unsyncedPrefix):])
			c, err := getChange(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load %s: %w", id, err)
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	wal.SortChanges(out)
	return out, nil
}

func (b *BadgerBackend) All(ctx context.Context) ([]wal.LocalChange, error) {
	out, err := b.scan(ctx, func(wal.LocalChange) bool { return true })
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	return out, nil
}

func (b *BadgerBackend) scan(ctx context.Context, keep func(wal.LocalChange) bool) ([]wal.LocalChange, error) {
	var out []wal.LocalChange
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(changePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c wal.LocalChange
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if keep(c) {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	wal.SortChanges(out)
	return out, nil
}

func (b *BadgerBackend) Delete(ctx context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(changePrefix + id)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(changePrefix + id)); err != nil {
			return err
		}
		return txn.Delete([]byte(unsyncedPrefix + id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return wal.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete change: %w", err)
	}
	return nil
}

// PurgeSynced deletes synced changes older than before with a write batch.
func (b *BadgerBackend) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	victims, err := b.scan(ctx, func(c wal.LocalChange) bool {
		return c.Synced && c.Timestamp.Before(before)
	})
	if err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, c := range victims {
		if err := wb.Delete([]byte(changePrefix + c.ID)); err != nil {
			return 0, fmt.Errorf("purge synced: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}
	return len(victims), nil
}

// Compact runs value log garbage collection until nothing is rewritten.
func (b *BadgerBackend) Compact() error {
	if b.inMemory {
		return nil
	}
	for {
		err := b.db.RunValueLogGC(b.ratio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
