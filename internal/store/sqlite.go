package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"xccmsync/internal/wal"
)

// SQLiteBackend stores local changes in a SQLite database running in WAL
// journal mode. It is the default primary backend.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path and runs migrations.
// busyTimeout bounds how long a writer waits on a locked database.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteBackend, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the write path.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

// DB exposes the handle for migration status queries.
func (s *SQLiteBackend) DB() *sql.DB { return s.db }

func (s *SQLiteBackend) Put(ctx context.Context, c wal.LocalChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_changes (id, context_kind, context_id, content, timestamp_ms, synced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			timestamp_ms = excluded.timestamp_ms,
			synced = excluded.synced`,
		c.ID, c.ContextKind, c.ContextID, c.Content, c.Timestamp.UnixMilli(), boolToInt(c.Synced),
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, id string) (wal.LocalChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_kind, context_id, content, timestamp_ms, synced
		FROM local_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wal.LocalChange{}, wal.ErrNotFound
	}
	if err != nil {
		return wal.LocalChange{}, fmt.Errorf("get change: %w", err)
	}
	return c, nil
}

func (s *SQLiteBackend) Unsynced(ctx context.Context) ([]wal.LocalChange, error) {
	return s.query(ctx, `
		SELECT id, context_kind, context_id, content, timestamp_ms, synced
		FROM local_changes WHERE synced = 0
		ORDER BY timestamp_ms ASC, id ASC`)
}

func (s *SQLiteBackend) All(ctx context.Context) ([]wal.LocalChange, error) {
	return s.query(ctx, `
		SELECT id, context_kind, context_id, content, timestamp_ms, synced
		FROM local_changes
		ORDER BY timestamp_ms ASC, id ASC`)
}

func (s *SQLiteBackend) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM local_changes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete change: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete change: %w", err)
	}
	if n == 0 {
		return wal.ErrNotFound
	}
	return nil
}

// PurgeSynced deletes synced changes older than before in one statement.
func (s *SQLiteBackend) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM local_changes WHERE synced = 1 AND timestamp_ms < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge synced: %w", err)
	}
	return int(n), nil
}

// Ping reports whether the database answers.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteBackend) query(ctx context.Context, q string, args ...any) ([]wal.LocalChange, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []wal.LocalChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (wal.LocalChange, error) {
	var (
		c      wal.LocalChange
		ts     int64
		synced int
	)
	if err := row.Scan(&c.ID, &c.ContextKind, &c.ContextID, &c.Content, &ts, &synced); err != nil {
		return wal.LocalChange{}, err
	}
	c.Timestamp = time.UnixMilli(ts)
	c.Synced = synced != 0
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
