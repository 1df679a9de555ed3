// Package wal is the local write-ahead log for unsynced edits.
//
// Every edit is written here before the remote save is attempted, so a
// crash between the local write and the remote acknowledgement leaves an
// unsynced LocalChange that is replayed on the next start. Entries move
// through created (unsynced) -> synced -> purged; an unsynced entry is
// never purged.
package wal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Errors
var (
	ErrNotFound           = errors.New("wal: change not found")
	ErrClosed             = errors.New("wal: backend is closed")
	ErrBothBackendsFailed = errors.New("wal: primary and fallback writes failed")
	ErrDegraded           = errors.New("wal: running on fallback backend")
	// ErrSkip is returned by a Replay callback to leave a change unsynced
	// and continue.
	ErrSkip = errors.New("wal: skip change")
)

// LocalChange is one durable record of an edit.
type LocalChange struct {
	ID          string    `json:"id"`
	ContextKind string    `json:"contextKind"`
	ContextID   string    `json:"contextId"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Synced      bool      `json:"synced"`
}

// ChangeID builds the synthetic key "<kind>-<id>-<unix millis>".
func ChangeID(kind, contextID string, ts time.Time) string {
	return fmt.Sprintf("%s-%s-%d", kind, contextID, ts.UnixMilli())
}

// Backend is a durable key-value store for LocalChanges. Implementations
// must not return from Put until the change is durable by their own
// standard.
type Backend interface {
	// Name identifies the backend in logs and health output.
	Name() string
	Put(ctx context.Context, c LocalChange) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (LocalChange, error)
	// Unsynced returns every change with Synced == false.
	Unsynced(ctx context.Context) ([]LocalChange, error)
	All(ctx context.Context) ([]LocalChange, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Purger is implemented by backends that can delete synced entries in bulk.
type Purger interface {
	PurgeSynced(ctx context.Context, before time.Time) (int, error)
}

// Compacter is implemented by backends that reclaim space after purges.
type Compacter interface {
	Compact() error
}

// SortChanges orders changes by timestamp, then id.
func SortChanges(cs []LocalChange) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].Timestamp.Equal(cs[j].Timestamp) {
			return cs[i].Timestamp.Before(cs[j].Timestamp)
		}
		return cs[i].ID < cs[j].ID
	})
}

// purgeByScan is the generic purge used for backends without Purger.
func purgeByScan(ctx context.Context, b Backend, before time.Time) (int, error) {
	all, err := b.All(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range all {
		if !c.Synced || !c.Timestamp.Before(before) {
			continue
		}
		if err := b.Delete(ctx, c.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, fmt.Errorf("delete %s: %w", c.ID, err)
		}
		n++
	}
	return n, nil
}
