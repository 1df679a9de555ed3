package wal

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps changes in process memory. It is the last-resort
// fallback and the backend used by tests; it does not survive restarts.
type MemoryBackend struct {
	mu      sync.RWMutex
	changes map[string]LocalChange
	closed  bool
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{changes: make(map[string]LocalChange)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Put(ctx context.Context, c LocalChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.changes[c.ID] = c
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, id string) (LocalChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return LocalChange{}, ErrClosed
	}
	c, ok := m.changes[id]
	if !ok {
		return LocalChange{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryBackend) Unsynced(ctx context.Context) ([]LocalChange, error) {
	return m.filter(func(c LocalChange) bool { return !c.Synced })
}

func (m *MemoryBackend) All(ctx context.Context) ([]LocalChange, error) {
	return m.filter(func(LocalChange) bool { return true })
}

func (m *MemoryBackend) filter(keep func(LocalChange) bool) ([]LocalChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]LocalChange, 0, len(m.changes))
	for _, c := range m.changes {
		if keep(c) {
			out = append(out, c)
		}
	}
	SortChanges(out)
	return out, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.changes[id]; !ok {
		return ErrNotFound
	}
	delete(m.changes, id)
	return nil
}

// PurgeSynced implements Purger.
func (m *MemoryBackend) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for id, c := range m.changes {
		if c.Synced && c.Timestamp.Before(before) {
			delete(m.changes, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
