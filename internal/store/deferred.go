package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"xccmsync/internal/wal"
)

// reopenInterval spaces out attempts to open a primary that was
// unavailable at startup.
const reopenInterval = 5 * time.Second

// deferred stands in for a primary backend that could not be opened. Every
// call retries the open, at most once per interval, and delegates once it
// succeeds. Until then calls fail with the last open error.
type deferred struct {
	name     string
	open     func() (wal.Backend, error)
	interval time.Duration

	mu      sync.Mutex
	b       wal.Backend
	err     error
	lastTry time.Time
	closed  bool
}

func newDeferred(name string, open func() (wal.Backend, error), cause error) *deferred {
	return &deferred{
		name:     name,
		open:     open,
		interval: reopenInterval,
		err:      cause,
		lastTry:  time.Now(),
	}
}

// Unavailable returns the open error of a primary that Open could not
// bring up, or nil for a working backend.
func Unavailable(b wal.Backend) error {
	d, ok := b.(*deferred)
	if !ok {
		return nil
	}
	_, err := d.backend()
	return err
}

func (d *deferred) backend() (wal.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.b != nil {
		return d.b, nil
	}
	if d.closed {
		return nil, fmt.Errorf("%s: closed", d.name)
	}
	if time.Since(d.lastTry) < d.interval {
		return nil, d.err
	}
	d.lastTry = time.Now()
	b, err := d.open()
	if err != nil {
		d.err = err
		return nil, err
	}
	d.b, d.err = b, nil
	return b, nil
}

func (d *deferred) Name() string { return d.name }

func (d *deferred) Put(ctx context.Context, c wal.LocalChange) error {
	b, err := d.backend()
	if err != nil {
		return err
	}
	return b.Put(ctx, c)
}

func (d *deferred) Get(ctx context.Context, id string) (wal.LocalChange, error) {
	b, err := d.backend()
	if err != nil {
		return wal.LocalChange{}, err
	}
	return b.Get(ctx, id)
}

func (d *deferred) Unsynced(ctx context.Context) ([]wal.LocalChange, error) {
	b, err := d.backend()
	if err != nil {
		return nil, err
	}
	return b.Unsynced(ctx)
}

func (d *deferred) All(ctx context.Context) ([]wal.LocalChange, error) {
	b, err := d.backend()
	if err != nil {
		return nil, err
	}
	return b.All(ctx)
}

func (d *deferred) Delete(ctx context.Context, id string) error {
	b, err := d.backend()
	if err != nil {
		return err
	}
	return b.Delete(ctx, id)
}

func (d *deferred) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.b == nil {
		return nil
	}
	return d.b.Close()
}
