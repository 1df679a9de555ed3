package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xccmsync/internal/logging"
)

// Options configures a Log.
type Options struct {
	// Fallback receives writes once the primary fails. Nil means a primary
	// failure is returned to the caller.
	Fallback Backend

	Logger *logging.Logger

	// OnDegraded is called when the log switches to, or back from, the
	// fallback backend.
	OnDegraded func(degraded bool)

	// StartDegraded sends writes to the fallback from the start, for a
	// primary that could not be opened. TryRecover moves them back.
	StartDegraded bool

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Log is the write-ahead log. It writes to the primary backend and
// switches to the fallback when the primary stops accepting writes.
type Log struct {
	primary  Backend
	fallback Backend
	logger   *logging.Logger
	now      func() time.Time
	onDeg    func(bool)

	degraded atomic.Bool

	idMu   sync.Mutex
	lastMs int64
}

// New creates a Log over primary.
func New(primary Backend, opts Options) *Log {
	l := &Log{
		primary:  primary,
		fallback: opts.Fallback,
		logger:   opts.Logger,
		now:      opts.Now,
		onDeg:    opts.OnDegraded,
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	l.logger = l.logger.WithComponent("wal")
	if l.now == nil {
		l.now = time.Now
	}
	if opts.StartDegraded && l.fallback != nil {
		l.setDegraded(true, errors.New("primary unavailable at startup"))
	}
	return l
}

// nextTimestamp returns a millisecond timestamp strictly greater than any
// previously issued one, so ids stay unique under bursts.
func (l *Log) nextTimestamp() time.Time {
	l.idMu.Lock()
	defer l.idMu.Unlock()
	ms := l.now().UnixMilli()
	if ms <= l.lastMs {
		ms = l.lastMs + 1
	}
	l.lastMs = ms
	return time.UnixMilli(ms)
}

// WriteChange durably records an unsynced edit. It returns only after a
// backend has accepted the entry; if neither can, the error wraps
// ErrBothBackendsFailed.
func (l *Log) WriteChange(ctx context.Context, kind, contextID, content string) (LocalChange, error) {
	ts := l.nextTimestamp()
	c := LocalChange{
		ID:          ChangeID(kind, contextID, ts),
		ContextKind: kind,
		ContextID:   contextID,
		Content:     content,
		Timestamp:   ts,
	}
	if err := l.put(ctx, c); err != nil {
		return LocalChange{}, err
	}
	l.logger.Debug("change written", "id", c.ID, "content_len", len(content), "degraded", l.Degraded())
	return c, nil
}

func (l *Log) put(ctx context.Context, c LocalChange) error {
	if !l.degraded.Load() {
		err := l.primary.Put(ctx, c)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if l.fallback == nil {
			return fmt.Errorf("wal: %s put: %w", l.primary.Name(), err)
		}
		l.setDegraded(true, err)
		if ferr := l.fallback.Put(ctx, c); ferr != nil {
			return fmt.Errorf("%w: %s: %v; %s: %v", ErrBothBackendsFailed, l.primary.Name(), err, l.fallback.Name(), ferr)
		}
		return nil
	}

	if err := l.fallback.Put(ctx, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBothBackendsFailed, l.fallback.Name(), err)
	}
	return nil
}

func (l *Log) setDegraded(v bool, cause error) {
	if l.degraded.Swap(v) == v {
		return
	}
	if v {
		l.logger.Warn("primary store unavailable, using fallback",
			"primary", l.primary.Name(), "fallback", l.fallback.Name(), "error", cause)
	} else {
		l.logger.Info("primary store recovered", "primary", l.primary.Name())
	}
	if l.onDeg != nil {
		l.onDeg(v)
	}
}

// Degraded reports whether writes currently go to the fallback.
func (l *Log) Degraded() bool { return l.degraded.Load() }

// backends returns the backends to read from, primary first.
func (l *Log) backends() []Backend {
	if l.fallback == nil {
		return []Backend{l.primary}
	}
	return []Backend{l.primary, l.fallback}
}

// GetUnsyncedChanges returns every unsynced change across both backends,
// oldest first. A failing backend is skipped as long as one answers.
func (l *Log) GetUnsyncedChanges(ctx context.Context) ([]LocalChange, error) {
	return l.collect(ctx, Backend.Unsynced)
}

// UnsyncedCount returns how many changes await a remote save.
func (l *Log) UnsyncedCount(ctx context.Context) (int, error) {
	cs, err := l.GetUnsyncedChanges(ctx)
	return len(cs), err
}

// AllChanges returns every change, synced or not, oldest first.
func (l *Log) AllChanges(ctx context.Context) ([]LocalChange, error) {
	return l.collect(ctx, Backend.All)
}

func (l *Log) collect(ctx context.Context, read func(Backend, context.Context) ([]LocalChange, error)) ([]LocalChange, error) {
	seen := make(map[string]int)
	var (
		out  []LocalChange
		errs []error
		ok   bool
	)
	for _, b := range l.backends() {
		cs, err := read(b, ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		ok = true
		for _, c := range cs {
			if i, dup := seen[c.ID]; dup {
				// A copy that reached either backend as synced is synced.
				out[i].Synced = out[i].Synced || c.Synced
				continue
			}
			seen[c.ID] = len(out)
			out = append(out, c)
		}
	}
	if !ok {
		return nil, errors.Join(errs...)
	}
	SortChanges(out)
	return out, nil
}

// MarkSynced flips the synced flag of id in whichever backend holds it.
// Marking an already synced change is a no-op.
func (l *Log) MarkSynced(ctx context.Context, id string) error {
	found := false
	var errs []error
	for _, b := range l.backends() {
		c, err := b.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		found = true
		if c.Synced {
			continue
		}
		c.Synced = true
		if err := b.Put(ctx, c); err != nil {
			return fmt.Errorf("wal: mark %s synced in %s: %w", id, b.Name(), err)
		}
	}
	if found {
		return nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// MarkSyncedThrough marks latest synced together with every older
// unsynced change for the same context: a save of newer content settles
// all earlier edits of that granule. It returns how many were marked.
func (l *Log) MarkSyncedThrough(ctx context.Context, latest LocalChange) (int, error) {
	pending, err := l.GetUnsyncedChanges(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, c := range pending {
		if c.ContextKind != latest.ContextKind || c.ContextID != latest.ContextID {
			continue
		}
		if c.Timestamp.After(latest.Timestamp) {
			continue
		}
		if err := l.MarkSynced(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// PurgeSynced deletes synced changes older than the retention horizon.
// Unsynced changes are never deleted, whatever their age.
func (l *Log) PurgeSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	before := l.now().Add(-olderThan)
	total := 0
	var errs []error
	for _, b := range l.backends() {
		var (
			n   int
			err error
		)
		if p, ok := b.(Purger); ok {
			n, err = p.PurgeSynced(ctx, before)
		} else {
			n, err = purgeByScan(ctx, b, before)
		}
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	if total > 0 {
		l.logger.Info("purged synced changes", "count", total, "older_than", olderThan)
	}
	return total, errors.Join(errs...)
}

// Replay hands every unsynced change to fn in order and marks it synced
// when fn succeeds. A change for which fn returns ErrSkip is left as it
// is. Replay stops at the first failure, leaving that change and all later
// ones unsynced.
func (l *Log) Replay(ctx context.Context, fn func(context.Context, LocalChange) error) (int, error) {
	pending, err := l.GetUnsyncedChanges(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := fn(ctx, c); err != nil {
			if errors.Is(err, ErrSkip) {
				continue
			}
			return n, fmt.Errorf("replay %s: %w", c.ID, err)
		}
		if err := l.MarkSynced(ctx, c.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		l.logger.Info("replayed unsynced changes", "count", n)
	}
	return n, nil
}

// TryRecover probes the primary while degraded. If it answers, changes
// held only by the fallback are copied back and writes return to the
// primary.
func (l *Log) TryRecover(ctx context.Context) bool {
	if !l.degraded.Load() || l.fallback == nil {
		return false
	}
	if _, err := l.primary.Unsynced(ctx); err != nil {
		return false
	}
	held, err := l.fallback.All(ctx)
	if err != nil {
		return false
	}
	for _, c := range held {
		if err := l.primary.Put(ctx, c); err != nil {
			l.logger.Debug("primary still rejecting writes", "error", err)
			return false
		}
	}
	for _, c := range held {
		_ = l.fallback.Delete(ctx, c.ID)
	}
	l.setDegraded(false, nil)
	return true
}

// Compact reclaims space in every backend that supports it.
func (l *Log) Compact() error {
	var errs []error
	for _, b := range l.backends() {
		if c, ok := b.(Compacter); ok {
			if err := c.Compact(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// Primary returns the primary backend.
func (l *Log) Primary() Backend { return l.primary }

// Close closes both backends.
func (l *Log) Close() error {
	var errs []error
	for _, b := range l.backends() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
