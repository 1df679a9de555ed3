// Package savequeue routes editor content to durable storage without ever
// attributing it to the wrong document.
//
// The Guard owns the active-document cell and the per-document content
// cache. Content events are applied only when they come from the active
// document and no switch is in progress. Saves are debounced, written to
// the WAL first, and sent to the remote with at most one request in
// flight per document; a newer payload supersedes any queued one.
package savequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"xccmsync/internal/editctx"
	"xccmsync/internal/logging"
	"xccmsync/internal/remote"
	"xccmsync/internal/wal"
)

// State is the save state of one document.
type State string

const (
	StateClean  State = "clean"
	StateDirty  State = "dirty"
	StateSaving State = "saving"
)

// Event labels a Status notification.
type Event string

const (
	EventSaved      Event = "saved"
	EventSkipped    Event = "skipped"
	EventSaveFailed Event = "save_failed"
	EventStaleWrite Event = "stale_write"
	EventWALFailed  Event = "wal_failed"
)

// Status is emitted for every save outcome and every dropped content event.
type Status struct {
	Event   Event
	DocID   string
	Context editctx.EditContext
	State   State
	Err     error

	// Content is what was saved. Previous is the last acknowledged content
	// before it, valid when HasPrevious is set.
	Content     string
	Previous    string
	HasPrevious bool

	// Duration of the remote call.
	Duration time.Duration
}

// SaveError is a failed remote save.
type SaveError struct {
	DocID string
	Err   error
}

func (e *SaveError) Error() string { return fmt.Sprintf("save %s: %v", e.DocID, e.Err) }
func (e *SaveError) Unwrap() error { return e.Err }

// Retriable reports whether the save may succeed if repeated.
func (e *SaveError) Retriable() bool { return remote.IsRetriable(e.Err) }

// ErrClosed is returned by operations on a closed Guard.
var ErrClosed = errors.New("savequeue: guard closed")

// ActiveCell holds the id of the active document. It is shared by
// reference so callbacks always read the current value.
type ActiveCell struct {
	p atomic.Pointer[string]
}

// Load returns the active document id, or "".
func (c *ActiveCell) Load() string {
	if p := c.p.Load(); p != nil {
		return *p
	}
	return ""
}

// Store sets the active document id.
func (c *ActiveCell) Store(id string) { c.p.Store(&id) }

// Is reports whether id is the active document.
func (c *ActiveCell) Is(id string) bool { return id != "" && c.Load() == id }

// Options configures a Guard.
type Options struct {
	Log   *wal.Log
	Saver remote.Saver

	// Debounce is the quiet period before a dirty document is saved.
	Debounce time.Duration
	// TransitionDelay holds content events after a switch unless
	// AcknowledgeSwitch releases them earlier.
	TransitionDelay time.Duration
	// SaveTimeout bounds each remote call.
	SaveTimeout time.Duration
	// SkipUnchanged skips the remote call when content matches the last
	// acknowledged save.
	SkipUnchanged bool

	OnStatus func(Status)
	Logger   *logging.Logger
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		Debounce:        1500 * time.Millisecond,
		TransitionDelay: 50 * time.Millisecond,
		SaveTimeout:     15 * time.Second,
		SkipUnchanged:   true,
	}
}

type doc struct {
	ec         editctx.EditContext
	content    string
	hasContent bool

	// editSeq counts accepted content changes; queuedSeq is the editSeq
	// covered by the newest enqueued save.
	editSeq   uint64
	queuedSeq uint64

	timer    *time.Timer
	timerGen uint64

	inflight bool
	pending  *job
	failed   bool

	acked      bool
	ackDigest  [32]byte
	ackContent string
}

type job struct {
	ec      editctx.EditContext
	content string
	// change is the newest WAL entry the job covers. Success settles it
	// and every older entry of the same context.
	change  wal.LocalChange
	waiters []chan error
}

// Guard is safe for concurrent use.
type Guard struct {
	opts   Options
	active *ActiveCell
	logger *logging.Logger

	// enqMu orders WAL writes with job registration.
	enqMu sync.Mutex

	mu              sync.Mutex
	docs            map[string]*doc
	transition      bool
	transitionEpoch uint64
	transitionTimer *time.Timer
	debounce        time.Duration
	transitionDelay time.Duration
	saveTimeout     time.Duration
	running         int
	idle            chan struct{}
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Guard. Log and Saver are required.
func New(opts Options) (*Guard, error) {
	if opts.Log == nil || opts.Saver == nil {
		return nil, errors.New("savequeue: log and saver are required")
	}
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.TransitionDelay <= 0 {
		opts.TransitionDelay = def.TransitionDelay
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = def.SaveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Guard{
		opts:            opts,
		active:          &ActiveCell{},
		logger:          opts.Logger.WithComponent("savequeue"),
		docs:            make(map[string]*doc),
		debounce:        opts.Debounce,
		transitionDelay: opts.TransitionDelay,
		saveTimeout:     opts.SaveTimeout,
		idle:            idle,
		ctx:             ctx,
		cancel:          cancel,
	}, nil
}

// Cell returns the shared active-document cell.
func (g *Guard) Cell() *ActiveCell { return g.active }

// Active returns the active document id.
func (g *Guard) Active() string { return g.active.Load() }

func (g *Guard) emit(s Status) {
	if g.opts.OnStatus != nil {
		g.opts.OnStatus(s)
	}
}

func (g *Guard) docLocked(ec editctx.EditContext) *doc {
	id := ec.DocID()
	d, ok := g.docs[id]
	if !ok {
		d = &doc{ec: ec}
		g.docs[id] = d
	}
	return d
}

// stateLocked derives the visible state of d.
func (d *doc) stateLocked() State {
	switch {
	case d.inflight:
		return StateSaving
	case d.editSeq > d.queuedSeq || d.failed:
		return StateDirty
	default:
		return StateClean
	}
}

// Seed records content loaded from the remote as the acknowledged state
// of ec without marking it dirty.
func (g *Guard) Seed(ec editctx.EditContext, content string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.docLocked(ec)
	if d.inflight || d.editSeq > d.queuedSeq {
		return
	}
	d.ec = ec
	d.content = content
	d.hasContent = true
	d.acked = true
	d.ackDigest = blake2b.Sum256([]byte(content))
	d.ackContent = content
}

// SelectDocument makes ec the active document. A dirty outgoing document
// has its debounce timer cancelled and is saved right away from a frozen
// snapshot, before the active id changes. Content events are then held
// until TransitionDelay elapses or AcknowledgeSwitch is called.
//
// The switch always happens. The returned error reports a failure to
// durably record the outgoing document's content.
func (g *Guard) SelectDocument(ctx context.Context, ec editctx.EditContext) error {
	if err := ec.Validate(); err != nil {
		return err
	}
	ec = ec.Freeze()
	newID := ec.DocID()

	var flushErr error
	outgoing := g.active.Load()
	if outgoing != "" && outgoing != newID {
		if snap, content, ok := g.takeDirty(outgoing); ok {
			if _, err := g.enqueue(ctx, snap, content); err != nil {
				flushErr = err
			}
		}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	// An edit may have landed on the outgoing document after takeDirty.
	// Once the active id changes no further edit can reach it.
	late, lateContent, hasLate := g.takeDirtyLocked(outgoing, newID)
	d := g.docLocked(ec)
	d.ec = ec
	g.active.Store(newID)
	g.transition = true
	g.transitionEpoch++
	epoch := g.transitionEpoch
	if g.transitionTimer != nil {
		g.transitionTimer.Stop()
	}
	g.transitionTimer = time.AfterFunc(g.transitionDelay, func() { g.releaseTransition(epoch) })
	g.mu.Unlock()

	if hasLate {
		if _, err := g.enqueue(ctx, late, lateContent); err != nil && flushErr == nil {
			flushErr = err
		}
	}

	g.logger.Debug("document selected", "doc", newID, "previous", outgoing)
	return flushErr
}

// takeDirty cancels id's debounce timer and returns a snapshot of its
// content when there is unsaved work.
func (g *Guard) takeDirty(id string) (editctx.EditContext, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.takeDirtyLocked(id, "")
}

func (g *Guard) takeDirtyLocked(id, incoming string) (editctx.EditContext, string, bool) {
	if id == "" || id == incoming {
		return editctx.EditContext{}, "", false
	}
	d, ok := g.docs[id]
	if !ok {
		return editctx.EditContext{}, "", false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerGen++
	}
	if d.editSeq <= d.queuedSeq || !d.hasContent {
		return editctx.EditContext{}, "", false
	}
	return d.ec.Freeze(), d.content, true
}

func (g *Guard) releaseTransition(epoch uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transitionEpoch == epoch {
		g.transition = false
	}
}

// AcknowledgeSwitch releases the transition lock as soon as the editor
// confirms it shows docID. It returns false when docID is not active.
func (g *Guard) AcknowledgeSwitch(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.active.Is(docID) {
		return false
	}
	g.transitionEpoch++
	g.transition = false
	if g.transitionTimer != nil {
		g.transitionTimer.Stop()
		g.transitionTimer = nil
	}
	return true
}

// InTransition reports whether content events are currently held.
func (g *Guard) InTransition() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transition
}

// OnContentChange applies an editor content event. It returns false, and
// changes nothing, while a switch is in progress or when sourceDocID is
// not the active document.
func (g *Guard) OnContentChange(content, sourceDocID string) bool {
	g.mu.Lock()
	active := g.active.Load()
	if g.closed || g.transition || sourceDocID != active || active == "" {
		inTransition := g.transition
		g.mu.Unlock()
		g.logger.Debug("dropping stale content event", "source", sourceDocID, "active", active, "in_transition", inTransition)
		g.emit(Status{Event: EventStaleWrite, DocID: sourceDocID})
		return false
	}

	d := g.docs[active]
	if d.hasContent && d.content == content {
		g.mu.Unlock()
		return true
	}
	d.content = content
	d.hasContent = true
	d.editSeq++

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timerGen++
	gen := d.timerGen
	d.timer = time.AfterFunc(g.debounce, func() { g.debounceFired(active, gen) })
	g.mu.Unlock()
	return true
}

func (g *Guard) debounceFired(docID string, gen uint64) {
	g.mu.Lock()
	d, ok := g.docs[docID]
	if !ok || d.timerGen != gen || g.closed {
		g.mu.Unlock()
		return
	}
	d.timer = nil
	// An outgoing document is saved by SelectDocument itself.
	if d.editSeq <= d.queuedSeq || !g.active.Is(docID) {
		g.mu.Unlock()
		return
	}
	snap, content := d.ec.Freeze(), d.content
	g.mu.Unlock()

	if _, err := g.enqueue(g.ctx, snap, content); err != nil {
		g.logger.Warn("debounced save not recorded", "doc", docID, "error", err)
	}
}

// QueueSave records content for ec in the WAL and schedules the remote
// save. Only the WAL write is waited for.
func (g *Guard) QueueSave(ctx context.Context, ec editctx.EditContext, content string) error {
	if err := ec.Validate(); err != nil {
		return err
	}
	_, err := g.enqueue(ctx, ec.Freeze(), content)
	return err
}

// SaveAndWait is QueueSave followed by waiting for the remote outcome.
func (g *Guard) SaveAndWait(ctx context.Context, ec editctx.EditContext, content string) error {
	if err := ec.Validate(); err != nil {
		return err
	}
	done, err := g.enqueue(ctx, ec.Freeze(), content)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue writes the WAL entry, then hands the payload to the document's
// save pipeline. The returned channel receives the remote outcome.
func (g *Guard) enqueue(ctx context.Context, ec editctx.EditContext, content string) (<-chan error, error) {
	g.enqMu.Lock()
	defer g.enqMu.Unlock()

	if g.isClosed() {
		return nil, ErrClosed
	}

	change, err := g.opts.Log.WriteChange(ctx, string(ec.Kind), ec.EntityID, content)
	if err != nil {
		g.emit(Status{Event: EventWALFailed, DocID: ec.DocID(), Context: ec, Err: err})
		return nil, fmt.Errorf("record %s: %w", ec.DocID(), err)
	}

	done := make(chan error, 1)
	g.mu.Lock()
	d := g.docLocked(ec)
	d.ec = ec
	if !d.hasContent || d.content != content {
		d.content = content
		d.hasContent = true
		d.editSeq++
	}
	d.queuedSeq = d.editSeq
	j := &job{ec: ec, content: content, change: change, waiters: []chan error{done}}

	if d.inflight {
		if d.pending != nil {
			// Supersede: the newer payload answers the older one's waiters.
			j.waiters = append(d.pending.waiters, j.waiters...)
		}
		d.pending = j
		g.mu.Unlock()
		return done, nil
	}
	d.inflight = true
	g.startWorkerLocked()
	g.mu.Unlock()

	go g.run(ec.DocID(), j)
	return done, nil
}

func (g *Guard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Guard) startWorkerLocked() {
	if g.running == 0 {
		g.idle = make(chan struct{})
	}
	g.running++
}

func (g *Guard) stopWorkerLocked() {
	g.running--
	if g.running == 0 {
		close(g.idle)
	}
}

// run drains docID's pipeline, one remote call at a time.
func (g *Guard) run(docID string, j *job) {
	for j != nil {
		j = g.process(docID, j)
	}
}

func (g *Guard) process(docID string, j *job) *job {
	digest := blake2b.Sum256([]byte(j.content))

	g.mu.Lock()
	d := g.docs[docID]
	previous, hasPrevious := d.ackContent, d.acked
	skip := g.opts.SkipUnchanged && d.acked && d.ackDigest == digest
	timeout := g.saveTimeout
	g.mu.Unlock()

	var (
		err     error
		elapsed time.Duration
	)
	if !skip {
		ctx, cancel := context.WithTimeout(g.ctx, timeout)
		start := time.Now()
		err = g.opts.Saver.SaveContent(ctx, j.ec, j.content)
		elapsed = time.Since(start)
		cancel()
	}

	if err == nil {
		if _, merr := g.opts.Log.MarkSyncedThrough(g.ctx, j.change); merr != nil {
			g.logger.Warn("saved but not marked synced", "id", j.change.ID, "error", merr)
		}
	}

	g.mu.Lock()
	next := d.pending
	d.pending = nil
	if err == nil {
		d.acked = true
		d.ackDigest = digest
		d.ackContent = j.content
		d.failed = false
	} else {
		// The entry stays unsynced; the next successful save of this
		// context settles it.
		d.failed = true
	}
	if next == nil {
		d.inflight = false
	}
	state := d.stateLocked()
	g.mu.Unlock()

	status := Status{
		DocID:       docID,
		Context:     j.ec,
		State:       state,
		Content:     j.content,
		Previous:    previous,
		HasPrevious: hasPrevious,
		Duration:    elapsed,
	}
	var outcome error
	switch {
	case err != nil:
		outcome = &SaveError{DocID: docID, Err: err}
		status.Event = EventSaveFailed
		status.Err = outcome
		g.logger.Warn("remote save failed", "doc", docID, "retriable", remote.IsRetriable(err), "error", err)
	case skip:
		status.Event = EventSkipped
	default:
		status.Event = EventSaved
		g.logger.Debug("saved", "doc", docID, "content_len", len(j.content), "duration", elapsed)
	}
	// Status goes out before waiters are released so observers see the
	// outcome while any waiting inverse is still running.
	g.emit(status)
	for _, w := range j.waiters {
		w <- outcome
	}
	if next == nil {
		g.mu.Lock()
		g.stopWorkerLocked()
		g.mu.Unlock()
	}
	return next
}

// State returns the save state of docID. Unknown documents are clean.
func (g *Guard) State(docID string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.docs[docID]
	if !ok {
		return StateClean
	}
	return d.stateLocked()
}

// Content returns the last known content of docID.
func (g *Guard) Content(docID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.docs[docID]
	if !ok || !d.hasContent {
		return "", false
	}
	return d.content, true
}

// Owns reports whether the guard has written WAL entries for docID this
// session. Replay leaves such entries to the guard.
func (g *Guard) Owns(docID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.docs[docID]
	return ok && (d.inflight || d.queuedSeq > 0 || d.failed)
}

// Context returns the edit context last seen for docID.
func (g *Guard) Context(docID string) (editctx.EditContext, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.docs[docID]
	if !ok {
		return editctx.EditContext{}, false
	}
	return d.ec, true
}

// Flush saves every document with unsaved content now, including those
// whose last save failed, and waits until no save is running.
func (g *Guard) Flush(ctx context.Context) error {
	type snap struct {
		ec      editctx.EditContext
		content string
	}
	var snaps []snap
	g.mu.Lock()
	for _, d := range g.docs {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
			d.timerGen++
		}
		if !d.hasContent {
			continue
		}
		// A running save already covers queuedSeq; newer edits join its
		// pipeline as the pending payload.
		if d.editSeq > d.queuedSeq || (d.failed && !d.inflight) {
			snaps = append(snaps, snap{ec: d.ec.Freeze(), content: d.content})
		}
	}
	g.mu.Unlock()

	var (
		errs  []error
		dones []<-chan error
	)
	for _, s := range snaps {
		done, err := g.enqueue(ctx, s.ec, s.content)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		dones = append(dones, done)
	}
	for _, done := range dones {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := g.WaitIdle(ctx); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// WaitIdle blocks until no save is running.
func (g *Guard) WaitIdle(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Configure changes the timings live. Zero values keep the current ones.
func (g *Guard) Configure(debounce, transition, saveTimeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if debounce > 0 {
		g.debounce = debounce
	}
	if transition > 0 {
		g.transitionDelay = transition
	}
	if saveTimeout > 0 {
		g.saveTimeout = saveTimeout
	}
}

// Close stops timers and cancels running saves. Content already queued
// stays unsynced in the WAL for replay, but edits still waiting on their
// debounce timer exist only in memory and are lost unless Flush runs
// first.
func (g *Guard) Close() {
	g.mu.Lock()
	g.closed = true
	for _, d := range g.docs {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	if g.transitionTimer != nil {
		g.transitionTimer.Stop()
	}
	g.mu.Unlock()
	g.cancel()
}
