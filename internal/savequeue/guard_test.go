package savequeue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xccmsync/internal/editctx"
	"xccmsync/internal/remote"
	"xccmsync/internal/savequeue"
	"xccmsync/internal/wal"
)

type saveCall struct {
	DocID   string
	Content string
}

type fakeSaver struct {
	mu    sync.Mutex
	calls []saveCall
	fail  error
	gate  chan struct{}
}

func (f *fakeSaver) SaveContent(ctx context.Context, ec editctx.EditContext, content string) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, saveCall{DocID: ec.DocID(), Content: content})
	return f.fail
}

func (f *fakeSaver) Calls() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saveCall(nil), f.calls...)
}

func (f *fakeSaver) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

type statusLog struct {
	mu     sync.Mutex
	events []savequeue.Status
}

func (s *statusLog) add(st savequeue.Status) {
	s.mu.Lock()
	s.events = append(s.events, st)
	s.mu.Unlock()
}

func (s *statusLog) of(ev savequeue.Event) []savequeue.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []savequeue.Status
	for _, st := range s.events {
		if st.Event == ev {
			out = append(out, st)
		}
	}
	return out
}

func notion(name, id string) editctx.EditContext {
	return editctx.EditContext{
		Kind: editctx.KindNotion, ProjectName: "novel", PartTitle: "One",
		ChapterTitle: "Start", ParaName: "Intro", NotionName: name, EntityID: id,
	}
}

func newGuard(t *testing.T, saver *fakeSaver) (*savequeue.Guard, *wal.Log, *statusLog) {
	t.Helper()
	log := wal.New(wal.NewMemoryBackend(), wal.Options{})
	statuses := &statusLog{}
	g, err := savequeue.New(savequeue.Options{
		Log:             log,
		Saver:           saver,
		Debounce:        20 * time.Millisecond,
		TransitionDelay: 30 * time.Millisecond,
		SaveTimeout:     time.Second,
		SkipUnchanged:   true,
		OnStatus:        statuses.add,
	})
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g, log, statuses
}

func unsynced(t *testing.T, log *wal.Log) []wal.LocalChange {
	t.Helper()
	cs, err := log.GetUnsyncedChanges(context.Background())
	require.NoError(t, err)
	return cs
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := savequeue.New(savequeue.Options{})
	assert.Error(t, err)
}

// Typing in A and switching to B before the debounce fires must save
// A's text to A, never to B.
func TestSwitchSavesOutgoingToItsOwnContext(t *testing.T) {
	saver := &fakeSaver{}
	g, log, statuses := newGuard(t, saver)
	ctx := context.Background()
	a, b := notion("A", "n1"), notion("B", "n2")

	require.NoError(t, g.SelectDocument(ctx, a))
	require.True(t, g.AcknowledgeSwitch(a.DocID()))
	require.True(t, g.OnContentChange("Hello", a.DocID()))
	assert.Equal(t, savequeue.StateDirty, g.State(a.DocID()))

	require.NoError(t, g.SelectDocument(ctx, b))
	assert.Equal(t, b.DocID(), g.Active())

	// The editor surface still holds A's text for a moment.
	assert.False(t, g.OnContentChange("Hello", a.DocID()))
	assert.False(t, g.OnContentChange("Hello", b.DocID()), "held during transition")

	require.NoError(t, g.WaitIdle(ctx))
	assert.Equal(t, []saveCall{{DocID: a.DocID(), Content: "Hello"}}, saver.Calls())
	_, ok := g.Content(b.DocID())
	assert.False(t, ok)
	assert.NotEmpty(t, statuses.of(savequeue.EventStaleWrite))

	require.Eventually(t, func() bool { return !g.InTransition() }, time.Second, 5*time.Millisecond)
	require.True(t, g.OnContentChange("World", b.DocID()))
	require.Eventually(t, func() bool { return len(saver.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, saveCall{DocID: b.DocID(), Content: "World"}, saver.Calls()[1])

	require.NoError(t, g.WaitIdle(ctx))
	assert.Empty(t, unsynced(t, log))
	assert.Equal(t, savequeue.StateClean, g.State(a.DocID()))
	assert.Equal(t, savequeue.StateClean, g.State(b.DocID()))
}

func TestAcknowledgeSwitch(t *testing.T) {
	g, _, _ := newGuard(t, &fakeSaver{})
	ctx := context.Background()
	a, b := notion("A", "n1"), notion("B", "n2")

	require.NoError(t, g.SelectDocument(ctx, a))
	assert.True(t, g.InTransition())
	assert.False(t, g.AcknowledgeSwitch(b.DocID()), "b is not active")
	assert.True(t, g.InTransition())
	assert.True(t, g.AcknowledgeSwitch(a.DocID()))
	assert.False(t, g.InTransition())
	assert.True(t, g.OnContentChange("x", a.DocID()))
}

func TestSelectRejectsInvalidContext(t *testing.T) {
	g, _, _ := newGuard(t, &fakeSaver{})
	err := g.SelectDocument(context.Background(), editctx.EditContext{Kind: editctx.KindNotion})
	assert.ErrorIs(t, err, editctx.ErrInvalid)
	assert.Empty(t, g.Active())
}

func TestDebounceCoalescesEdits(t *testing.T) {
	saver := &fakeSaver{}
	g, log, _ := newGuard(t, saver)
	ctx := context.Background()
	a := notion("A", "n1")

	require.NoError(t, g.SelectDocument(ctx, a))
	g.AcknowledgeSwitch(a.DocID())
	for _, s := range []string{"H", "He", "Hel", "Hell", "Hello"} {
		require.True(t, g.OnContentChange(s, a.DocID()))
	}
	assert.True(t, g.OnContentChange("Hello", a.DocID()), "repeat is accepted")

	require.Eventually(t, func() bool { return len(saver.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, g.WaitIdle(ctx))
	assert.Equal(t, "Hello", saver.Calls()[0].Content)
	assert.Empty(t, unsynced(t, log))

	all, err := log.AllChanges(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "one WAL entry per save, not per keystroke")
}

func TestNewerPayloadSupersedesQueued(t *testing.T) {
	saver := &fakeSaver{gate: make(chan struct{})}
	g, log, _ := newGuard(t, saver)
	ctx := context.Background()
	a := notion("A", "n1")

	require.NoError(t, g.QueueSave(ctx, a, "v1"))
	require.NoError(t, g.QueueSave(ctx, a, "v2"))
	require.NoError(t, g.QueueSave(ctx, a, "v3"))
	assert.Equal(t, savequeue.StateSaving, g.State(a.DocID()))
	assert.Len(t, unsynced(t, log), 3)

	close(saver.gate)
	require.NoError(t, g.WaitIdle(ctx))

	assert.Equal(t, []saveCall{
		{DocID: a.DocID(), Content: "v1"},
		{DocID: a.DocID(), Content: "v3"},
	}, saver.Calls())
	assert.Empty(t, unsynced(t, log), "v2 is covered by v3")
	assert.Equal(t, savequeue.StateClean, g.State(a.DocID()))
}

func TestFailedSaveStaysUnsynced(t *testing.T) {
	saver := &fakeSaver{fail: &remote.APIError{Status: 503, Message: "down"}}
	g, log, statuses := newGuard(t, saver)
	ctx := context.Background()
	a := notion("A", "n1")

	err := g.SaveAndWait(ctx, a, "draft")
	var saveErr *savequeue.SaveError
	require.True(t, errors.As(err, &saveErr))
	assert.True(t, saveErr.Retriable())
	assert.Equal(t, a.DocID(), saveErr.DocID)

	assert.Equal(t, savequeue.StateDirty, g.State(a.DocID()))
	require.Len(t, unsynced(t, log), 1)
	failed := statuses.of(savequeue.EventSaveFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, savequeue.StateDirty, failed[0].State)

	saver.setFail(nil)
	require.NoError(t, g.Flush(ctx))
	assert.Empty(t, unsynced(t, log))
	assert.Equal(t, savequeue.StateClean, g.State(a.DocID()))
	assert.Equal(t, "draft", saver.Calls()[1].Content)
}

func TestNonRetriableSaveError(t *testing.T) {
	saver := &fakeSaver{fail: &remote.APIError{Status: 400, Message: "bad"}}
	g, _, _ := newGuard(t, saver)

	err := g.SaveAndWait(context.Background(), notion("A", "n1"), "x")
	var saveErr *savequeue.SaveError
	require.True(t, errors.As(err, &saveErr))
	assert.False(t, saveErr.Retriable())
}

func TestSuccessorSettlesFailedEntries(t *testing.T) {
	saver := &fakeSaver{gate: make(chan struct{}), fail: errors.New("boom")}
	g, log, _ := newGuard(t, saver)
	ctx := context.Background()
	a := notion("A", "n1")

	first := make(chan error, 1)
	go func() { first <- g.SaveAndWait(ctx, a, "v1") }()
	require.Eventually(t, func() bool { return g.State(a.DocID()) == savequeue.StateSaving }, time.Second, time.Millisecond)
	require.NoError(t, g.QueueSave(ctx, a, "v2"))

	// Let v1 fail, then v2 succeed.
	saver.gate <- struct{}{}
	require.Error(t, <-first)
	saver.setFail(nil)
	close(saver.gate)

	require.NoError(t, g.WaitIdle(ctx))
	assert.Empty(t, unsynced(t, log), "v1 must not be replayed over v2")
	assert.Equal(t, savequeue.StateClean, g.State(a.DocID()))
}

func TestSkipUnchanged(t *testing.T) {
	saver := &fakeSaver{}
	g, log, statuses := newGuard(t, saver)
	ctx := context.Background()
	a := notion("A", "n1")

	g.Seed(a, "same")
	require.NoError(t, g.SaveAndWait(ctx, a, "same"))
	assert.Empty(t, saver.Calls())
	assert.Len(t, statuses.of(savequeue.EventSkipped), 1)
	assert.Empty(t, unsynced(t, log))

	require.NoError(t, g.SaveAndWait(ctx, a, "different"))
	require.Len(t, saver.Calls(), 1)
	saved := statuses.of(savequeue.EventSaved)
	require.Len(t, saved, 1)
	assert.True(t, saved[0].HasPrevious)
	assert.Equal(t, "same", saved[0].Previous)
	assert.Equal(t, "different", saved[0].Content)
}

func TestSaveTimeout(t *testing.T) {
	saver := &fakeSaver{gate: make(chan struct{})}
	g, log, _ := newGuard(t, saver)
	g.Configure(0, 0, 20*time.Millisecond)

	err := g.SaveAndWait(context.Background(), notion("A", "n1"), "x")
	var saveErr *savequeue.SaveError
	require.True(t, errors.As(err, &saveErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, saveErr.Retriable())
	assert.Len(t, unsynced(t, log), 1)
}

func TestFlushSavesPendingDebounce(t *testing.T) {
	saver := &fakeSaver{}
	g, log, _ := newGuard(t, saver)
	g.Configure(time.Hour, 0, 0)
	ctx := context.Background()
	a := notion("A", "n1")

	require.NoError(t, g.SelectDocument(ctx, a))
	g.AcknowledgeSwitch(a.DocID())
	require.True(t, g.OnContentChange("typed", a.DocID()))

	require.NoError(t, g.Flush(ctx))
	assert.Equal(t, []saveCall{{DocID: a.DocID(), Content: "typed"}}, saver.Calls())
	assert.Empty(t, unsynced(t, log))
}

// An edit made while the previous save is still running must not be
// dropped when Flush cancels its debounce timer.
func TestFlushCoversEditsBehindRunningSave(t *testing.T) {
	saver := &fakeSaver{gate: make(chan struct{})}
	g, log, _ := newGuard(t, saver)
	g.Configure(time.Hour, 0, 0)
	ctx := context.Background()
	a := notion("A", "n1")

	require.NoError(t, g.SelectDocument(ctx, a))
	g.AcknowledgeSwitch(a.DocID())
	require.NoError(t, g.QueueSave(ctx, a, "v1"))
	require.True(t, g.OnContentChange("v2", a.DocID()))
	assert.Equal(t, savequeue.StateSaving, g.State(a.DocID()))

	flushed := make(chan error, 1)
	go func() { flushed <- g.Flush(ctx) }()
	require.Eventually(t, func() bool { return len(unsynced(t, log)) == 2 }, time.Second, time.Millisecond)
	close(saver.gate)

	require.NoError(t, <-flushed)
	assert.Equal(t, []saveCall{
		{DocID: a.DocID(), Content: "v1"},
		{DocID: a.DocID(), Content: "v2"},
	}, saver.Calls())
	assert.Empty(t, unsynced(t, log))
	assert.Equal(t, savequeue.StateClean, g.State(a.DocID()))
}

// The switch saves the outgoing document; its debounce timer must not
// save it a second time once it is no longer active.
func TestOutgoingDebounceDoesNotFireAfterSwitch(t *testing.T) {
	saver := &fakeSaver{}
	g, log, _ := newGuard(t, saver)
	ctx := context.Background()
	a, b := notion("A", "n1"), notion("B", "n2")

	require.NoError(t, g.SelectDocument(ctx, a))
	g.AcknowledgeSwitch(a.DocID())
	require.True(t, g.OnContentChange("draft", a.DocID()))
	require.NoError(t, g.SelectDocument(ctx, b))
	require.NoError(t, g.WaitIdle(ctx))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, g.WaitIdle(ctx))
	assert.Equal(t, []saveCall{{DocID: a.DocID(), Content: "draft"}}, saver.Calls())
	all, err := log.AllChanges(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClosedGuard(t *testing.T) {
	g, _, _ := newGuard(t, &fakeSaver{})
	g.Close()
	assert.ErrorIs(t, g.QueueSave(context.Background(), notion("A", "n1"), "x"), savequeue.ErrClosed)
	assert.False(t, g.OnContentChange("x", "notion-n1"))
}

func TestActiveCell(t *testing.T) {
	var c savequeue.ActiveCell
	assert.Equal(t, "", c.Load())
	assert.False(t, c.Is(""))
	c.Store("notion-n1")
	assert.True(t, c.Is("notion-n1"))
	assert.False(t, c.Is("notion-n2"))
}
