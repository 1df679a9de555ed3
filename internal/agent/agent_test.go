package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xccmsync/internal/config"
	"xccmsync/internal/editctx"
	"xccmsync/internal/remote"
	"xccmsync/internal/wal"
)

const sampleTree = `{
  "project": "novel",
  "parts": [
    {"kind": "part", "title": "One", "entityId": "p1", "children": [
      {"kind": "chapter", "title": "Start", "entityId": "c1", "children": [
        {"kind": "paragraph", "title": "Intro", "entityId": "g1", "children": [
          {"kind": "notion", "title": "A", "entityId": "n1"},
          {"kind": "notion", "title": "B", "entityId": "n2"},
          {"kind": "notion", "title": "C", "entityId": "n3"}
        ]}
      ]}
    ]}
  ]
}`

// memRemote stores content by DocID.
type memRemote struct {
	mu      sync.Mutex
	content map[string]string
	saves   []string
	fetches atomic.Int32
	trees   atomic.Int32
	closed  atomic.Bool
}

func newMemRemote() *memRemote {
	return &memRemote{content: make(map[string]string)}
}

func (r *memRemote) SaveContent(_ context.Context, ec editctx.EditContext, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content[ec.DocID()] = content
	r.saves = append(r.saves, ec.DocID()+"="+content)
	return nil
}

func (r *memRemote) FetchContent(_ context.Context, ec editctx.EditContext) (string, error) {
	r.fetches.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.content[ec.DocID()]
	if !ok {
		return "", remote.ErrNotFound
	}
	return c, nil
}

func (r *memRemote) FetchStructure(context.Context, string) (*remote.Tree, error) {
	r.trees.Add(1)
	return remote.DecodeTree([]byte(sampleTree))
}

func (r *memRemote) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *memRemote) get(docID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content[docID]
}

func (r *memRemote) saveLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saves...)
}

func notion(name, id string) editctx.EditContext {
	return editctx.EditContext{
		Kind: editctx.KindNotion, ProjectName: "novel", PartTitle: "One",
		ChapterTitle: "Start", ParaName: "Intro", NotionName: name, EntityID: id,
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Save.DebounceMs = 10
	cfg.Save.TransitionMs = 5000
	cfg.Save.TimeoutMs = 1000
	cfg.WAL.PurgeIntervalSec = 0
	cfg.Prefetch.Neighbors = false
	cfg.Collab.Enabled = false
	return cfg
}

func newAgent(t *testing.T, log *wal.Log, rem *memRemote) *Agent {
	t.Helper()
	if log == nil {
		log = wal.New(wal.NewMemoryBackend(), wal.Options{})
	}
	a, err := New(context.Background(), Options{Config: testConfig(), Log: log, Remote: rem})
	require.NoError(t, err)
	return a
}

func TestStartReplaysLatestPerGranule(t *testing.T) {
	ctx := context.Background()
	log := wal.New(wal.NewMemoryBackend(), wal.Options{})
	_, _ = log.WriteChange(ctx, "notion", "n1", "draft 1")
	_, _ = log.WriteChange(ctx, "notion", "n2", "other")
	_, _ = log.WriteChange(ctx, "notion", "n1", "draft 2")

	rem := newMemRemote()
	a := newAgent(t, log, rem)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	assert.Equal(t, "draft 2", rem.get("notion-n1"))
	assert.Equal(t, "other", rem.get("notion-n2"))
	assert.Len(t, rem.saveLog(), 2, "superseded drafts are not sent")

	n, err := log.UnsyncedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEditSaveUndoRedo(t *testing.T) {
	ctx := context.Background()
	rem := newMemRemote()
	rem.content["notion-n1"] = "stored"
	a := newAgent(t, nil, rem)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	ec := notion("A", "n1")
	content, err := a.Select(ctx, ec)
	require.NoError(t, err)
	assert.Equal(t, "stored", content)

	assert.False(t, a.Edit("too early", ec.DocID()), "held until the switch is acknowledged")
	require.True(t, a.AcknowledgeSwitch(ec.DocID()))
	require.True(t, a.Edit("edited", ec.DocID()))
	require.NoError(t, a.Flush(ctx))
	assert.Equal(t, "edited", rem.get("notion-n1"))
	require.True(t, a.History().CanUndo())

	ok, err := a.Undo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stored", rem.get("notion-n1"))
	st := a.State(ec.DocID())
	assert.Equal(t, "stored", st.Content)
	assert.True(t, st.CanRedo)
	assert.Equal(t, 1, a.History().Len(), "inverse saves are not recorded")

	ok, err = a.Redo(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "edited", rem.get("notion-n1"))
	assert.Equal(t, 1, a.History().Len())
}

func TestSelectUnknownGranuleStartsEmpty(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, nil, newMemRemote())
	defer a.Stop(ctx)

	content, err := a.Select(ctx, notion("B", "n2"))
	require.NoError(t, err)
	assert.Equal(t, "", content)

	_, err = a.Select(ctx, editctx.EditContext{Kind: "volume"})
	assert.ErrorIs(t, err, editctx.ErrInvalid)
}

func TestSelectUsesPrefetchedContent(t *testing.T) {
	ctx := context.Background()
	rem := newMemRemote()
	rem.content["notion-n1"] = "A body"
	rem.content["notion-n3"] = "C body"
	a := newAgent(t, nil, rem)
	defer a.Stop(ctx)

	require.NoError(t, a.PrefetchNeighbors(ctx, notion("B", "n2")))
	stats, keys := a.PrefetchStats()
	assert.Equal(t, int64(3), stats.Fetches, "two siblings and the parent")
	assert.Contains(t, keys, notion("A", "n1").PathKey())
	assert.Equal(t, int32(1), rem.trees.Load())

	before := rem.fetches.Load()
	content, err := a.Select(ctx, notion("A", "n1"))
	require.NoError(t, err)
	assert.Equal(t, "A body", content)
	assert.Equal(t, before, rem.fetches.Load(), "served from the prefetch cache")

	require.NoError(t, a.PrefetchNeighbors(ctx, notion("C", "n3")))
	assert.Equal(t, int32(1), rem.trees.Load(), "structure is cached")
}

func TestEditInvalidatesPrefetchedContent(t *testing.T) {
	ctx := context.Background()
	rem := newMemRemote()
	rem.content["notion-n1"] = "A body"
	a := newAgent(t, nil, rem)
	defer a.Stop(ctx)

	ec := notion("A", "n1")
	_, err := a.Select(ctx, ec)
	require.NoError(t, err)
	a.AcknowledgeSwitch(ec.DocID())
	_, keys := a.PrefetchStats()
	require.Contains(t, keys, ec.PathKey())

	require.True(t, a.Edit("changed", ec.DocID()))
	_, keys = a.PrefetchStats()
	assert.NotContains(t, keys, ec.PathKey())

	require.NoError(t, a.Flush(ctx))
	_, keys = a.PrefetchStats()
	assert.Contains(t, keys, ec.PathKey(), "saved content is cached again")
}

func TestStopFlushesPendingEdit(t *testing.T) {
	ctx := context.Background()
	rem := newMemRemote()
	cfg := testConfig()
	cfg.Save.DebounceMs = int(time.Hour / time.Millisecond)
	a, err := New(ctx, Options{Config: cfg, Log: wal.New(wal.NewMemoryBackend(), wal.Options{}), Remote: rem})
	require.NoError(t, err)

	ec := notion("A", "n1")
	_, err = a.Select(ctx, ec)
	require.NoError(t, err)
	a.AcknowledgeSwitch(ec.DocID())
	require.True(t, a.Edit("unsaved", ec.DocID()))

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, "unsaved", rem.get("notion-n1"))
	assert.True(t, rem.closed.Load())
}

func TestApplyConfig(t *testing.T) {
	a := newAgent(t, nil, newMemRemote())
	defer a.Stop(context.Background())

	cfg := testConfig()
	cfg.Prefetch.MaxEntries = 7
	cfg.History.MaxSize = 3
	a.ApplyConfig(cfg)

	stats, _ := a.PrefetchStats()
	assert.Equal(t, 7, stats.MaxEntries)
	assert.ErrorIs(t, a.ManualReconnect(context.Background()), ErrCollabDisabled)
}

func TestHealthReportsWAL(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t, nil, newMemRemote())
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	results := a.Health().Check(ctx)
	require.Contains(t, results, "wal")
	assert.Equal(t, "healthy", string(results["wal"].Status))
	assert.NotContains(t, results, "remote", "memRemote has no Ping")
}
