// Package waltest holds the conformance tests every wal.Backend must pass.
package waltest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xccmsync/internal/wal"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) wal.Backend

// Change builds a LocalChange with an id derived from its fields.
func Change(kind, id, content string, ts time.Time, synced bool) wal.LocalChange {
	return wal.LocalChange{
		ID:          wal.ChangeID(kind, id, ts),
		ContextKind: kind,
		ContextID:   id,
		Content:     content,
		Timestamp:   ts.Truncate(time.Millisecond),
		Synced:      synced,
	}
}

// Run exercises put/get/unsynced/delete/purge semantics.
func Run(t *testing.T, newBackend Factory) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("PutGet", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		c := Change("notion", "n1", "Hello", base, false)
		require.NoError(t, b.Put(ctx, c))

		got, err := b.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.Content, got.Content)
		assert.Equal(t, c.ContextKind, got.ContextKind)
		assert.Equal(t, c.ContextID, got.ContextID)
		assert.False(t, got.Synced)
		assert.True(t, c.Timestamp.Equal(got.Timestamp))

		_, err = b.Get(ctx, "missing")
		assert.ErrorIs(t, err, wal.ErrNotFound)
	})

	t.Run("UnsyncedPartition", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		for i := 0; i < 5; i++ {
			c := Change("chapter", "c1", fmt.Sprintf("v%d", i), base.Add(time.Duration(i)*time.Second), i%2 == 0)
			require.NoError(t, b.Put(ctx, c))
		}

		unsynced, err := b.Unsynced(ctx)
		require.NoError(t, err)
		require.Len(t, unsynced, 2)
		wal.SortChanges(unsynced)
		assert.Equal(t, "v1", unsynced[0].Content)
		assert.Equal(t, "v3", unsynced[1].Content)

		all, err := b.All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("OverwriteFlipsSynced", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		c := Change("paragraph", "p1", "text", base, false)
		require.NoError(t, b.Put(ctx, c))
		c.Synced = true
		require.NoError(t, b.Put(ctx, c))

		unsynced, err := b.Unsynced(ctx)
		require.NoError(t, err)
		assert.Empty(t, unsynced)

		got, err := b.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, got.Synced)
	})

	t.Run("Delete", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		c := Change("part", "x", "body", base, true)
		require.NoError(t, b.Put(ctx, c))
		require.NoError(t, b.Delete(ctx, c.ID))

		_, err := b.Get(ctx, c.ID)
		assert.ErrorIs(t, err, wal.ErrNotFound)
		assert.ErrorIs(t, b.Delete(ctx, c.ID), wal.ErrNotFound)
	})

	t.Run("PurgeKeepsUnsynced", func(t *testing.T) {
		ctx := context.Background()
		b := newBackend(t)
		defer b.Close()

		oldSynced := Change("notion", "a", "old", base.Add(-48*time.Hour), true)
		oldUnsynced := Change("notion", "b", "old-pending", base.Add(-48*time.Hour), false)
		fresh := Change("notion", "c", "new", base, true)
		for _, c := range []wal.LocalChange{oldSynced, oldUnsynced, fresh} {
			require.NoError(t, b.Put(ctx, c))
		}

		p, ok := b.(wal.Purger)
		if !ok {
			t.Skip("backend has no bulk purge")
		}
		n, err := p.PurgeSynced(ctx, base.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = b.Get(ctx, oldUnsynced.ID)
		assert.NoError(t, err, "unsynced change must survive purge")
		_, err = b.Get(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = b.Get(ctx, oldSynced.ID)
		assert.ErrorIs(t, err, wal.ErrNotFound)
	})
}
