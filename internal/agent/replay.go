package agent

import (
	"context"

	"xccmsync/internal/editctx"
	"xccmsync/internal/logging"
	"xccmsync/internal/remote"
	"xccmsync/internal/wal"
)

// Replayer pushes unsynced WAL entries to the remote. Only the newest
// entry per granule is sent; older ones are settled by it.
type Replayer struct {
	Log   *wal.Log
	Saver remote.Saver

	// Owned reports granules whose entries another writer will settle.
	// Their entries are left alone.
	Owned func(docID string) bool

	// Resolve returns the full context of a granule when known. Otherwise
	// the entry is sent with kind and entity id only.
	Resolve func(docID string) (editctx.EditContext, bool)

	Logger *logging.Logger
}

// Run replays the entries that are unsynced when it starts. It returns the
// number of entries settled and stops at the first failed save.
func (r *Replayer) Run(ctx context.Context) (int, error) {
	pending, err := r.Log.GetUnsyncedChanges(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	snapshot := make(map[string]bool, len(pending))
	latest := make(map[string]string)
	for _, c := range pending {
		snapshot[c.ID] = true
		latest[docIDOf(c)] = c.ID // pending is oldest first
	}

	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	sent := 0
	n, err := r.Log.Replay(ctx, func(ctx context.Context, c wal.LocalChange) error {
		docID := docIDOf(c)
		switch {
		case !snapshot[c.ID]:
			// Written after the snapshot by a live save.
			return wal.ErrSkip
		case r.Owned != nil && r.Owned(docID):
			return wal.ErrSkip
		case latest[docID] != c.ID:
			return nil
		}
		ec := editctx.EditContext{Kind: editctx.Kind(c.ContextKind), EntityID: c.ContextID}
		if r.Resolve != nil {
			if full, ok := r.Resolve(docID); ok {
				ec = full
			}
		}
		if err := r.Saver.SaveContent(ctx, ec, c.Content); err != nil {
			return err
		}
		sent++
		return nil
	})
	if n > 0 {
		logger.Info("replay settled changes", "settled", n, "sent", sent)
	}
	return n, err
}

func docIDOf(c wal.LocalChange) string {
	return editctx.EditContext{Kind: editctx.Kind(c.ContextKind), EntityID: c.ContextID}.DocID()
}
