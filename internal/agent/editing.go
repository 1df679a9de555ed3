package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"xccmsync/internal/editctx"
	"xccmsync/internal/history"
	"xccmsync/internal/metrics"
	"xccmsync/internal/prefetch"
	"xccmsync/internal/reconnect"
	"xccmsync/internal/remote"
	"xccmsync/internal/savequeue"
)

// prefetchParallelism bounds concurrent neighbor fetches.
const prefetchParallelism = 4

// Select makes ec the active document and returns the content the editor
// should show: local unsaved content if any, else the remote copy through
// the prefetch cache. A granule unknown to the remote starts empty.
func (a *Agent) Select(ctx context.Context, ec editctx.EditContext) (string, error) {
	if err := a.guard.SelectDocument(ctx, ec); err != nil {
		if errors.Is(err, editctx.ErrInvalid) || errors.Is(err, savequeue.ErrClosed) {
			return "", err
		}
		// The switch happened; only the outgoing WAL write failed.
		a.logger.Warn("outgoing document not recorded", "error", err)
	}

	docID := ec.DocID()
	content, ok := a.guard.Content(docID)
	if !ok {
		fetched, err := a.content.Prefetch(ctx, ec.PathKey(), a.fetchContent(ec))
		switch {
		case errors.Is(err, remote.ErrNotFound):
			fetched = ""
		case err != nil:
			return "", fmt.Errorf("load %s: %w", docID, err)
		}
		a.guard.Seed(ec, fetched)
		content = fetched
	}

	if a.config().Prefetch.Neighbors {
		go func() {
			pctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
			defer cancel()
			if err := a.PrefetchNeighbors(pctx, ec); err != nil {
				a.logger.Debug("neighbor prefetch incomplete", "doc", docID, "error", err)
			}
		}()
	}
	return content, nil
}

// AcknowledgeSwitch releases the transition lock once the editor shows docID.
func (a *Agent) AcknowledgeSwitch(docID string) bool {
	return a.guard.AcknowledgeSwitch(docID)
}

// Edit routes a content event from the editor surface. It returns false
// when the event was dropped as stale.
func (a *Agent) Edit(content, docID string) bool {
	if !a.guard.OnContentChange(content, docID) {
		return false
	}
	if ec, ok := a.guard.Context(docID); ok {
		a.content.Invalidate(ec.PathKey())
	}
	return true
}

// Flush saves every dirty document now.
func (a *Agent) Flush(ctx context.Context) error {
	return a.guard.Flush(ctx)
}

func (a *Agent) fetchContent(ec editctx.EditContext) prefetch.FetchFunc[string] {
	return func(ctx context.Context) (string, error) {
		return a.remote.FetchContent(ctx, ec)
	}
}

// PrefetchNeighbors loads the project structure (cached) and warms the
// content cache with ec's siblings and parent.
func (a *Agent) PrefetchNeighbors(ctx context.Context, ec editctx.EditContext) error {
	project := ec.ProjectName
	tree, err := a.trees.Prefetch(ctx, project, func(ctx context.Context) (*remote.Tree, error) {
		return a.remote.FetchStructure(ctx, project)
	})
	if err != nil {
		return fmt.Errorf("structure of %s: %w", project, err)
	}

	var g errgroup.Group
	g.SetLimit(prefetchParallelism)
	for _, n := range tree.Neighbors(ec) {
		g.Go(func() error {
			_, err := a.content.Prefetch(ctx, n.PathKey(), a.fetchContent(n))
			if errors.Is(err, remote.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// handleStatus turns guard notifications into metrics, cache updates and
// history actions.
func (a *Agent) handleStatus(s savequeue.Status) {
	switch s.Event {
	case savequeue.EventSaved:
		a.metrics.ObserveSave(metrics.ResultSaved, s.Duration)
		a.content.Put(s.Context.PathKey(), s.Content)
		a.recordHistory(s)
		a.refreshUnsynced()
	case savequeue.EventSkipped:
		a.metrics.ObserveSave(metrics.ResultSkipped, 0)
		a.refreshUnsynced()
	case savequeue.EventSaveFailed:
		a.metrics.ObserveSave(metrics.ResultFailed, s.Duration)
		a.refreshUnsynced()
	case savequeue.EventStaleWrite:
		a.metrics.StaleWrite()
	case savequeue.EventWALFailed:
		a.metrics.WALWriteError()
	}
	if a.onStatus != nil {
		a.onStatus(s)
	}
}

// recordHistory adds an undoable action for a save that changed content.
// Saves made by an undo or redo are ignored by the history itself.
func (a *Agent) recordHistory(s savequeue.Status) {
	if !s.HasPrevious || s.Previous == s.Content {
		return
	}
	ec, before, after := s.Context, s.Previous, s.Content
	a.history.Add(history.Action{
		Type:        "edit",
		Description: "edit " + ec.String(),
		Undo:        func(ctx context.Context) error { return a.guard.SaveAndWait(ctx, ec, before) },
		Redo:        func(ctx context.Context) error { return a.guard.SaveAndWait(ctx, ec, after) },
	})
	a.metrics.SetHistoryDepth(a.history.Len())
}

// Undo reverts the most recent saved edit.
func (a *Agent) Undo(ctx context.Context) (bool, error) {
	return a.history.Undo(ctx)
}

// Redo reapplies the most recently undone edit.
func (a *Agent) Redo(ctx context.Context) (bool, error) {
	return a.history.Redo(ctx)
}

// ManualReconnect restarts the collaboration reconnect cycle.
func (a *Agent) ManualReconnect(ctx context.Context) error {
	if a.collab == nil {
		return ErrCollabDisabled
	}
	a.collab.ManualReconnect(ctx)
	return nil
}

// DocState is the bridge's view of one document.
type DocState struct {
	DocID        string          `json:"docId"`
	State        savequeue.State `json:"state"`
	Content      string          `json:"content"`
	HasContent   bool            `json:"hasContent"`
	Active       bool            `json:"active"`
	InTransition bool            `json:"inTransition"`
	CanUndo      bool            `json:"canUndo"`
	CanRedo      bool            `json:"canRedo"`
	Degraded     bool            `json:"walDegraded"`
	Reconnect    reconnect.State `json:"reconnect"`
	CollabFailed bool            `json:"collabFailed"`
}

// State reports docID's save state together with the agent-wide flags.
func (a *Agent) State(docID string) DocState {
	content, ok := a.guard.Content(docID)
	st := DocState{
		DocID:        docID,
		State:        a.guard.State(docID),
		Content:      content,
		HasContent:   ok,
		Active:       a.guard.Active() == docID,
		InTransition: a.guard.InTransition(),
		CanUndo:      a.history.CanUndo(),
		CanRedo:      a.history.CanRedo(),
		Degraded:     a.log.Degraded(),
	}
	if a.collab != nil {
		st.Reconnect = a.collab.Controller().State()
		st.CollabFailed = a.collab.Failed()
	}
	return st
}

// PrefetchStats reports the content cache.
func (a *Agent) PrefetchStats() (prefetch.Stats, []string) {
	return a.content.Stats(), a.content.Keys()
}
