// Package history is a bounded undo/redo stack of invertible actions.
//
// Inverses may do I/O, so Undo and Redo take a context and are guarded by
// a busy flag: a call that overlaps a running one is rejected, and actions
// added while an inverse runs are ignored so the inverse does not record
// itself.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSize is the stack depth used when none is configured.
const DefaultMaxSize = 100

// Op is one direction of an action.
type Op func(ctx context.Context) error

// Action is an invertible edit.
type Action struct {
	ID          string
	Timestamp   time.Time
	Type        string
	Description string
	Undo        Op
	Redo        Op
}

// Entry describes an action without its operations.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
}

// History is safe for concurrent use.
type History struct {
	mu      sync.Mutex
	actions []Action
	// index points at the last applied action; -1 when nothing is applied.
	index   int
	maxSize int
	busy    bool
}

// New returns an empty History holding at most maxSize actions.
func New(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &History{index: -1, maxSize: maxSize}
}

// Add records an action after the current position, dropping any redo
// tail and the oldest entries beyond maxSize. It returns false when the
// action was ignored because an undo or redo is running.
func (h *History) Add(a Action) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busy {
		return false
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	h.actions = append(h.actions[:h.index+1], a)
	if over := len(h.actions) - h.maxSize; over > 0 {
		h.actions = append([]Action(nil), h.actions[over:]...)
	}
	h.index = len(h.actions) - 1
	return true
}

// Undo reverts the action at the current position. It returns false with
// a nil error when there is nothing to undo or another inverse is running.
// If the inverse fails the position does not move.
func (h *History) Undo(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.busy || h.index < 0 {
		h.mu.Unlock()
		return false, nil
	}
	h.busy = true
	a := h.actions[h.index]
	h.mu.Unlock()

	err := run(ctx, a.Undo)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy = false
	if err != nil {
		return false, fmt.Errorf("undo %s: %w", a.Type, err)
	}
	// The stack may have been cleared or trimmed while the inverse ran.
	if h.index >= 0 && h.actions[h.index].ID == a.ID {
		h.index--
	}
	return true, nil
}

// Redo reapplies the action after the current position.
func (h *History) Redo(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.busy || h.index+1 >= len(h.actions) {
		h.mu.Unlock()
		return false, nil
	}
	h.busy = true
	a := h.actions[h.index+1]
	h.mu.Unlock()

	err := run(ctx, a.Redo)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.busy = false
	if err != nil {
		return false, fmt.Errorf("redo %s: %w", a.Type, err)
	}
	if h.index+1 < len(h.actions) && h.actions[h.index+1].ID == a.ID {
		h.index++
	}
	return true, nil
}

func run(ctx context.Context, op Op) error {
	if op == nil {
		return nil
	}
	return op(ctx)
}

// CanUndo reports whether an action is available to undo.
func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index >= 0
}

// CanRedo reports whether an undone action is available to redo.
func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.index+1 < len(h.actions)
}

// Busy reports whether an undo or redo is running.
func (h *History) Busy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy
}

// Clear drops every action.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = nil
	h.index = -1
}

// Len returns the number of recorded actions.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actions)
}

// Entries lists the recorded actions, oldest first, and the current index.
func (h *History) Entries() ([]Entry, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.actions))
	for i, a := range h.actions {
		out[i] = Entry{ID: a.ID, Timestamp: a.Timestamp, Type: a.Type, Description: a.Description}
	}
	return out, h.index
}

// SetMaxSize changes the cap, dropping the oldest actions if needed.
func (h *History) SetMaxSize(n int) {
	if n <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxSize = n
	if over := len(h.actions) - n; over > 0 {
		h.actions = append([]Action(nil), h.actions[over:]...)
		h.index -= over
		if h.index < -1 {
			h.index = -1
		}
	}
}
