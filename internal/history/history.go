// Package history implements an undo/redo log of reversible commands.
//
// The log stores commands, not snapshots: each entry knows how to apply and
// revert itself against the target, so memory grows with the number of edits
// rather than with the size of the target.
package history

import "fmt"

// Command is one undoable mutation of a T.
type Command[T any] interface {
	Apply(target T) error
	Revert(target T) error
	Label() string
}

// History holds the past and future stacks. The zero value is not usable;
// call New.
type History[T any] struct {
	past   []Command[T]
	future []Command[T]
	limit  int
}

// New returns an empty history. A positive limit caps the number of undoable
// steps; the oldest steps are dropped first.
func New[T any](limit int) *History[T] {
	if limit < 0 {
		limit = 0
	}
	return &History[T]{limit: limit}
}

// Record pushes an already applied command and invalidates the redo branch.
func (h *History[T]) Record(cmd Command[T]) {
	h.past = append(h.past, cmd)
	h.future = nil
	if h.limit > 0 && len(h.past) > h.limit {
		drop := len(h.past) - h.limit
		h.past = append([]Command[T](nil), h.past[drop:]...)
	}
}

// Do applies cmd to target and records it. A failed apply records nothing.
func (h *History[T]) Do(target T, cmd Command[T]) error {
	if err := cmd.Apply(target); err != nil {
		return fmt.Errorf("apply %s: %w", cmd.Label(), err)
	}
	h.Record(cmd)
	return nil
}

// Undo reverts the most recent command. It reports false when there was
// nothing to undo. On a revert error the stacks are left unchanged.
func (h *History[T]) Undo(target T) (bool, error) {
	if len(h.past) == 0 {
		return false, nil
	}
	cmd := h.past[len(h.past)-1]
	if err := cmd.Revert(target); err != nil {
		return false, fmt.Errorf("undo %s: %w", cmd.Label(), err)
	}
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, cmd)
	return true, nil
}

// Redo re-applies the most recently undone command.
func (h *History[T]) Redo(target T) (bool, error) {
	if len(h.future) == 0 {
		return false, nil
	}
	cmd := h.future[len(h.future)-1]
	if err := cmd.Apply(target); err != nil {
		return false, fmt.Errorf("redo %s: %w", cmd.Label(), err)
	}
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, cmd)
	return true, nil
}

func (h *History[T]) CanUndo() bool { return len(h.past) > 0 }
func (h *History[T]) CanRedo() bool { return len(h.future) > 0 }

// UndoLabel names the command Undo would revert, or "".
func (h *History[T]) UndoLabel() string {
	if len(h.past) == 0 {
		return ""
	}
	return h.past[len(h.past)-1].Label()
}

func (h *History[T]) RedoLabel() string {
	if len(h.future) == 0 {
		return ""
	}
	return h.future[len(h.future)-1].Label()
}

func (h *History[T]) Len() (past, future int) {
	return len(h.past), len(h.future)
}

// Clear empties both stacks.
func (h *History[T]) Clear() {
	h.past = nil
	h.future = nil
}
