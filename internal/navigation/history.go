package navigation

import (
	"github.com/g960059/drillgrid/internal/model"
)

// Resource is one resolved locator of a navigation step, ready for a viewer.
type Resource struct {
	Index   int        `json:"index"`
	Locator string     `json:"locator"`
	Kind    model.Kind `json:"kind"`
	Rule    model.Rule `json:"-"`
}

// State is one history entry. Resources are resolved when the state is
// created, so re-entering it reproduces the same locators.
type State struct {
	Step           int
	RuleSet        []model.Rule
	ActiveRules    []model.Rule
	Contexts       []model.RowContext
	Title          string
	TriggerColumn  int
	SelectionValue string
	// ClickedValue is the cell value of the selection that produced this
	// state; at step 0 it equals SelectionValue.
	ClickedValue string
	Resources    []Resource
}

// History is an ordered list of states with a cursor. The cursor is -1 when
// empty and a valid index otherwise.
type History struct {
	states  []State
	pointer int
}

func newHistory() History {
	return History{pointer: -1}
}

func (h *History) Len() int { return len(h.states) }

func (h *History) Pointer() int { return h.pointer }

func (h *History) Current() (State, bool) {
	if h.pointer < 0 || h.pointer >= len(h.states) {
		return State{}, false
	}
	return h.states[h.pointer], true
}

// Push drops every state after the cursor, appends s and moves the cursor
// to it.
func (h *History) Push(s State) {
	h.states = append(h.states[:h.pointer+1:h.pointer+1], s)
	h.pointer = len(h.states) - 1
}

// Move shifts the cursor by delta when the target is in range.
func (h *History) Move(delta int) bool {
	next := h.pointer + delta
	if next < 0 || next >= len(h.states) {
		return false
	}
	h.pointer = next
	return true
}

// Seek moves the cursor back to the nearest state at step, searching from
// the cursor toward the head.
func (h *History) Seek(step int) bool {
	for i := h.pointer; i >= 0; i-- {
		if h.states[i].Step == step {
			h.pointer = i
			return true
		}
	}
	return false
}

func (h *History) Reset() {
	h.states = nil
	h.pointer = -1
}

func (h *History) Steps() []int {
	out := make([]int, len(h.states))
	for i, s := range h.states {
		out[i] = s.Step
	}
	return out
}
