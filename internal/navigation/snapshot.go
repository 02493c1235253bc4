package navigation

// Snapshot is a read-only view of the engine for transport.
type Snapshot struct {
	Open           bool       `json:"open"`
	Pointer        int        `json:"pointer"`
	Length         int        `json:"length"`
	Step           int        `json:"step"`
	Title          string     `json:"title,omitempty"`
	TriggerColumn  int        `json:"trigger_column"`
	SelectionValue string     `json:"selection_value,omitempty"`
	ClickedValue   string     `json:"clicked_value,omitempty"`
	Resources      []Resource `json:"resources,omitempty"`
	Breadcrumbs    []Crumb    `json:"breadcrumbs,omitempty"`
	CanBack        bool       `json:"can_back"`
	CanForward     bool       `json:"can_forward"`
}

func (e *Engine) Snapshot() Snapshot {
	state, ok := e.history.Current()
	if !ok {
		return Snapshot{Pointer: -1, Step: -1, TriggerColumn: -1}
	}
	return Snapshot{
		Open:           true,
		Pointer:        e.history.Pointer(),
		Length:         e.history.Len(),
		Step:           state.Step,
		Title:          state.Title,
		TriggerColumn:  state.TriggerColumn,
		SelectionValue: state.SelectionValue,
		ClickedValue:   state.ClickedValue,
		Resources:      append([]Resource(nil), state.Resources...),
		Breadcrumbs:    e.Breadcrumbs(),
		CanBack:        e.CanBack(),
		CanForward:     e.CanForward(),
	}
}
