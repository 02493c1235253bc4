package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Datatype string

const (
	DatatypeNumber  Datatype = "number"
	DatatypeString  Datatype = "string"
	DatatypeBoolean Datatype = "boolean"
)

type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

type TaskStatus string

const (
	StatusComplete   TaskStatus = "complete"
	StatusIncomplete TaskStatus = "incomplete"
)

// DateLayout is the calendar date format used for task start/end.
const DateLayout = "2006-01-02"

// Criterion is one completion condition of a task.
type Criterion struct {
	FieldName string   `json:"taskCriteriaName"`
	Datatype  Datatype `json:"taskCriteriaDatatype"`
	Operator  Operator `json:"operator"`
	Expected  any      `json:"value"`
}

// legacyCriterion is the single-object form written by the timeline editor.
type legacyCriterion struct {
	Variable string `json:"variable"`
	Type     string `json:"type"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type Criteria []Criterion

func (c *Criteria) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = nil
		return nil
	}
	if trimmed[0] == '[' {
		var list []Criterion
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("decode criteria list: %w", err)
		}
		*c = list
		return nil
	}
	var legacy legacyCriterion
	if err := json.Unmarshal(trimmed, &legacy); err != nil {
		return fmt.Errorf("decode criteria object: %w", err)
	}
	if strings.TrimSpace(legacy.Variable) == "" {
		*c = nil
		return nil
	}
	*c = Criteria{{
		FieldName: strings.TrimSpace(legacy.Variable),
		Datatype:  Datatype(strings.TrimSpace(legacy.Type)),
		Operator:  Operator(strings.TrimSpace(legacy.Operator)),
		Expected:  legacy.Value,
	}}
	return nil
}

// Task is one entry of the external task collection. Fields the engine
// does not know are kept in Extra and written back unchanged.
type Task struct {
	ID          string     `json:"id" validate:"required"`
	Flow        string     `json:"flow"`
	Name        string     `json:"name" validate:"required"`
	Description string     `json:"description,omitempty"`
	Start       string     `json:"start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	End         string     `json:"end,omitempty" validate:"required,datetime=2006-01-02"`
	Progress    float64    `json:"progress"`
	Criteria    Criteria   `json:"criteria,omitempty"`
	Status      TaskStatus `json:"status,omitempty" validate:"omitempty,oneof=complete incomplete"`

	Extra map[string]json.RawMessage `json:"-"`
}

type taskFields Task

var taskKeys = map[string]struct{}{
	"id": {}, "flow": {}, "name": {}, "description": {}, "start": {},
	"end": {}, "progress": {}, "criteria": {}, "status": {},
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var known taskFields
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	for k := range all {
		if _, ok := taskKeys[k]; ok {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		all = nil
	}
	*t = Task(known)
	t.Extra = all
	return nil
}

func (t Task) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(taskFields(t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(t.Extra)+len(taskKeys))
	for k, v := range t.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// EndDate parses End as a calendar date in loc. ok is false when End is
// empty or malformed.
func (t Task) EndDate(loc *time.Location) (time.Time, bool) {
	raw := strings.TrimSpace(t.End)
	if raw == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	if len(raw) > len(DateLayout) {
		raw = raw[:len(DateLayout)]
	}
	d, err := time.ParseInLocation(DateLayout, raw, loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ErrRevisionConflict is returned by task stores when a whole-collection
// write is based on a revision that is no longer current.
var ErrRevisionConflict = errors.New("task collection revision conflict")

// TaskSet is the unit of whole-collection reads and writes. Revision is the
// store's collection version observed at read time.
type TaskSet struct {
	Tasks    []Task
	Revision int64
}

func (s TaskSet) Clone() TaskSet {
	out := TaskSet{Revision: s.Revision, Tasks: make([]Task, len(s.Tasks))}
	for i, t := range s.Tasks {
		cp := t
		if t.Criteria != nil {
			cp.Criteria = append(Criteria(nil), t.Criteria...)
		}
		if t.Extra != nil {
			cp.Extra = make(map[string]json.RawMessage, len(t.Extra))
			for k, v := range t.Extra {
				cp.Extra[k] = v
			}
		}
		out.Tasks[i] = cp
	}
	return out
}

func (s TaskSet) IndexOf(id string) int {
	id = strings.TrimSpace(id)
	for i, t := range s.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
