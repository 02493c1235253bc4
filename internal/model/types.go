package model

import (
	"strings"
)

// Event is the click axis a rule listens to.
type Event string

const (
	EventRow Event = "row"
	EventCol Event = "col"
)

func ParseEvent(raw string) (Event, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(EventRow):
		return EventRow, true
	case string(EventCol):
		return EventCol, true
	default:
		return "", false
	}
}

// Kind is the discriminant of a rule target.
type Kind string

const (
	KindTable    Kind = "table"
	KindDocument Kind = "document"
	KindShell    Kind = "shell"
	KindMedia    Kind = "media"
	KindOther    Kind = "other"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Target is the per-kind payload of a rule. The set of implementations is
// closed; callers branch on it through Rule.Visit.
type Target interface {
	Kind() Kind
	sealed()
}

type TableTarget struct{}

type DocumentTarget struct{}

type ShellTarget struct {
	Commands []string
}

type MediaTarget struct {
	Media MediaKind
}

type OtherTarget struct{}

func (TableTarget) Kind() Kind    { return KindTable }
func (DocumentTarget) Kind() Kind { return KindDocument }
func (ShellTarget) Kind() Kind    { return KindShell }
func (MediaTarget) Kind() Kind    { return KindMedia }
func (OtherTarget) Kind() Kind    { return KindOther }

func (TableTarget) sealed()    {}
func (DocumentTarget) sealed() {}
func (ShellTarget) sealed()    {}
func (MediaTarget) sealed()    {}
func (OtherTarget) sealed()    {}

// TargetVisitor has one method per kind. Adding a kind adds a method here,
// which breaks every visitor until it handles the new kind.
type TargetVisitor interface {
	Table(TableTarget) error
	Document(DocumentTarget) error
	Shell(ShellTarget) error
	Media(MediaTarget) error
	Other(OtherTarget) error
}

// Rule is one drilldown step definition bound to a trigger column.
type Rule struct {
	Level    int
	Event    Event
	Range    string
	Template string
	Target   Target
}

func (r Rule) Kind() Kind {
	if r.Target == nil {
		return KindOther
	}
	return r.Target.Kind()
}

func (r Rule) Visit(v TargetVisitor) error {
	switch t := r.Target.(type) {
	case TableTarget:
		return v.Table(t)
	case DocumentTarget:
		return v.Document(t)
	case ShellTarget:
		return v.Shell(t)
	case MediaTarget:
		return v.Media(t)
	case OtherTarget:
		return v.Other(t)
	case nil:
		return v.Other(OtherTarget{})
	default:
		panic("model: unknown rule target " + string(t.Kind()))
	}
}

// RuleTable groups rules by the main-table column that triggers them.
type RuleTable map[int][]Rule

func (t RuleTable) ForColumn(col int) []Rule {
	if t == nil {
		return nil
	}
	return t[col]
}

// RowContext is an immutable snapshot of one selected record's values.
type RowContext []string

func NewRowContext(values []string) RowContext {
	out := make(RowContext, len(values))
	copy(out, values)
	return out
}

func (c RowContext) Field(i int) (string, bool) {
	if i < 0 || i >= len(c) {
		return "", false
	}
	return c[i], true
}

// AppendContext returns a new stack with ctx appended; the input stack is
// never modified.
func AppendContext(stack []RowContext, ctx RowContext) []RowContext {
	out := make([]RowContext, 0, len(stack)+1)
	out = append(out, stack...)
	out = append(out, NewRowContext(ctx))
	return out
}

// Table is a loaded tabular source: ordered headers and rows of values.
type Table struct {
	Headers []string
	Rows    [][]string
}

func (t Table) FieldIndex(name string) int {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return -1
	}
	for i, h := range t.Headers {
		if strings.ToLower(strings.TrimSpace(h)) == key {
			return i
		}
	}
	return -1
}

func (t Table) Context(row int) (RowContext, bool) {
	if row < 0 || row >= len(t.Rows) {
		return nil, false
	}
	values := make([]string, len(t.Headers))
	copy(values, t.Rows[row])
	return RowContext(values), true
}

func (t Table) Cell(row, col int) (string, bool) {
	if row < 0 || row >= len(t.Rows) {
		return "", false
	}
	r := t.Rows[row]
	if col < 0 || col >= len(r) {
		return "", false
	}
	return r[col], true
}

func (t Table) Header(col int) string {
	if col < 0 || col >= len(t.Headers) {
		return ""
	}
	return t.Headers[col]
}

// Record returns row as a header-keyed record.
func (t Table) Record(row int) (Record, bool) {
	ctx, ok := t.Context(row)
	if !ok {
		return Record{}, false
	}
	return Record{Headers: t.Headers, Values: ctx}, true
}

// Record is one row with its declared headers, used by criteria lookup.
type Record struct {
	Headers []string
	Values  []string
}

func (r Record) Lookup(name string) (string, bool) {
	idx := Table{Headers: r.Headers}.FieldIndex(name)
	if idx < 0 {
		return "", false
	}
	if idx >= len(r.Values) {
		return "", true
	}
	return r.Values[idx], true
}

func (r Record) At(i int) string {
	if i < 0 || i >= len(r.Values) {
		return ""
	}
	return r.Values[i]
}

// IsYes reports whether raw is one of the affirmative tokens used by the
// promote column and boolean criteria.
func IsYes(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrConflict           = "E_CONFLICT"
	ErrSequenceOpen       = "E_SEQUENCE_OPEN"
	ErrSequenceClosed     = "E_SEQUENCE_CLOSED"
	ErrValidation         = "E_VALIDATION"
	ErrStoreUnavailable   = "E_STORE_UNAVAILABLE"
	ErrDispatchFailed     = "E_DISPATCH_FAILED"
)

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a non-blocking, user-visible report of a per-action outcome.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

// SearchTerm is one filter of a search preset applied to a nested table.
type SearchTerm struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator,omitempty" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

type SearchPreset struct {
	Text  string       `json:"text" yaml:"text"`
	Logic string       `json:"logic,omitempty" yaml:"logic"`
	Terms []SearchTerm `json:"data" yaml:"data"`
}
