package promotion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/criteria"
	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/metrics"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/pattern"
)

const (
	FieldCompleted    = "completedTasks"
	FieldIncomplete   = "incompleteTasks"
	FieldDueSoon      = "dueWithinOneWeekIncompleteTasks"
	FieldUpdatedAt    = "updatedAt"
	FieldPersisted    = "persisted"
	defaultFlowHeader = "flow"
	dueWindowDays     = 7

	// MaxConflictRetries bounds how often a promotion re-reads the task
	// collection after a revision conflict.
	MaxConflictRetries = 3
)

var (
	ErrRowOutOfRange = errors.New("promoted row out of range")
	ErrNoFlow        = errors.New("no flow value for promoted row")
)

type TaskStore interface {
	ReadAll(ctx context.Context) (model.TaskSet, error)
	// WriteAll replaces the whole collection. It returns
	// model.ErrRevisionConflict when set.Revision is stale.
	WriteAll(ctx context.Context, set model.TaskSet) error
}

type Sink interface {
	Submit(ctx context.Context, payload Payload) error
}

// Config selects which main-table columns feed a promotion.
type Config struct {
	// KeyColumns form the grouping key, joined with Separator.
	KeyColumns []int
	// DataColumns are copied into the payload under their header text.
	DataColumns []int
	// DataFiles are eN templates resolved against the promoted row.
	DataFiles []string
	// FlowField names the header that holds the flow. When empty or absent
	// from the table, a header named "flow" is used, then the first key
	// column.
	FlowField string
	Separator string
}

type Counters struct {
	Completed         int `json:"completedTasks"`
	Incomplete        int `json:"incompleteTasks"`
	DueSoonIncomplete int `json:"dueWithinOneWeekIncompleteTasks"`
}

type Result struct {
	Key       string         `json:"key"`
	Flow      string         `json:"flow"`
	Counters  Counters       `json:"counters"`
	Persisted bool           `json:"persisted"`
	Submitted bool           `json:"submitted"`
	Payload   *Payload       `json:"payload,omitempty"`
	Notices   []model.Notice `json:"notices,omitempty"`
}

type Options struct {
	Store  TaskStore
	Sink   Sink
	Config Config
	Logger *zap.Logger
	// Lock serializes task-collection writers. Share it with any other
	// in-process writer of the same store.
	Lock     *sync.Mutex
	Now      func() time.Time
	Location *time.Location
}

// Aggregator evaluates dependent tasks for a promoted row, persists their
// statuses and submits a summary payload. Promotions through one Aggregator
// run one at a time.
type Aggregator struct {
	store  TaskStore
	sink   Sink
	cfg    Config
	logger *zap.Logger
	mu     *sync.Mutex
	now    func() time.Time
	loc    *time.Location
}

func New(opts Options) *Aggregator {
	a := &Aggregator{
		store:  opts.Store,
		sink:   opts.Sink,
		cfg:    opts.Config,
		logger: logging.OrNop(opts.Logger),
		mu:     opts.Lock,
		now:    opts.Now,
		loc:    opts.Location,
	}
	if a.mu == nil {
		a.mu = &sync.Mutex{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.cfg.Separator == "" {
		a.cfg.Separator = "_"
	}
	return a
}

// Promote runs a promotion of table row. Store and sink failures are
// reported through Result; the error return is reserved for a row or flow
// that cannot be promoted at all.
func (a *Aggregator) Promote(ctx context.Context, table model.Table, row int) (Result, error) {
	record, ok := table.Record(row)
	if !ok {
		return Result{}, fmt.Errorf("%w: %d", ErrRowOutOfRange, row)
	}
	res := Result{Key: a.Key(record)}
	flow := strings.TrimSpace(a.FlowValue(table, record))
	if flow == "" {
		res.Notices = append(res.Notices, model.Notice{
			Level:   model.NoticeWarn,
			Code:    model.ErrValidation,
			Message: "no flow found for this row",
		})
		return res, ErrNoFlow
	}
	res.Flow = flow

	a.mu.Lock()
	defer a.mu.Unlock()

	counters, err := a.persist(ctx, flow, record)
	res.Counters = counters
	switch {
	case err == nil:
		res.Persisted = true
	case errors.Is(err, errRead):
		metrics.Promotions.WithLabelValues("persist", "read_error").Inc()
		a.logger.Warn("promotion read failed", zap.String("flow", flow), zap.Error(err))
		res.Notices = append(res.Notices, model.Notice{
			Level:   model.NoticeError,
			Code:    model.ErrStoreUnavailable,
			Message: "failed to read tasks",
		})
		return res, nil
	default:
		code := model.ErrStoreUnavailable
		if errors.Is(err, model.ErrRevisionConflict) {
			code = model.ErrConflict
		}
		metrics.Promotions.WithLabelValues("persist", "write_error").Inc()
		a.logger.Warn("promotion write failed", zap.String("flow", flow), zap.Error(err))
		res.Notices = append(res.Notices, model.Notice{
			Level:   model.NoticeError,
			Code:    code,
			Message: "failed to update tasks",
		})
	}
	if res.Persisted {
		metrics.Promotions.WithLabelValues("persist", "ok").Inc()
	}

	payload := a.BuildPayload(res.Key, counters, table, record)
	if !res.Persisted {
		// counters describe statuses the store never accepted
		payload.InsertBefore(FieldUpdatedAt, FieldPersisted, false)
	}
	res.Payload = &payload
	if a.sink == nil {
		return res, nil
	}
	if err := a.sink.Submit(ctx, payload); err != nil {
		metrics.Promotions.WithLabelValues("submit", "error").Inc()
		a.logger.Warn("promotion submit failed", zap.String("key", res.Key), zap.Error(err))
		res.Notices = append(res.Notices, model.Notice{
			Level:   model.NoticeError,
			Code:    model.ErrStoreUnavailable,
			Message: "promote failed",
		})
		return res, nil
	}
	metrics.Promotions.WithLabelValues("submit", "ok").Inc()
	res.Submitted = true
	res.Notices = append(res.Notices, model.Notice{Level: model.NoticeInfo, Message: "promoted"})
	a.logger.Info("promoted",
		zap.String("key", res.Key),
		zap.String("flow", flow),
		zap.Int("completed", counters.Completed),
		zap.Int("incomplete", counters.Incomplete),
		zap.Int("due_soon", counters.DueSoonIncomplete),
		zap.Bool("persisted", res.Persisted))
	return res, nil
}

var errRead = errors.New("read task collection")

// persist runs the read-evaluate-write cycle, re-reading after a revision
// conflict. The returned counters always describe the last evaluation.
func (a *Aggregator) persist(ctx context.Context, flow string, record model.Record) (Counters, error) {
	var (
		counters Counters
		err      error
	)
	for attempt := 0; attempt <= MaxConflictRetries; attempt++ {
		var set model.TaskSet
		set, err = a.store.ReadAll(ctx)
		if err != nil {
			return Counters{}, fmt.Errorf("%w: %w", errRead, err)
		}
		var updated model.TaskSet
		updated, counters = a.Evaluate(set, flow, record)
		err = a.store.WriteAll(ctx, updated)
		if err == nil || !errors.Is(err, model.ErrRevisionConflict) {
			break
		}
		a.logger.Debug("task collection changed, retrying", zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return counters, fmt.Errorf("write task collection: %w", err)
	}
	return counters, nil
}

// Evaluate sets the status of every task whose flow matches and counts the
// results. Other tasks pass through unchanged. The input set is not
// modified.
func (a *Aggregator) Evaluate(set model.TaskSet, flow string, record model.Record) (model.TaskSet, Counters) {
	out := set.Clone()
	var c Counters
	today := midnight(a.now().In(a.loc))
	for i := range out.Tasks {
		t := &out.Tasks[i]
		if strings.TrimSpace(t.Flow) != flow {
			continue
		}
		t.Status = criteria.EvaluateTask(*t, record)
		metrics.TaskStatuses.WithLabelValues(string(t.Status)).Inc()
		if t.Status == model.StatusComplete {
			c.Completed++
			continue
		}
		c.Incomplete++
		if end, ok := t.EndDate(a.loc); ok {
			days := daysBetween(today, end)
			if days >= 0 && days <= dueWindowDays {
				c.DueSoonIncomplete++
			}
		}
	}
	return out, c
}

// Key joins the trimmed key column values of record.
func (a *Aggregator) Key(record model.Record) string {
	parts := make([]string, 0, len(a.cfg.KeyColumns))
	for _, idx := range a.cfg.KeyColumns {
		parts = append(parts, strings.TrimSpace(record.At(idx)))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, a.cfg.Separator)
}

// FlowValue resolves the promoted row's flow: the configured flow field,
// then a header named "flow", then the first key column.
func (a *Aggregator) FlowValue(table model.Table, record model.Record) string {
	for _, name := range []string{a.cfg.FlowField, defaultFlowHeader} {
		if idx := table.FieldIndex(name); idx >= 0 {
			return record.At(idx)
		}
	}
	if len(a.cfg.KeyColumns) > 0 {
		return record.At(a.cfg.KeyColumns[0])
	}
	return ""
}

// BuildPayload lays out the body in wire order: counters, data columns by
// header, resolved data files as f1..fN, then updatedAt.
func (a *Aggregator) BuildPayload(key string, c Counters, table model.Table, record model.Record) Payload {
	p := Payload{Key: key}
	p.Set(FieldCompleted, c.Completed)
	p.Set(FieldIncomplete, c.Incomplete)
	p.Set(FieldDueSoon, c.DueSoonIncomplete)
	for _, idx := range a.cfg.DataColumns {
		name := strings.TrimSpace(table.Header(idx))
		if name == "" {
			name = fmt.Sprintf("c%d", idx)
		}
		p.Set(name, record.At(idx))
	}
	for i, tmpl := range a.cfg.DataFiles {
		p.Set(fmt.Sprintf("f%d", i+1), pattern.ResolveRecord(tmpl, record.Values))
	}
	p.Set(FieldUpdatedAt, a.now().UTC().Format("2006-01-02T15:04:05.000Z"))
	return p
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func daysBetween(from, to time.Time) int {
	return int(math.Round(midnight(to).Sub(from).Hours() / 24))
}
