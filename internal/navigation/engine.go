package navigation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/metrics"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/pattern"
	"github.com/g960059/drillgrid/internal/rules"
)

var (
	ErrSequenceOpen   = errors.New("sequence already open")
	ErrSequenceClosed = errors.New("no sequence open")
	ErrNoActiveRules  = errors.New("sequence needs at least one active rule")
	ErrContextDepth   = errors.New("row context depth does not match step")
)

// DefaultShellCommands run when a shell rule lists no commands.
var DefaultShellCommands = []string{
	`pkill -f "ttyd" || true`,
	`ttyd -p 7681 gvim {filename}`,
}

// FilenamePlaceholder is replaced in shell commands by the selected value or
// the resolved locator.
const FilenamePlaceholder = "{filename}"

// Viewer renders a resolved resource and returns a handle the engine closes
// when the step is replaced or the sequence closes.
type Viewer interface {
	Open(ctx context.Context, res Resource) (Handle, error)
}

type Handle interface {
	Close() error
}

type CommandDispatcher interface {
	Run(ctx context.Context, commands []string) error
}

type ExistenceChecker interface {
	Exists(ctx context.Context, locator string) (bool, error)
}

type Notifier interface {
	Notify(n model.Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(model.Notice)

func (f NotifierFunc) Notify(n model.Notice) { f(n) }

// OpenRequest starts a sequence from a main-table selection.
type OpenRequest struct {
	RuleSet        []model.Rule
	InitialRules   []model.Rule
	Contexts       []model.RowContext
	Title          string
	TriggerColumn  int
	SelectionValue string
}

// Selection is a click inside a nested view.
type Selection struct {
	Context model.RowContext
	Row     int
	Col     int
	Value   string
}

type Options struct {
	Selector   rules.Selector
	Viewer     Viewer
	Dispatcher CommandDispatcher
	Exists     ExistenceChecker
	Notifier   Notifier
	Logger     *zap.Logger
	// Separator joins context values in breadcrumbs.
	Separator string
}

// Engine is the drilldown state machine. It is owned by one session and is
// not safe for concurrent use.
type Engine struct {
	selector   rules.Selector
	viewer     Viewer
	dispatcher CommandDispatcher
	exists     ExistenceChecker
	notifier   Notifier
	logger     *zap.Logger
	separator  string

	history History
	handles []Handle
}

func New(opts Options) *Engine {
	sep := opts.Separator
	if sep == "" {
		sep = "_"
	}
	return &Engine{
		selector:   opts.Selector,
		viewer:     opts.Viewer,
		dispatcher: opts.Dispatcher,
		exists:     opts.Exists,
		notifier:   opts.Notifier,
		logger:     logging.OrNop(opts.Logger),
		separator:  sep,
		history:    newHistory(),
	}
}

func (e *Engine) IsOpen() bool { return e.history.Pointer() >= 0 }

func (e *Engine) Len() int { return e.history.Len() }

func (e *Engine) Pointer() int { return e.history.Pointer() }

func (e *Engine) Current() (State, bool) { return e.history.Current() }

func (e *Engine) CanBack() bool { return e.IsOpen() && e.history.Pointer() > 0 }

func (e *Engine) CanForward() bool {
	return e.IsOpen() && e.history.Pointer() < e.history.Len()-1
}

// Open starts a sequence at step 0 and renders its resources. Step k always
// carries k+1 row contexts, so req.Contexts must hold exactly the main-table
// row.
func (e *Engine) Open(ctx context.Context, req OpenRequest) error {
	if e.IsOpen() {
		metrics.NavigationTransitions.WithLabelValues("open", "rejected").Inc()
		return ErrSequenceOpen
	}
	if len(req.InitialRules) == 0 {
		metrics.NavigationTransitions.WithLabelValues("open", "rejected").Inc()
		return ErrNoActiveRules
	}
	if len(req.Contexts) != 1 {
		metrics.NavigationTransitions.WithLabelValues("open", "rejected").Inc()
		return fmt.Errorf("%w: step 0 got %d contexts", ErrContextDepth, len(req.Contexts))
	}
	contexts := make([]model.RowContext, 0, len(req.Contexts))
	for _, c := range req.Contexts {
		contexts = append(contexts, model.NewRowContext(c))
	}
	state := e.newState(State{
		Step:           0,
		RuleSet:        req.RuleSet,
		ActiveRules:    req.InitialRules,
		Contexts:       contexts,
		Title:          req.Title,
		TriggerColumn:  req.TriggerColumn,
		SelectionValue: req.SelectionValue,
		ClickedValue:   req.SelectionValue,
	})
	e.history.Push(state)
	metrics.NavigationTransitions.WithLabelValues("open", "ok").Inc()
	e.logger.Debug("sequence opened",
		zap.String("title", req.Title),
		zap.Int("trigger_column", req.TriggerColumn),
		zap.Int("rules", len(req.InitialRules)))
	e.render(ctx, state)
	return nil
}

// Advance selects the rules of the next level for sel. It reports false and
// leaves history untouched when no rule matches.
func (e *Engine) Advance(ctx context.Context, sel Selection) (bool, error) {
	current, ok := e.history.Current()
	if !ok {
		return false, ErrSequenceClosed
	}
	nextLevel := current.Step + 2
	matched := e.selector.Select(current.RuleSet, nextLevel, model.EventRow, sel.Row, sel.Col)
	if len(matched) == 0 {
		metrics.NavigationTransitions.WithLabelValues("advance", "no_match").Inc()
		e.logger.Debug("no rule for selection",
			zap.Int("level", nextLevel),
			zap.Int("row", sel.Row),
			zap.Int("col", sel.Col))
		return false, nil
	}
	state := e.newState(State{
		Step:           current.Step + 1,
		RuleSet:        current.RuleSet,
		ActiveRules:    matched,
		Contexts:       model.AppendContext(current.Contexts, sel.Context),
		Title:          current.Title,
		TriggerColumn:  current.TriggerColumn,
		SelectionValue: current.SelectionValue,
		ClickedValue:   sel.Value,
	})
	e.history.Push(state)
	metrics.NavigationTransitions.WithLabelValues("advance", "ok").Inc()
	e.render(ctx, state)
	return true, nil
}

func (e *Engine) Back(ctx context.Context) (bool, error) {
	return e.move(ctx, "back", -1)
}

func (e *Engine) Forward(ctx context.Context) (bool, error) {
	return e.move(ctx, "forward", 1)
}

// ReturnToStep moves the cursor back to the nearest earlier state at step.
func (e *Engine) ReturnToStep(ctx context.Context, step int) (bool, error) {
	if !e.IsOpen() {
		return false, ErrSequenceClosed
	}
	if !e.history.Seek(step) {
		return false, nil
	}
	state, _ := e.history.Current()
	e.render(ctx, state)
	return true, nil
}

func (e *Engine) move(ctx context.Context, op string, delta int) (bool, error) {
	if !e.IsOpen() {
		return false, ErrSequenceClosed
	}
	if !e.history.Move(delta) {
		metrics.NavigationTransitions.WithLabelValues(op, "bound").Inc()
		return false, nil
	}
	state, _ := e.history.Current()
	metrics.NavigationTransitions.WithLabelValues(op, "ok").Inc()
	e.render(ctx, state)
	return true, nil
}

// Close discards history and releases every live viewer handle. Closing a
// closed engine is a no-op.
func (e *Engine) Close() {
	if !e.IsOpen() {
		return
	}
	e.releaseHandles()
	e.history.Reset()
	metrics.NavigationTransitions.WithLabelValues("close", "ok").Inc()
}

func (e *Engine) newState(s State) State {
	s.Resources = make([]Resource, 0, len(s.ActiveRules))
	for i, r := range s.ActiveRules {
		s.Resources = append(s.Resources, Resource{
			Index:   i,
			Locator: pattern.Resolve(r.Template, s.Contexts),
			Kind:    r.Kind(),
			Rule:    r,
		})
	}
	return s
}

func (e *Engine) render(ctx context.Context, state State) {
	e.releaseHandles()
	for _, res := range state.Resources {
		r := &renderer{engine: e, ctx: ctx, state: state, res: res}
		err := res.Rule.Visit(r)
		kind := string(res.Kind)
		metrics.ResourcesRendered.WithLabelValues(kind, metrics.Result(err)).Inc()
		if err != nil {
			e.logger.Warn("render resource failed",
				zap.Int("step", state.Step),
				zap.String("locator", res.Locator),
				zap.String("kind", kind),
				zap.Error(err))
		}
	}
}

func (e *Engine) releaseHandles() {
	for _, h := range e.handles {
		if err := h.Close(); err != nil {
			e.logger.Warn("close viewer handle", zap.Error(err))
		}
	}
	e.handles = nil
}

func (e *Engine) notify(n model.Notice) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

type renderer struct {
	engine *Engine
	ctx    context.Context
	state  State
	res    Resource
}

func (r *renderer) Table(model.TableTarget) error       { return r.view() }
func (r *renderer) Document(model.DocumentTarget) error { return r.view() }
func (r *renderer) Media(model.MediaTarget) error       { return r.view() }
func (r *renderer) Other(model.OtherTarget) error       { return r.view() }

func (r *renderer) Shell(t model.ShellTarget) error {
	filename := strings.TrimSpace(r.state.ClickedValue)
	if filename == "" {
		filename = r.res.Locator
	}
	commands := FillCommands(t.Commands, filename)
	if r.engine.dispatcher == nil {
		return nil
	}
	if err := r.engine.dispatcher.Run(r.ctx, commands); err != nil {
		r.engine.notify(model.Notice{
			Level:   model.NoticeError,
			Code:    model.ErrDispatchFailed,
			Message: fmt.Sprintf("shell command failed for %s", filename),
		})
		return fmt.Errorf("dispatch commands for %s: %w", filename, err)
	}
	r.engine.notify(model.Notice{
		Level:   model.NoticeInfo,
		Message: fmt.Sprintf("shell command sent for %s", filename),
	})
	return nil
}

func (r *renderer) view() error {
	e := r.engine
	if e.exists != nil {
		ok, err := e.exists.Exists(r.ctx, r.res.Locator)
		if err != nil {
			e.notify(model.Notice{
				Level:   model.NoticeError,
				Code:    model.ErrStoreUnavailable,
				Message: fmt.Sprintf("could not check %s", r.res.Locator),
			})
			return fmt.Errorf("check %s: %w", r.res.Locator, err)
		}
		if !ok {
			e.notify(model.Notice{
				Level:   model.NoticeWarn,
				Code:    model.ErrRefNotFound,
				Message: fmt.Sprintf("file not found: %s", r.res.Locator),
			})
			return nil
		}
	}
	if e.viewer == nil {
		return nil
	}
	h, err := e.viewer.Open(r.ctx, r.res)
	if err != nil {
		e.notify(model.Notice{
			Level:   model.NoticeError,
			Message: fmt.Sprintf("could not open %s", r.res.Locator),
		})
		return fmt.Errorf("open %s: %w", r.res.Locator, err)
	}
	if h != nil {
		e.handles = append(e.handles, h)
	}
	return nil
}

// FillCommands substitutes the filename placeholder in commands, falling
// back to DefaultShellCommands when commands is empty.
func FillCommands(commands []string, filename string) []string {
	if len(commands) == 0 {
		commands = DefaultShellCommands
	}
	out := make([]string, len(commands))
	for i, c := range commands {
		out[i] = strings.ReplaceAll(c, FilenamePlaceholder, filename)
	}
	return out
}
