// Package dashboard turns clicks on the main table and on nested views into
// navigation and promotion calls.
package dashboard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/navigation"
	"github.com/g960059/drillgrid/internal/promotion"
	"github.com/g960059/drillgrid/internal/rules"
	"github.com/g960059/drillgrid/internal/tabular"
)

// NoPromoteColumn disables the promote intercept.
const NoPromoteColumn = -1

var (
	ErrNoAggregator = errors.New("promotion is not configured")
	ErrBadView      = errors.New("view is not a table of the current step")
	ErrOutOfRange   = errors.New("cell out of range")
)

type TableSource interface {
	Load(ctx context.Context, locator string) (model.Table, error)
}

type Outcome string

const (
	OutcomeOpened   Outcome = "opened"
	OutcomePromoted Outcome = "promoted"
	OutcomeAdvanced Outcome = "advanced"
	OutcomeIgnored  Outcome = "ignored"
)

// ClickResult reports what a click did. Snapshot is set for navigation
// outcomes and Promotion for promote clicks.
type ClickResult struct {
	Outcome   Outcome              `json:"outcome"`
	Reason    string               `json:"reason,omitempty"`
	Snapshot  *navigation.Snapshot `json:"snapshot,omitempty"`
	Promotion *promotion.Result    `json:"promotion,omitempty"`
}

type Settings struct {
	Rules         model.RuleTable
	Selector      rules.Selector
	PromoteColumn int
	Presets       navigation.PresetTable
	MainPresets   []model.SearchPreset
	MainTypes     map[string]string
	StepTypes     map[int]map[string]string
}

type Options struct {
	Settings   Settings
	Main       model.Table
	Tables     TableSource
	Engine     *navigation.Engine
	Aggregator *promotion.Aggregator
	Logger     *zap.Logger
}

// Controller drives one dashboard session. Like the engine it wraps, it is
// not safe for concurrent use.
type Controller struct {
	settings   Settings
	main       model.Table
	tables     TableSource
	engine     *navigation.Engine
	aggregator *promotion.Aggregator
	logger     *zap.Logger
}

func New(opts Options) *Controller {
	return &Controller{
		settings:   opts.Settings,
		main:       opts.Main,
		tables:     opts.Tables,
		engine:     opts.Engine,
		aggregator: opts.Aggregator,
		logger:     logging.OrNop(opts.Logger),
	}
}

func (c *Controller) Main() model.Table { return c.main }

func (c *Controller) Engine() *navigation.Engine { return c.engine }

// PromoteEnabled reports whether row shows a promote action: its promote
// cell holds a yes token.
func (c *Controller) PromoteEnabled(row int) bool {
	if c.settings.PromoteColumn < 0 {
		return false
	}
	cell, ok := c.main.Cell(row, c.settings.PromoteColumn)
	return ok && model.IsYes(cell)
}

// ClickMain handles a main-table click. The promote column is checked
// before any rule lookup.
func (c *Controller) ClickMain(ctx context.Context, row, col int) (ClickResult, error) {
	if _, ok := c.main.Context(row); !ok || col < 0 {
		return ClickResult{}, fmt.Errorf("%w: row %d col %d", ErrOutOfRange, row, col)
	}
	if c.settings.PromoteColumn >= 0 && col == c.settings.PromoteColumn {
		return c.promote(ctx, row)
	}

	ruleSet := c.settings.Rules.ForColumn(col)
	if len(ruleSet) == 0 {
		return ClickResult{Outcome: OutcomeIgnored, Reason: "no rules for column"}, nil
	}
	initial := c.settings.Selector.Select(ruleSet, 1, model.EventRow, row, col)
	if len(initial) == 0 {
		return ClickResult{Outcome: OutcomeIgnored, Reason: "no level 1 rule matches"}, nil
	}
	mainCtx, _ := c.main.Context(row)
	value, _ := c.main.Cell(row, col)
	title := c.main.Header(col)
	if title == "" {
		title = fmt.Sprintf("Col %d", col)
	}

	// a new main click replaces any open sequence
	c.engine.Close()
	err := c.engine.Open(ctx, navigation.OpenRequest{
		RuleSet:        ruleSet,
		InitialRules:   initial,
		Contexts:       []model.RowContext{mainCtx},
		Title:          title,
		TriggerColumn:  col,
		SelectionValue: value,
	})
	if err != nil {
		return ClickResult{}, err
	}
	snap := c.engine.Snapshot()
	return ClickResult{Outcome: OutcomeOpened, Snapshot: &snap}, nil
}

func (c *Controller) promote(ctx context.Context, row int) (ClickResult, error) {
	if !c.PromoteEnabled(row) {
		return ClickResult{Outcome: OutcomeIgnored, Reason: "promote not enabled for row"}, nil
	}
	if c.aggregator == nil {
		return ClickResult{}, ErrNoAggregator
	}
	res, err := c.aggregator.Promote(ctx, c.main, row)
	if err != nil {
		if errors.Is(err, promotion.ErrNoFlow) {
			return ClickResult{Outcome: OutcomeIgnored, Reason: "no flow for row", Promotion: &res}, nil
		}
		return ClickResult{}, err
	}
	c.logger.Info("row promoted",
		zap.Int("row", row),
		zap.String("key", res.Key),
		zap.Bool("persisted", res.Persisted),
		zap.Bool("submitted", res.Submitted))
	return ClickResult{Outcome: OutcomePromoted, Promotion: &res}, nil
}

// Promote runs a promotion of row without the promote-cell check.
func (c *Controller) Promote(ctx context.Context, row int) (promotion.Result, error) {
	if c.aggregator == nil {
		return promotion.Result{}, ErrNoAggregator
	}
	return c.aggregator.Promote(ctx, c.main, row)
}

// SelectNested handles a click at (row, col) inside the table shown as
// resource view of the current step.
func (c *Controller) SelectNested(ctx context.Context, view, row, col int) (ClickResult, error) {
	table, err := c.ViewTable(ctx, view)
	if err != nil {
		return ClickResult{}, err
	}
	rowCtx, ok := table.Context(row)
	if !ok {
		return ClickResult{}, fmt.Errorf("%w: row %d", ErrOutOfRange, row)
	}
	value, _ := table.Cell(row, col)
	moved, err := c.engine.Advance(ctx, navigation.Selection{
		Context: rowCtx,
		Row:     row,
		Col:     col,
		Value:   value,
	})
	if err != nil {
		return ClickResult{}, err
	}
	snap := c.engine.Snapshot()
	if !moved {
		return ClickResult{Outcome: OutcomeIgnored, Reason: "no rule for next level", Snapshot: &snap}, nil
	}
	return ClickResult{Outcome: OutcomeAdvanced, Snapshot: &snap}, nil
}

// ViewTable loads the table behind resource view of the current step.
func (c *Controller) ViewTable(ctx context.Context, view int) (model.Table, error) {
	state, ok := c.engine.Current()
	if !ok {
		return model.Table{}, navigation.ErrSequenceClosed
	}
	if view < 0 || view >= len(state.Resources) || state.Resources[view].Kind != model.KindTable {
		return model.Table{}, fmt.Errorf("%w: %d", ErrBadView, view)
	}
	if c.tables == nil {
		return model.Table{}, fmt.Errorf("%w: no table source", ErrBadView)
	}
	return c.tables.Load(ctx, state.Resources[view].Locator)
}

func (c *Controller) Back(ctx context.Context) (navigation.Snapshot, bool, error) {
	moved, err := c.engine.Back(ctx)
	return c.engine.Snapshot(), moved, err
}

func (c *Controller) Forward(ctx context.Context) (navigation.Snapshot, bool, error) {
	moved, err := c.engine.Forward(ctx)
	return c.engine.Snapshot(), moved, err
}

// ReturnToStep backs up to the nearest earlier state at step, as a
// breadcrumb click does.
func (c *Controller) ReturnToStep(ctx context.Context, step int) (navigation.Snapshot, bool, error) {
	moved, err := c.engine.ReturnToStep(ctx, step)
	return c.engine.Snapshot(), moved, err
}

func (c *Controller) Close() {
	c.engine.Close()
}

func (c *Controller) Snapshot() navigation.Snapshot {
	return c.engine.Snapshot()
}

// Searches describes the searchable columns and presets of view in the
// current step.
func (c *Controller) Searches(ctx context.Context, view int) ([]tabular.SearchField, []model.SearchPreset, error) {
	table, err := c.ViewTable(ctx, view)
	if err != nil {
		return nil, nil, err
	}
	state, _ := c.engine.Current()
	fields := tabular.SearchFields(table, c.settings.StepTypes[state.Step])
	return fields, c.engine.SearchPresets(c.settings.Presets), nil
}

func (c *Controller) MainSearches() ([]tabular.SearchField, []model.SearchPreset) {
	return tabular.SearchFields(c.main, c.settings.MainTypes), c.settings.MainPresets
}
