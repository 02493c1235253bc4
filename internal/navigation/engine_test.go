package navigation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/rules"
)

type fakeHandle struct {
	locator string
	closed  int
}

func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

type fakeViewer struct {
	opened  []*fakeHandle
	failFor string
}

func (v *fakeViewer) Open(_ context.Context, res Resource) (Handle, error) {
	if res.Locator == v.failFor {
		return nil, errors.New("viewer broke")
	}
	h := &fakeHandle{locator: res.Locator}
	v.opened = append(v.opened, h)
	return h, nil
}

type fakeDispatcher struct {
	runs [][]string
	err  error
}

func (d *fakeDispatcher) Run(_ context.Context, commands []string) error {
	d.runs = append(d.runs, commands)
	return d.err
}

type fakeExists struct {
	missing map[string]bool
	err     error
}

func (f *fakeExists) Exists(_ context.Context, locator string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return !f.missing[locator], nil
}

type recorder struct {
	notices []model.Notice
}

func (r *recorder) Notify(n model.Notice) { r.notices = append(r.notices, n) }

type fixture struct {
	engine     *Engine
	viewer     *fakeViewer
	dispatcher *fakeDispatcher
	exists     *fakeExists
	notices    *recorder
}

func newFixture(mode rules.Mode) *fixture {
	f := &fixture{
		viewer:     &fakeViewer{},
		dispatcher: &fakeDispatcher{},
		exists:     &fakeExists{missing: map[string]bool{}},
		notices:    &recorder{},
	}
	f.engine = New(Options{
		Selector:   rules.NewSelector(mode),
		Viewer:     f.viewer,
		Dispatcher: f.dispatcher,
		Exists:     f.exists,
		Notifier:   f.notices,
	})
	return f
}

func tableRule(level int, event model.Event, rng, template string) model.Rule {
	return model.Rule{Level: level, Event: event, Range: rng, Template: template, Target: model.TableTarget{}}
}

func openReq(ruleSet []model.Rule) OpenRequest {
	return OpenRequest{
		RuleSet:        ruleSet,
		InitialRules:   rules.SelectAll(ruleSet, 1, 0, 2),
		Contexts:       []model.RowContext{{"lotA", "w1", "run 7"}},
		Title:          "Yield",
		TriggerColumn:  2,
		SelectionValue: "run 7",
	}
}

func TestAdvanceWithoutMatchKeepsHistory(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ruleSet := []model.Rule{tableRule(1, model.EventRow, "", "a0/summary.csv")}
	ctx := context.Background()

	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))
	moved, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"x"}, Row: 0, Col: 0, Value: "x"})
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 1, f.engine.Len())
	assert.Equal(t, 0, f.engine.Pointer())
}

func TestAdvanceAfterBackTruncatesBranch(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "a0/summary.csv"),
		tableRule(2, model.EventRow, "0", "a0/b0_first.csv"),
		tableRule(2, model.EventRow, "1", "a0/b0_second.csv"),
	}
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))

	moved, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"w1"}, Row: 0, Col: 0, Value: "w1"})
	require.NoError(t, err)
	require.True(t, moved)
	require.Equal(t, 2, f.engine.Len())

	moved, err = f.engine.Back(ctx)
	require.NoError(t, err)
	require.True(t, moved)
	assert.Equal(t, 0, f.engine.Pointer())

	moved, err = f.engine.Advance(ctx, Selection{Context: model.RowContext{"w2"}, Row: 1, Col: 0, Value: "w2"})
	require.NoError(t, err)
	require.True(t, moved)

	assert.Equal(t, 2, f.engine.Len())
	assert.Equal(t, 1, f.engine.Pointer())
	state, ok := f.engine.Current()
	require.True(t, ok)
	assert.Equal(t, "lotA/w2_second.csv", state.Resources[0].Locator)
	assert.False(t, f.engine.CanForward())
}

func TestStateInvariantsAcrossHops(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "l1.csv"),
		tableRule(2, model.EventRow, "", "l2.csv"),
		tableRule(3, model.EventCol, "", "l3.csv"),
	}
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))
	for i := 0; i < 2; i++ {
		moved, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"v"}, Row: i, Col: 1, Value: "clicked"})
		require.NoError(t, err)
		require.True(t, moved)
	}

	assert.Equal(t, []int{0, 1, 2}, f.engine.history.Steps())
	for _, s := range f.engine.history.states {
		assert.Len(t, s.Contexts, s.Step+1)
		assert.Equal(t, "Yield", s.Title)
		assert.Equal(t, 2, s.TriggerColumn)
		assert.Equal(t, "run 7", s.SelectionValue)
	}
	state, _ := f.engine.Current()
	assert.Equal(t, "clicked", state.ClickedValue)
}

func TestLifecycleErrors(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ctx := context.Background()

	_, err := f.engine.Advance(ctx, Selection{})
	assert.ErrorIs(t, err, ErrSequenceClosed)
	_, err = f.engine.Back(ctx)
	assert.ErrorIs(t, err, ErrSequenceClosed)

	err = f.engine.Open(ctx, OpenRequest{Title: "empty"})
	assert.ErrorIs(t, err, ErrNoActiveRules)
	assert.False(t, f.engine.IsOpen())

	ruleSet := []model.Rule{tableRule(1, model.EventRow, "", "x.csv")}
	for _, contexts := range [][]model.RowContext{nil, {{"a"}, {"b"}}} {
		req := openReq(ruleSet)
		req.Contexts = contexts
		assert.ErrorIs(t, f.engine.Open(ctx, req), ErrContextDepth)
		assert.False(t, f.engine.IsOpen())
	}

	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))
	assert.ErrorIs(t, f.engine.Open(ctx, openReq(ruleSet)), ErrSequenceOpen)

	f.engine.Close()
	assert.False(t, f.engine.IsOpen())
	assert.Equal(t, -1, f.engine.Pointer())
	assert.Equal(t, 0, f.engine.Len())
	f.engine.Close()
	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))
}

func TestBackForwardBounds(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "l1.csv"),
		tableRule(2, model.EventRow, "", "level_b0.csv"),
	}
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))

	moved, err := f.engine.Back(ctx)
	require.NoError(t, err)
	assert.False(t, moved)
	moved, err = f.engine.Forward(ctx)
	require.NoError(t, err)
	assert.False(t, moved)

	_, err = f.engine.Advance(ctx, Selection{Context: model.RowContext{"k"}, Row: 3, Col: rules.NoIndex})
	require.NoError(t, err)
	first, _ := f.engine.Current()

	moved, _ = f.engine.Back(ctx)
	require.True(t, moved)
	assert.True(t, f.engine.CanForward())
	moved, _ = f.engine.Forward(ctx)
	require.True(t, moved)
	again, _ := f.engine.Current()
	if diff := cmp.Diff(first.Resources, again.Resources, cmp.Comparer(func(a, b model.Rule) bool { return a.Template == b.Template })); diff != "" {
		t.Fatalf("re-entry changed resources (-first +again):\n%s", diff)
	}
	assert.Equal(t, "level_k.csv", again.Resources[0].Locator)
}

func TestHandlesReleasedOnReplaceAndClose(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "one.csv"),
		tableRule(1, model.EventCol, "", "two.html"),
		tableRule(2, model.EventRow, "", "three.csv"),
	}
	ctx := context.Background()
	req := openReq(ruleSet)
	require.Len(t, req.InitialRules, 2)
	require.NoError(t, f.engine.Open(ctx, req))
	require.Len(t, f.viewer.opened, 2)

	_, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"r"}, Row: 0, Col: 0})
	require.NoError(t, err)
	require.Len(t, f.viewer.opened, 3)
	assert.Equal(t, 1, f.viewer.opened[0].closed)
	assert.Equal(t, 1, f.viewer.opened[1].closed)
	assert.Equal(t, 0, f.viewer.opened[2].closed)

	f.engine.Close()
	assert.Equal(t, 1, f.viewer.opened[2].closed)
}

func TestMissingResourceIsNoticeNotError(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	f.exists.missing["lotA.csv"] = true
	ruleSet := []model.Rule{tableRule(1, model.EventRow, "", "a0.csv")}

	require.NoError(t, f.engine.Open(context.Background(), openReq(ruleSet)))
	assert.Empty(t, f.viewer.opened)
	require.Len(t, f.notices.notices, 1)
	assert.Equal(t, model.ErrRefNotFound, f.notices.notices[0].Code)
	assert.True(t, f.engine.IsOpen())
}

func TestExistenceAndViewerFailuresKeepHistory(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	f.viewer.failFor = "broken.csv"
	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "broken.csv"),
		tableRule(2, model.EventRow, "", "next.csv"),
	}
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))
	assert.Len(t, f.notices.notices, 1)

	f.exists.err = errors.New("store down")
	moved, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"r"}, Row: 0})
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 2, f.engine.Len())
	assert.Equal(t, model.ErrStoreUnavailable, f.notices.notices[1].Code)
}

func TestShellRuleDispatchesFilledCommands(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	ruleSet := []model.Rule{
		{Level: 1, Event: model.EventRow, Template: "logs/a0.log", Target: model.ShellTarget{Commands: []string{"less {filename}"}}},
		{Level: 2, Event: model.EventRow, Template: "logs/b0.log", Target: model.ShellTarget{}},
	}
	ctx := context.Background()
	req := openReq(ruleSet)
	req.SelectionValue = "  "
	require.NoError(t, f.engine.Open(ctx, req))
	require.Len(t, f.dispatcher.runs, 1)
	assert.Equal(t, []string{"less logs/lotA.log"}, f.dispatcher.runs[0])

	_, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"w9"}, Row: 0, Value: " picked.txt "})
	require.NoError(t, err)
	require.Len(t, f.dispatcher.runs, 2)
	assert.Equal(t, []string{`pkill -f "ttyd" || true`, "ttyd -p 7681 gvim picked.txt"}, f.dispatcher.runs[1])
}

func TestShellFailureIsNotice(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	f.dispatcher.err = errors.New("exit 1")
	ruleSet := []model.Rule{{Level: 1, Event: model.EventRow, Template: "x", Target: model.ShellTarget{}}}

	require.NoError(t, f.engine.Open(context.Background(), openReq(ruleSet)))
	require.Len(t, f.notices.notices, 1)
	assert.Equal(t, model.ErrDispatchFailed, f.notices.notices[0].Code)
	assert.Equal(t, 1, f.engine.Len())
}

func TestSingleModeAdvanceTakesOneRule(t *testing.T) {
	f := newFixture(rules.ModeSingle)
	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "l1.csv"),
		tableRule(2, model.EventCol, "4", "by-col.csv"),
		tableRule(2, model.EventRow, "", "by-row.csv"),
	}
	ctx := context.Background()
	require.NoError(t, f.engine.Open(ctx, openReq(ruleSet)))
	_, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"r"}, Row: 2, Col: 4})
	require.NoError(t, err)
	state, _ := f.engine.Current()
	require.Len(t, state.ActiveRules, 1)
	assert.Equal(t, "by-row.csv", state.ActiveRules[0].Template)
}

func TestBreadcrumbsAndPresets(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	assert.Nil(t, f.engine.Breadcrumbs())

	ruleSet := []model.Rule{
		tableRule(1, model.EventRow, "", "data/a0/a2.csv"),
		tableRule(2, model.EventRow, "", "data/b0.csv"),
	}
	ctx := context.Background()
	req := openReq(ruleSet)
	req.Contexts = []model.RowContext{{"lot A", "", "run#7", "ignored"}}
	require.NoError(t, f.engine.Open(ctx, req))

	want := []Crumb{
		{Label: "Main", Action: CrumbClose},
		{Label: "lot_A_run_7", Action: CrumbFirstStep},
		{Label: "run_7.csv"},
	}
	assert.Equal(t, want, f.engine.Breadcrumbs())

	presets := PresetTable{2: {
		{{Text: "step0"}},
		{{Text: "step1"}},
	}}
	assert.Equal(t, "step0", f.engine.SearchPresets(presets)[0].Text)

	_, err := f.engine.Advance(ctx, Selection{Context: model.RowContext{"w"}, Row: 0})
	require.NoError(t, err)
	assert.Equal(t, "step1", f.engine.SearchPresets(presets)[0].Text)
	assert.Nil(t, f.engine.SearchPresets(PresetTable{5: nil}))

	moved, err := f.engine.ReturnToStep(ctx, 0)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 0, f.engine.Pointer())
}

func TestCompactContextTruncates(t *testing.T) {
	long := model.RowContext{"aaaaaaaaaaaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbbbbbbbbbbb"}
	assert.Len(t, compactContext(long, "_"), crumbLimit)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(rules.ModeMulti)
	snap := f.engine.Snapshot()
	assert.False(t, snap.Open)
	assert.Equal(t, -1, snap.Pointer)

	ruleSet := []model.Rule{tableRule(1, model.EventRow, "", "a0.csv")}
	require.NoError(t, f.engine.Open(context.Background(), openReq(ruleSet)))
	snap = f.engine.Snapshot()
	assert.True(t, snap.Open)
	assert.Equal(t, 1, snap.Length)
	assert.Equal(t, "lotA.csv", snap.Resources[0].Locator)
	assert.Equal(t, model.KindTable, snap.Resources[0].Kind)
}

func TestFillCommands(t *testing.T) {
	assert.Equal(t, []string{"cat f {x}"}, FillCommands([]string{"cat {filename} {x}"}, "f"))
	assert.Len(t, FillCommands(nil, "f"), 2)
	assert.Equal(t, "ttyd -p 7681 gvim {filename}", DefaultShellCommands[1])
}
