package navigation

import (
	"regexp"
	"strings"

	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/pattern"
)

// crumbLimit caps the compact context label, in bytes.
const crumbLimit = 48

var crumbUnsafe = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

type CrumbAction string

const (
	// CrumbClose closes the sequence and returns to the main table.
	CrumbClose CrumbAction = "close"
	// CrumbFirstStep returns to step 0.
	CrumbFirstStep CrumbAction = "first_step"
	CrumbNone      CrumbAction = ""
)

type Crumb struct {
	Label  string      `json:"label"`
	Action CrumbAction `json:"action,omitempty"`
}

// Breadcrumbs describes the current state: Main, then a compact label built
// from the first three values of the originating row, then the basename of
// the first resolved locator. It is empty when no sequence is open.
func (e *Engine) Breadcrumbs() []Crumb {
	state, ok := e.history.Current()
	if !ok {
		return nil
	}
	out := []Crumb{{Label: "Main", Action: CrumbClose}}
	if len(state.Contexts) > 0 {
		if compact := compactContext(state.Contexts[0], e.separator); compact != "" {
			out = append(out, Crumb{Label: compact, Action: CrumbFirstStep})
		}
	}
	if len(state.Resources) > 0 && state.Resources[0].Locator != "" {
		out = append(out, Crumb{Label: pattern.Basename(state.Resources[0].Locator)})
	}
	return out
}

func compactContext(ctx model.RowContext, sep string) string {
	parts := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		v, _ := ctx.Field(i)
		if v == "" {
			continue
		}
		parts = append(parts, crumbUnsafe.ReplaceAllString(v, "_"))
	}
	joined := strings.Join(parts, sep)
	if len(joined) > crumbLimit {
		joined = joined[:crumbLimit]
	}
	return joined
}

// PresetTable holds search presets by trigger column, then by step.
type PresetTable map[int][][]model.SearchPreset

// SearchPresets returns the presets configured for the current state's
// trigger column and step.
func (e *Engine) SearchPresets(table PresetTable) []model.SearchPreset {
	state, ok := e.history.Current()
	if !ok || table == nil {
		return nil
	}
	byStep := table[state.TriggerColumn]
	if state.Step < 0 || state.Step >= len(byStep) {
		return nil
	}
	return byStep[state.Step]
}
