package rules

import (
	"fmt"
	"strings"

	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/rangeset"
)

// NoIndex marks an absent row or column index.
const NoIndex = -1

// Mode selects which selection strategy a Selector applies.
type Mode string

const (
	// ModeMulti returns every rule at the level whose event and range match.
	ModeMulti Mode = "multi"
	// ModeSingle returns at most one rule, with empty-range fallbacks.
	ModeSingle Mode = "single"
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeMulti):
		return ModeMulti, nil
	case string(ModeSingle), "legacy":
		return ModeSingle, nil
	default:
		return "", fmt.Errorf("unknown selector mode %q", raw)
	}
}

// SelectAll returns, in table order, every rule at level whose event index
// falls inside its range. A negative index never matches.
func SelectAll(rules []model.Rule, level, rowIndex, colIndex int) []model.Rule {
	cache := rangeset.NewCache()
	out := make([]model.Rule, 0, 2)
	for _, r := range rules {
		if r.Level != level {
			continue
		}
		var idx int
		switch r.Event {
		case model.EventRow:
			idx = rowIndex
		case model.EventCol:
			idx = colIndex
		default:
			continue
		}
		if idx < 0 {
			continue
		}
		if cache.Parse(strings.TrimSpace(r.Range)).Contains(idx) {
			out = append(out, r)
		}
	}
	return out
}

// SelectOne is the legacy single-rule strategy.
//
// Strict (allowEither false): the first rule at level with the requested
// event whose range matches; otherwise the first rule with that event and an
// empty range.
//
// Either (allowEither true): the first matching row rule, then the first
// matching col rule, then any rule at level with an empty range.
func SelectOne(rules []model.Rule, level int, event model.Event, rowIndex, colIndex int, allowEither bool) (model.Rule, bool) {
	cache := rangeset.NewCache()
	candidates := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if r.Level == level {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return model.Rule{}, false
	}

	matches := func(r model.Rule) bool {
		spec := cache.Parse(strings.TrimSpace(r.Range))
		switch r.Event {
		case model.EventRow:
			return spec.All || (rowIndex >= 0 && spec.Contains(rowIndex))
		case model.EventCol:
			return spec.All || (colIndex >= 0 && spec.Contains(colIndex))
		default:
			return false
		}
	}

	if allowEither {
		for _, want := range []model.Event{model.EventRow, model.EventCol} {
			for _, r := range candidates {
				if r.Event == want && matches(r) {
					return r, true
				}
			}
		}
		for _, r := range candidates {
			if strings.TrimSpace(r.Range) == "" {
				return r, true
			}
		}
		return model.Rule{}, false
	}

	for _, r := range candidates {
		if r.Event == event && matches(r) {
			return r, true
		}
	}
	for _, r := range candidates {
		if r.Event == event && strings.TrimSpace(r.Range) == "" {
			return r, true
		}
	}
	return model.Rule{}, false
}

// Selector applies one strategy chosen per rule-table generation.
type Selector struct {
	Mode Mode
}

func NewSelector(mode Mode) Selector {
	if mode == "" {
		mode = ModeMulti
	}
	return Selector{Mode: mode}
}

// Select returns the rules for a hop to level. In single mode the first
// level is matched strictly on event and deeper levels accept either event.
func (s Selector) Select(rules []model.Rule, level int, event model.Event, rowIndex, colIndex int) []model.Rule {
	if s.Mode == ModeSingle {
		return one(SelectOne(rules, level, event, rowIndex, colIndex, level > 1))
	}
	return SelectAll(rules, level, rowIndex, colIndex)
}

func one(r model.Rule, ok bool) []model.Rule {
	if !ok {
		return nil
	}
	return []model.Rule{r}
}
