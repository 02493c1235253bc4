package dispatch

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Outcome is what a finished batch says about the dispatcher itself, as
// opposed to the commands it ran.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeExit is a command that ran and exited non-zero. The shell
	// works, so health treats it like OutcomeOK.
	OutcomeExit
	// OutcomeUnavailable is a shell that could not start a command, or a
	// command that hit the dispatch timeout.
	OutcomeUnavailable
	// OutcomeCanceled is a caller that went away mid-batch. It does not
	// move health either way.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeExit:
		return "exit"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify maps a batch error to an Outcome. ctx is the caller's context,
// not the per-command timeout context.
func Classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return OutcomeExit
	}
	if ctx.Err() != nil {
		return OutcomeCanceled
	}
	return OutcomeUnavailable
}

type HealthPolicy struct {
	// DownFailures unavailable batches inside DownWindow take the
	// dispatcher down.
	DownFailures     int
	DownWindow       time.Duration
	RecoverSuccesses int
}

func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		DownFailures:     3,
		DownWindow:       time.Minute,
		RecoverSuccesses: 2,
	}
}

type HealthState struct {
	Current              Health    `json:"current"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	FailingSince         time.Time `json:"failing_since,omitempty"`
	LastOutcome          string    `json:"last_outcome,omitempty"`
	LastTransitionAt     time.Time `json:"last_transition_at"`
}

func (s HealthState) moveTo(h Health, now time.Time) HealthState {
	s.Current = h
	s.LastTransitionAt = now
	return s
}

// NextHealth folds one batch outcome into state. The first unavailable
// batch degrades the dispatcher; DownFailures of them within DownWindow of
// the first take it down. A failure streak older than DownWindow starts
// over. Recovery needs RecoverSuccesses working batches in a row.
func NextHealth(policy HealthPolicy, state HealthState, outcome Outcome, now time.Time) HealthState {
	if state.Current == "" {
		state = state.moveTo(HealthOK, now)
	}
	if outcome == OutcomeCanceled {
		return state
	}
	state.LastOutcome = outcome.String()

	if outcome != OutcomeUnavailable {
		state.ConsecutiveFailures = 0
		state.FailingSince = time.Time{}
		state.ConsecutiveSuccesses++
		if state.Current != HealthOK && state.ConsecutiveSuccesses >= policy.RecoverSuccesses {
			state = state.moveTo(HealthOK, now)
		}
		return state
	}

	state.ConsecutiveSuccesses = 0
	if state.FailingSince.IsZero() || now.Sub(state.FailingSince) > policy.DownWindow {
		state.FailingSince = now
		state.ConsecutiveFailures = 0
	}
	state.ConsecutiveFailures++
	switch {
	case state.Current == HealthDown:
	case state.ConsecutiveFailures >= policy.DownFailures:
		state = state.moveTo(HealthDown, now)
	case state.Current == HealthOK:
		state = state.moveTo(HealthDegraded, now)
	}
	return state
}
