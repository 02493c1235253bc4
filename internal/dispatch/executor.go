package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/db"
	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/metrics"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/security"
)

var ErrEmptyCommand = errors.New("empty command")

type RunResult struct {
	Output   string
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches a process without waiting for it to exit.
	Start(name string, args ...string) error
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

func (OSRunner) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait() //nolint:errcheck
	return nil
}

// Auditor persists one record per dispatched batch.
type Auditor interface {
	RecordDispatch(ctx context.Context, rec db.DispatchRecord) (db.DispatchRecord, error)
}

type Options struct {
	Shell        string
	Timeout      time.Duration
	RetryBackoff []time.Duration
	// DetachLast starts the final command of a batch without waiting, for
	// long-lived viewers such as ttyd.
	DetachLast bool
	Runner     Runner
	Audit      Auditor
	Health     HealthPolicy
	Logger     *zap.Logger
	Now        func() time.Time
}

// Executor runs shell command batches through the configured shell.
type Executor struct {
	opts   Options
	runner Runner
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	health HealthState
}

func NewExecutor(opts Options) *Executor {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Health == (HealthPolicy{}) {
		opts.Health = DefaultHealthPolicy()
	}
	e := &Executor{
		opts:   opts,
		runner: opts.Runner,
		logger: logging.OrNop(opts.Logger),
		now:    opts.Now,
	}
	if e.runner == nil {
		e.runner = OSRunner{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Run executes commands in order and stops at the first failure. Every
// batch is audited with its commands redacted.
func (e *Executor) Run(ctx context.Context, commands []string) error {
	_, err := e.RunBatch(ctx, commands)
	return err
}

func (e *Executor) RunBatch(ctx context.Context, commands []string) ([]RunResult, error) {
	cmds := make([]string, 0, len(commands))
	for _, c := range commands {
		if strings.TrimSpace(c) != "" {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) == 0 {
		return nil, ErrEmptyCommand
	}

	started := e.now().UTC()
	results := make([]RunResult, 0, len(cmds))
	var runErr error
	for i, c := range cmds {
		if e.opts.DetachLast && i == len(cmds)-1 {
			if err := e.runner.Start(e.opts.Shell, "-c", c); err != nil {
				runErr = fmt.Errorf("%s: start %q: %w", model.ErrDispatchFailed, security.RedactCommand(c), err)
				break
			}
			results = append(results, RunResult{})
			continue
		}
		res, err := e.runOne(ctx, c)
		if err != nil {
			runErr = err
			break
		}
		results = append(results, res)
	}

	outcome := Classify(ctx, runErr)
	e.observe(outcome)
	e.audit(ctx, cmds, started, runErr)
	if runErr != nil {
		e.logger.Warn("dispatch failed",
			zap.Strings("commands", security.RedactCommands(cmds)),
			zap.Stringer("outcome", outcome),
			zap.Error(runErr))
		return results, runErr
	}
	e.logger.Debug("dispatch ok", zap.Int("commands", len(cmds)))
	return results, nil
}

func (e *Executor) runOne(ctx context.Context, command string) (RunResult, error) {
	maxAttempts := 1 + len(e.opts.RetryBackoff)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
		out, err := e.runner.Run(runCtx, e.opts.Shell, "-c", command)
		cancel()
		elapsed := time.Since(start)
		metrics.DispatchDuration.Observe(elapsed.Seconds())
		metrics.DispatchAttempts.WithLabelValues(metrics.Result(err)).Inc()
		if err == nil {
			return RunResult{Output: string(out), Duration: elapsed}, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			break
		}

		if attempt < maxAttempts {
			backoff := e.opts.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return RunResult{}, fmt.Errorf("%s: %w", model.ErrDispatchFailed, ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}
	}
	return RunResult{}, fmt.Errorf("%s: %q: %w", model.ErrDispatchFailed, security.RedactCommand(command), lastErr)
}

// isRetryable is false for a command that ran and exited non-zero; only
// timeouts and start failures are retried.
func isRetryable(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false
	}
	return true
}

func (e *Executor) audit(ctx context.Context, cmds []string, started time.Time, runErr error) {
	if e.opts.Audit == nil {
		return
	}
	rec := db.DispatchRecord{
		Commands:   security.RedactCommands(cmds),
		Result:     metrics.Result(runErr),
		StartedAt:  started,
		FinishedAt: e.now().UTC(),
	}
	if runErr != nil {
		rec.ErrorMessage = security.RedactCommand(runErr.Error())
	}
	if _, err := e.opts.Audit.RecordDispatch(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("record dispatch audit", zap.Error(err))
	}
}

func (e *Executor) observe(outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.health.Current
	e.health = NextHealth(e.opts.Health, e.health, outcome, e.now())
	if prev != "" && prev != e.health.Current {
		e.logger.Info("dispatch health changed",
			zap.String("from", string(prev)),
			zap.String("to", string(e.health.Current)))
	}
}

// Health returns the dispatcher health derived from recent batches. Only
// batches the shell could not run count against it.
func (e *Executor) Health() HealthState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health.Current == "" {
		return HealthState{Current: HealthOK}
	}
	return e.health
}
