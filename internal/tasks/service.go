// Package tasks edits the task collection one task at a time on top of the
// whole-collection store.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/promotion"
)

var (
	ErrInvalidTask = errors.New("invalid task")
	ErrNotFound    = errors.New("task not found")
)

// maxConflictRetries bounds read-modify-write retries on a stale revision.
const maxConflictRetries = 3

type Options struct {
	Store promotion.TaskStore
	// Lock is shared with the promotion aggregator so both writers of the
	// collection run one at a time in this process.
	Lock   *sync.Mutex
	Logger *zap.Logger
}

type Service struct {
	store    promotion.TaskStore
	lock     *sync.Mutex
	logger   *zap.Logger
	validate *validator.Validate
}

func New(opts Options) *Service {
	s := &Service{
		store:    opts.Store,
		lock:     opts.Lock,
		logger:   logging.OrNop(opts.Logger),
		validate: validator.New(),
	}
	if s.lock == nil {
		s.lock = &sync.Mutex{}
	}
	return s
}

func (s *Service) List(ctx context.Context) (model.TaskSet, error) {
	set, err := s.store.ReadAll(ctx)
	if err != nil {
		return model.TaskSet{}, fmt.Errorf("read tasks: %w", err)
	}
	return set, nil
}

// Normalize trims text fields, lowercases the status, defaults start to
// end, clamps progress to 0..100 and validates the result.
func (s *Service) Normalize(t model.Task) (model.Task, error) {
	t.ID = strings.TrimSpace(t.ID)
	t.Flow = strings.TrimSpace(t.Flow)
	t.Name = strings.TrimSpace(t.Name)
	t.Description = strings.TrimSpace(t.Description)
	t.Start = strings.TrimSpace(t.Start)
	t.End = strings.TrimSpace(t.End)
	t.Status = model.TaskStatus(strings.ToLower(strings.TrimSpace(string(t.Status))))
	if t.Start == "" {
		t.Start = t.End
	}
	if math.IsNaN(t.Progress) {
		t.Progress = 0
	}
	t.Progress = math.Max(0, math.Min(100, t.Progress))

	if err := s.validate.Struct(t); err != nil {
		return model.Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	start, _ := time.Parse(model.DateLayout, t.Start)
	end, _ := time.Parse(model.DateLayout, t.End)
	if start.After(end) {
		return model.Task{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidTask, t.Start, t.End)
	}
	return t, nil
}

// Upsert replaces the task with the same id in place or appends it. A
// status already written by a promotion is kept when the edit carries none.
func (s *Service) Upsert(ctx context.Context, t model.Task) (model.Task, error) {
	norm, err := s.Normalize(t)
	if err != nil {
		return model.Task{}, err
	}
	err = s.mutate(ctx, func(set *model.TaskSet) error {
		if idx := set.IndexOf(norm.ID); idx >= 0 {
			prev := set.Tasks[idx]
			if norm.Status == "" {
				norm.Status = prev.Status
			}
			if norm.Extra == nil {
				norm.Extra = prev.Extra
			}
			set.Tasks[idx] = norm
			return nil
		}
		set.Tasks = append(set.Tasks, norm)
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	s.logger.Info("task saved", zap.String("task_id", norm.ID))
	return norm, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	err := s.mutate(ctx, func(set *model.TaskSet) error {
		idx := set.IndexOf(id)
		if idx < 0 {
			return ErrNotFound
		}
		set.Tasks = append(set.Tasks[:idx], set.Tasks[idx+1:]...)
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("task deleted", zap.String("task_id", id))
	return nil
}

// Replace validates every task and writes the collection as a whole based
// on revision. Duplicate ids are rejected.
func (s *Service) Replace(ctx context.Context, tasks []model.Task, revision int64) error {
	seen := make(map[string]struct{}, len(tasks))
	out := make([]model.Task, 0, len(tasks))
	for i, t := range tasks {
		norm, err := s.Normalize(t)
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if _, dup := seen[norm.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidTask, norm.ID)
		}
		seen[norm.ID] = struct{}{}
		out = append(out, norm)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if err := s.store.WriteAll(ctx, model.TaskSet{Tasks: out, Revision: revision}); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	return nil
}

func (s *Service) mutate(ctx context.Context, fn func(*model.TaskSet) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		set, err := s.store.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("read tasks: %w", err)
		}
		set = set.Clone()
		if err := fn(&set); err != nil {
			return err
		}
		err = s.store.WriteAll(ctx, set)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrRevisionConflict) {
			break
		}
		s.logger.Debug("task write conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("write tasks: %w", lastErr)
}
