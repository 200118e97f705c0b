package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrScheduleNotFound is returned when a schedule ID is unknown.
var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule runs a stored workflow on a cron expression.
type Schedule struct {
	ID        string         `json:"id"`
	Workflow  string         `json:"workflow"`
	Cron      string         `json:"cron"`
	Input     map[string]any `json:"input,omitempty"`
	Enabled   bool           `json:"enabled"`
	NextRunAt time.Time      `json:"next_run_at,omitempty"`
	LastRunAt time.Time      `json:"last_run_at,omitempty"`
}

// NewSchedule creates an enabled schedule with its first activation computed.
func NewSchedule(workflow, cronExpr string, input map[string]any, now time.Time) (Schedule, error) {
	if strings.TrimSpace(workflow) == "" {
		return Schedule{}, errors.New("workflow: schedule workflow is required")
	}
	next, err := NextCronRunUTC(cronExpr, now)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Cron:      cronExpr,
		Input:     input,
		Enabled:   true,
		NextRunAt: next,
	}, nil
}

// ScheduleStore persists schedules and workflow definitions.
type ScheduleStore interface {
	PutSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	PutDefinition(ctx context.Context, def Definition) error
	GetDefinition(ctx context.Context, name string) (Definition, error)
	DeleteDefinition(ctx context.Context, name string) error
	ListDefinitions(ctx context.Context) ([]Definition, error)
}

// SchedulerConfig configures the workflow scheduler.
type SchedulerConfig struct {
	Store        ScheduleStore
	Engine       *Engine
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

const defaultSchedulePoll = 15 * time.Second

// Scheduler polls for due schedules and executes their workflows.
type Scheduler struct {
	store        ScheduleStore
	engine       *Engine
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a workflow scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("workflow: scheduler store is nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("workflow: scheduler engine is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePoll
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:        cfg.Store,
		engine:       cfg.Engine,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}, nil
}

// Start begins polling. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("workflow: scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := s.RunOnce(loopCtx); err != nil {
					s.logger.Warn("schedule sweep failed", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop terminates polling and waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every due schedule exactly once and advances its next
// activation.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var errs []error
	for _, schedule := range schedules {
		if !schedule.Enabled || schedule.NextRunAt.IsZero() || now.Before(schedule.NextRunAt) {
			continue
		}
		if err := s.fire(ctx, schedule, now); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", schedule.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, schedule Schedule, now time.Time) error {
	def, err := s.store.GetDefinition(ctx, schedule.Workflow)
	if err != nil {
		return err
	}

	run, err := s.engine.Execute(ctx, def, schedule.Input)
	if err != nil {
		return err
	}
	if run.Status == RunFailed {
		s.logger.Warn("scheduled workflow run failed",
			"workflow", schedule.Workflow, "run", run.ID, "error", run.Error)
	}

	schedule.LastRunAt = now
	next, err := NextCronRunUTC(schedule.Cron, now)
	if err != nil {
		return err
	}
	schedule.NextRunAt = next
	return s.store.PutSchedule(ctx, schedule)
}
