package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jradfs/cpaagent/registry"
)

const (
	defaultPollInterval       = 5 * time.Second
	defaultCheckInterval      = 60 * time.Second
	defaultUnhealthyThreshold = 3
)

// Event captures a scheduler-driven health evaluation result.
type Event struct {
	Server         string
	PreviousStatus registry.Status
	Status         registry.Status
	Report         Report
}

// EventHandler handles scheduler health events.
type EventHandler func(event Event)

// SchedulerConfig controls background health scheduling behavior.
type SchedulerConfig struct {
	Store              registry.Store
	Prober             Prober
	PollInterval       time.Duration
	CheckInterval      time.Duration
	UnhealthyThreshold int
	Now                func() time.Time
	OnEvent            EventHandler
}

// Scheduler periodically probes registered servers based on per-server
// intervals and updates their registry status.
type Scheduler struct {
	store         registry.Store
	prober        Prober
	pollInterval  time.Duration
	checkInterval time.Duration
	threshold     int
	now           func() time.Time
	onEvent       EventHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a health scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("health: scheduler store is nil")
	}
	if cfg.Prober == nil {
		return nil, errors.New("health: scheduler prober is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}

	return &Scheduler{
		store:         cfg.Store,
		prober:        cfg.Prober,
		pollInterval:  cfg.PollInterval,
		checkInterval: cfg.CheckInterval,
		threshold:     cfg.UnhealthyThreshold,
		now:           cfg.Now,
		onEvent:       cfg.OnEvent,
	}, nil
}

// Start begins scheduler execution. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("health: scheduler is nil")
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
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop terminates scheduler execution and waits for the loop to exit.
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

// RunOnce evaluates every due registration exactly once.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	regs, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var errs []error
	for _, reg := range regs {
		if !reg.Enabled || reg.Status == registry.StatusDisabled {
			continue
		}
		if !s.due(reg, now) {
			continue
		}
		if err := s.evaluate(ctx, reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) due(reg registry.ServerRegistration, now time.Time) bool {
	if reg.LastHealthCheck.IsZero() {
		return true
	}
	interval := s.checkInterval
	if reg.Health != nil && reg.Health.IntervalSeconds > 0 {
		interval = time.Duration(reg.Health.IntervalSeconds) * time.Second
	}
	return !now.Before(reg.LastHealthCheck.Add(interval))
}

func (s *Scheduler) evaluate(ctx context.Context, reg registry.ServerRegistration) error {
	report, err := s.prober.Probe(ctx, reg)
	if err != nil {
		return err
	}

	previous := reg.Status
	threshold := s.threshold
	if reg.Health != nil && reg.Health.UnhealthyThreshold > 0 {
		threshold = reg.Health.UnhealthyThreshold
	}

	switch report.State {
	case StateHealthy:
		reg.Status = registry.StatusReady
		reg.HealthFailures = 0
	case StateUnhealthy:
		reg.HealthFailures++
		if reg.HealthFailures >= threshold {
			reg.Status = registry.StatusUnhealthy
		}
	}
	reg.LastHealthCheck = s.now()
	report.FailureCount = reg.HealthFailures

	if err := s.store.Upsert(ctx, reg); err != nil {
		return err
	}

	if reg.Status != previous {
		s.onEvent(Event{
			Server:         reg.Name,
			PreviousStatus: previous,
			Status:         reg.Status,
			Report:         report,
		})
	}
	return nil
}

var _ Monitor = (*Scheduler)(nil)
