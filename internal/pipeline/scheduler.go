package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	FastInterval time.Duration // default 15s
	SlowInterval time.Duration // default 10m
	StepTimeout  time.Duration // default 2m
	Logger       *slog.Logger
}

// Scheduler drives a Controller: the fast ticker runs a Step unless the
// controller is idle or a step is still in flight, the slow ticker rechecks
// for work while idle.
type Scheduler struct {
	ctrl   *Controller
	fast   time.Duration
	slow   time.Duration
	limit  time.Duration
	logger *slog.Logger

	stepping atomic.Bool
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler for ctrl.
func NewScheduler(ctrl *Controller, cfg SchedulerConfig) *Scheduler {
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = 15 * time.Second
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = 10 * time.Minute
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		ctrl:   ctrl,
		fast:   cfg.FastInterval,
		slow:   cfg.SlowInterval,
		limit:  cfg.StepTimeout,
		logger: cfg.Logger,
	}
}

// Run blocks until ctx is cancelled, then waits for the in-flight step.
// Call this in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("pipeline scheduler started",
		"fast_interval", s.fast,
		"slow_interval", s.slow,
		"step_timeout", s.limit)

	fast := time.NewTicker(s.fast)
	defer fast.Stop()
	slow := time.NewTicker(s.slow)
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("pipeline scheduler stopped")
			return

		case <-fast.C:
			s.tick(ctx)

		case <-slow.C:
			if err := s.ctrl.Recheck(ctx); err != nil {
				s.logger.Warn("recheck failed", "error", err)
			}
		}
	}
}

// tick starts a step in the background unless one is running.
func (s *Scheduler) tick(ctx context.Context) {
	if s.ctrl.Idle() {
		return
	}
	if !s.stepping.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stepping.Store(false)

		stepCtx, cancel := context.WithTimeout(ctx, s.limit)
		defer cancel()

		res, err := s.ctrl.Step(stepCtx)
		if err != nil {
			s.logger.Error("pipeline step failed",
				"action", res.Action,
				"upload_id", res.UploadID,
				"page", res.Page,
				"error", err)
			return
		}
		if stepCtx.Err() == context.DeadlineExceeded {
			s.logger.Warn("pipeline step timed out", "upload_id", res.UploadID, "page", res.Page, "timeout", s.limit)
		}
	}()
}
