// Package scheduler triggers pipeline cycles on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flashreport/flashreport/internal/eventmanager"
)

// CycleRunner runs one pipeline cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (eventmanager.CycleResult, error)
}

// PipelineScheduler runs a cycle on start and then every interval. A tick
// that arrives while a cycle is still running is skipped.
type PipelineScheduler struct {
	runner   CycleRunner
	interval time.Duration
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
	busy     bool
}

// NewPipelineScheduler creates a scheduler.
func NewPipelineScheduler(runner CycleRunner, interval time.Duration, logger *slog.Logger) *PipelineScheduler {
	return &PipelineScheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start runs the scheduler loop until Stop is called or ctx is done.
func (s *PipelineScheduler) Start(ctx context.Context) {
	s.logger.Info("starting pipeline scheduler", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.trigger(ctx)

	for {
		select {
		case <-ticker.C:
			s.trigger(ctx)
		case <-s.stopChan:
			s.logger.Info("pipeline scheduler stopped")
			s.wg.Wait()
			return
		case <-ctx.Done():
			s.logger.Info("pipeline scheduler stopping due to context cancellation")
			s.wg.Wait()
			return
		}
	}
}

// Stop stops the scheduler. Safe to call more than once.
func (s *PipelineScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// trigger starts a cycle in the background unless one is in flight.
func (s *PipelineScheduler) trigger(ctx context.Context) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.logger.Warn("previous pipeline cycle still running, skipping tick")
		return
	}
	s.busy = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.busy = false
			s.mu.Unlock()
		}()

		result, err := s.runner.RunCycle(ctx)
		switch {
		case errors.Is(err, eventmanager.ErrCycleRunning):
			s.logger.Info("pipeline cycle already running elsewhere, skipping tick")
		case err != nil:
			s.logger.Error("scheduled pipeline cycle failed", "run_id", result.RunID, "error", err)
		default:
			s.logger.Info("scheduled pipeline cycle finished",
				"run_id", result.RunID,
				"duration_ms", result.DurationMs)
		}
	}()
}
