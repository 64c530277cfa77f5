// Package eventmanager runs one full pipeline cycle: clustering recent signals
// into events, then analyzing the clusters that still need it, and records
// the outcome.
package eventmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/flashreport/flashreport/internal/analysis"
	"github.com/flashreport/flashreport/internal/clustering"
	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
)

// ErrCycleRunning is returned when a cycle is requested while one is active.
var ErrCycleRunning = errors.New("pipeline cycle already running")

// Clusterer assigns recent signals to events.
type Clusterer interface {
	Run(ctx context.Context, lookback time.Duration) (clustering.Metrics, error)
}

// Analyzer reviews pending clusters.
type Analyzer interface {
	Run(ctx context.Context) (analysis.Metrics, error)
}

// RunObserver receives cycle timings, typically a Prometheus collector.
type RunObserver interface {
	ObserveRun(duration time.Duration, success bool, finished time.Time)
}

// CycleResult is what a cycle reports to its caller.
type CycleResult struct {
	RunID      string             `json:"run_id"`
	Success    bool               `json:"success"`
	Clustering clustering.Metrics `json:"clustering"`
	Analysis   analysis.Metrics   `json:"analysis"`
	DurationMs int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
}

// Manager orchestrates pipeline cycles.
type Manager struct {
	clusterer Clusterer
	analyzer  Analyzer
	runs      store.RunLog
	observer  RunObserver
	lookback  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	running   atomic.Bool
}

// NewManager creates a Manager. runs and observer may be nil.
func NewManager(clusterer Clusterer, analyzer Analyzer, runs store.RunLog, observer RunObserver, lookback time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		clusterer: clusterer,
		analyzer:  analyzer,
		runs:      runs,
		observer:  observer,
		lookback:  lookback,
		logger:    logger,
		now:       time.Now,
	}
}

// Running reports whether a cycle is in progress.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// RunCycle clusters signals from the lookback window and then analyzes
// pending clusters. Per-signal and per-batch failures only show up in the
// metrics; the returned error is set when a stage could not run at all, and
// Success is false in that case. Only one cycle runs at a time.
func (m *Manager) RunCycle(ctx context.Context) (result CycleResult, err error) {
	if !m.running.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleRunning
	}
	defer m.running.Store(false)

	start := m.now()
	run := models.PipelineRun{StartedAt: start.UTC()}
	m.startRun(ctx, &run)
	result.RunID = run.ID

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline cycle panicked: %v", r)
			m.logger.Error("pipeline cycle panicked", "panic", r)
		}
		if err != nil {
			result.Success = false
			result.Error = err.Error()
		}
		finished := m.now()
		result.DurationMs = finished.Sub(start).Milliseconds()
		m.finishRun(ctx, run, result, finished)
		if m.observer != nil {
			m.observer.ObserveRun(finished.Sub(start), result.Success, finished)
		}
	}()

	m.logger.Info("pipeline cycle started", "run_id", run.ID, "lookback", m.lookback.String())

	result.Clustering, err = m.clusterer.Run(ctx, m.lookback)
	if err != nil {
		m.logger.Error("clustering stage failed", "run_id", run.ID, "error", err)
		return result, fmt.Errorf("clustering: %w", err)
	}

	result.Analysis, err = m.analyzer.Run(ctx)
	if err != nil {
		m.logger.Error("analysis stage failed", "run_id", run.ID, "error", err)
		return result, fmt.Errorf("analysis: %w", err)
	}

	result.Success = true
	m.logger.Info("pipeline cycle complete",
		"run_id", run.ID,
		"signals", result.Clustering.Total,
		"new_events", result.Clustering.NewEvents,
		"merged_events", result.Clustering.MergedEvents,
		"failed", result.Clustering.Failed,
		"clusters_analyzed", result.Analysis.Written,
		"duration_ms", m.now().Sub(start).Milliseconds())
	return result, nil
}

func (m *Manager) startRun(ctx context.Context, run *models.PipelineRun) {
	if m.runs == nil {
		return
	}
	if err := m.runs.StartRun(ctx, run); err != nil {
		m.logger.Warn("failed to record pipeline run start", "error", err)
		run.ID = ""
	}
}

// finishRun uses a detached context so a cancelled cycle is still recorded.
func (m *Manager) finishRun(ctx context.Context, run models.PipelineRun, result CycleResult, finished time.Time) {
	if m.runs == nil || run.ID == "" {
		return
	}
	at := finished.UTC()
	run.FinishedAt = &at
	run.Signals = result.Clustering.Total
	run.NewEvents = result.Clustering.NewEvents
	run.MergedEvents = result.Clustering.MergedEvents
	run.Failed = result.Clustering.Failed
	run.ClustersAnalyzed = result.Analysis.Written
	run.AnalysisBatches = result.Analysis.Batches
	run.AnalysisFailures = result.Analysis.FailedBatches
	run.Success = result.Success
	run.Error = result.Error

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.runs.FinishRun(writeCtx, run); err != nil {
		m.logger.Warn("failed to record pipeline run", "run_id", run.ID, "error", err)
	}
}

// ListRuns returns recent cycles, newest first.
func (m *Manager) ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	if m.runs == nil {
		return []models.PipelineRun{}, nil
	}
	return m.runs.ListRuns(ctx, limit)
}
