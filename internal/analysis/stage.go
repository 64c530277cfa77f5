package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Metrics summarizes one analysis run.
type Metrics struct {
	Clusters      int `json:"clusters"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	Written       int `json:"written"`
	Skipped       int `json:"skipped"`
	Alerts        int `json:"alerts"`
}

// Recorder receives batch outcomes, typically a Prometheus collector.
type Recorder interface {
	ObserveAnalysisBatch(result string)
	AddAnalysisWrites(n int)
}

// Batch outcomes reported to the Recorder.
const (
	BatchOK            = "ok"
	BatchServiceError  = "service_error"
	BatchParseError    = "parse_error"
	BatchPersistError  = "persistence_error"
	defaultBatchSize   = 10
	defaultCallTimeout = 120 * time.Second
)

// StageConfig holds analysis stage settings.
type StageConfig struct {
	BatchSize    int
	Timeout      time.Duration // per provider call
	MinInterval  time.Duration // between provider calls
	Instructions string
	Retry        RetryPolicy
}

// Stage prepares, submits and writes back cluster analyses.
type Stage struct {
	preparer *Preparer
	provider Provider
	writer   *Writer
	cfg      StageConfig
	limiter  *rate.Limiter
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewStage wires a Stage. recorder may be nil.
func NewStage(preparer *Preparer, provider Provider, writer *Writer, cfg StageConfig, recorder Recorder, logger *slog.Logger) *Stage {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions()
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Stage{
		preparer: preparer,
		provider: provider,
		writer:   writer,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/flashreport/flashreport/internal/analysis"),
	}
}

// Enabled reports whether a provider is configured.
func (s *Stage) Enabled() bool {
	return s.provider != nil
}

// Run analyzes every pending cluster in batches. A failed batch is logged and
// counted; its events stay un-analyzed and are picked up by the next run.
// An error is returned only when the clusters cannot be selected or ctx ends.
func (s *Stage) Run(ctx context.Context) (Metrics, error) {
	if !s.Enabled() {
		s.logger.Info("cluster analysis disabled, skipping")
		return Metrics{}, nil
	}

	ctx, span := s.tracer.Start(ctx, "analysis.run")
	defer span.End()

	views, err := s.preparer.Prepare(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return Metrics{}, err
	}

	metrics := Metrics{Clusters: len(views)}
	if len(views) == 0 {
		s.logger.Info("no clusters to analyze")
		return metrics, nil
	}

	batches := Chunk(views, s.cfg.BatchSize)
	s.logger.Info("submitting clusters for analysis",
		"clusters", len(views),
		"batches", len(batches),
		"batch_size", s.cfg.BatchSize,
		"provider", s.provider.Name())

	for i, batch := range batches {
		if err := s.limiter.Wait(ctx); err != nil {
			return metrics, fmt.Errorf("analysis cancelled: %w", err)
		}

		metrics.Batches++
		result, outcome, err := s.runBatch(ctx, batch)
		s.observe(outcome)
		if err != nil {
			metrics.FailedBatches++
			s.logger.Error("analysis batch failed",
				"batch", i+1,
				"events", len(batch),
				"outcome", outcome,
				"error", err)
			continue
		}

		metrics.Written += result.Applied
		metrics.Skipped += result.Skipped
		metrics.Alerts += result.Alerts
		if s.recorder != nil {
			s.recorder.AddAnalysisWrites(result.Applied)
		}
	}

	span.SetAttributes(
		attribute.Int("clusters", metrics.Clusters),
		attribute.Int("batches", metrics.Batches),
		attribute.Int("batches.failed", metrics.FailedBatches),
		attribute.Int("analyses.written", metrics.Written),
	)
	s.logger.Info("cluster analysis complete",
		"clusters", metrics.Clusters,
		"batches", metrics.Batches,
		"failed_batches", metrics.FailedBatches,
		"written", metrics.Written,
		"alerts", metrics.Alerts)

	return metrics, nil
}

func (s *Stage) runBatch(ctx context.Context, batch []models.ClusterView) (WriteResult, string, error) {
	ctx, span := s.tracer.Start(ctx, "analysis.batch", trace.WithAttributes(attribute.Int("events", len(batch))))
	defer span.End()

	prompt, err := BuildPrompt(s.cfg.Instructions, batch)
	if err != nil {
		return WriteResult{}, BatchParseError, err
	}

	resp, err := s.call(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		return WriteResult{}, BatchServiceError, err
	}

	result, err := s.writer.Save(ctx, resp)
	if err != nil {
		span.RecordError(err)
		var perr *models.ParseError
		if errors.As(err, &perr) {
			return WriteResult{}, BatchParseError, err
		}
		return WriteResult{}, BatchPersistError, err
	}
	return result, BatchOK, nil
}

// call invokes the provider under the per-call timeout, retrying transient
// failures and timed-out attempts. Any final failure is an
// *models.ExternalServiceError.
func (s *Stage) call(ctx context.Context, prompt string) (Response, error) {
	var resp Response
	err := RetryWithTimeout(ctx, s.cfg.Retry, s.cfg.Timeout, func(callCtx context.Context) error {
		r, err := s.provider.Complete(callCtx, prompt)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, &models.ExternalServiceError{
			Provider: s.provider.Name(),
			Timeout:  errors.Is(err, context.DeadlineExceeded),
			Err:      err,
		}
	}
	return resp, nil
}

func (s *Stage) observe(outcome string) {
	if s.recorder != nil {
		s.recorder.ObserveAnalysisBatch(outcome)
	}
}
