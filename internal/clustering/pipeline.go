package clustering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Metrics summarizes one clustering run.
type Metrics struct {
	Total        int `json:"total"`
	NewEvents    int `json:"new_events"`
	MergedEvents int `json:"merged_events"`
	Replayed     int `json:"replayed"` // already linked to a closed event, left unchanged
	Failed       int `json:"failed"`
	Invalid      int `json:"invalid"` // subset of Failed rejected by validation
}

// Recorder receives per-signal outcomes, typically a Prometheus collector.
type Recorder interface {
	ObserveSignal(outcome string)
}

// PipelineStore is what the pipeline needs from persistence.
type PipelineStore interface {
	store.SignalReader
	store.Transactor
}

// Config holds pipeline settings.
type Config struct {
	MatchWindow time.Duration
	Workers     int
}

// Pipeline drives the matcher and merger over recent signals.
type Pipeline struct {
	store    PipelineStore
	matcher  *Matcher
	merger   *Merger
	workers  int
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPipeline creates a clustering pipeline. recorder may be nil.
func NewPipeline(st PipelineStore, cfg Config, recorder Recorder, logger *slog.Logger) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		store:    st,
		matcher:  NewMatcher(cfg.MatchWindow),
		merger:   NewMerger(),
		workers:  workers,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("github.com/flashreport/flashreport/internal/clustering"),
		now:      time.Now,
	}
}

// SetClock overrides the pipeline's notion of now.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Run clusters every signal created within lookback of now, oldest first.
// Individual signal failures are counted, never returned; an error means the
// signals could not be fetched or ctx was cancelled.
func (p *Pipeline) Run(ctx context.Context, lookback time.Duration) (Metrics, error) {
	ctx, span := p.tracer.Start(ctx, "clustering.run")
	defer span.End()

	start := p.now()
	since := start.Add(-lookback)

	signals, err := p.store.ListSignalsSince(ctx, since)
	if err != nil {
		err = &models.PersistenceError{Op: "fetch signals", Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, "signal fetch failed")
		return Metrics{}, err
	}

	p.logger.Info("processing signals", "count", len(signals), "since", since)

	tally := &tally{metrics: Metrics{Total: len(signals)}}
	if p.workers == 1 {
		err = p.runSequential(ctx, signals, tally)
	} else {
		err = p.runGrouped(ctx, signals, tally)
	}

	metrics := tally.snapshot()
	span.SetAttributes(
		attribute.Int("signals.total", metrics.Total),
		attribute.Int("events.new", metrics.NewEvents),
		attribute.Int("events.merged", metrics.MergedEvents),
		attribute.Int("signals.replayed", metrics.Replayed),
		attribute.Int("signals.failed", metrics.Failed),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clustering interrupted")
		return metrics, err
	}

	p.logger.Info("clustering complete",
		"total", metrics.Total,
		"new_events", metrics.NewEvents,
		"merged_events", metrics.MergedEvents,
		"replayed", metrics.Replayed,
		"failed", metrics.Failed,
		"duration_ms", time.Since(start).Milliseconds())

	return metrics, nil
}

func (p *Pipeline) runSequential(ctx context.Context, signals []models.Signal, t *tally) error {
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("clustering cancelled: %w", err)
		}
		t.add(p.ProcessSignal(ctx, sig))
	}
	return nil
}

// runGrouped partitions signals by match key. Keys run in parallel while each
// key's signals keep their oldest-first order.
func (p *Pipeline) runGrouped(ctx context.Context, signals []models.Signal, t *tally) error {
	order := make([]models.MatchKey, 0)
	groups := make(map[models.MatchKey][]models.Signal)
	for _, sig := range signals {
		key := sig.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], sig)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			return p.runSequential(gctx, group, t)
		})
	}
	return g.Wait()
}

// ProcessSignal validates, matches and commits one signal. The match and the
// write happen under the same key lock and transaction. A signal whose
// article is already linked under its key goes back to that event instead of
// being matched again, which keeps re-runs from touching other events.
func (p *Pipeline) ProcessSignal(ctx context.Context, sig models.Signal) Outcome {
	if err := sig.Validate(); err != nil {
		p.logger.Warn("invalid signal", "signal_id", sig.ID, "error", err)
		p.observe(OutcomeInvalid)
		return Outcome{SignalID: sig.ID, Kind: OutcomeInvalid, Err: err}
	}

	var outcome Outcome
	err := p.store.WithinKey(ctx, sig.Key(), func(tx store.Tx) error {
		linked, err := tx.FindLinkedEvent(ctx, sig.Key(), sig.ArticleID)
		if err == nil {
			outcome, err = p.merger.Replay(ctx, tx, sig, linked)
			return err
		}
		if !errors.Is(err, models.ErrNotFound) {
			return &models.PersistenceError{Op: "find linked event", Err: err}
		}

		candidate, err := p.matcher.FindCandidate(ctx, tx, sig)
		if err != nil {
			return err
		}
		outcome, err = p.merger.Apply(ctx, tx, sig, candidate)
		return err
	})
	if err != nil {
		kind := OutcomeFailed
		if models.IsValidation(err) {
			kind = OutcomeInvalid
		}
		var perr *models.PersistenceError
		if !errors.As(err, &perr) && kind == OutcomeFailed {
			err = &models.PersistenceError{Op: "assign signal", Err: err}
		}
		p.logger.Error("failed to assign signal to event",
			"signal_id", sig.ID,
			"article_id", sig.ArticleID,
			"incident_type", sig.IncidentType,
			"region", sig.Region,
			"error", err)
		p.observe(kind)
		return Outcome{SignalID: sig.ID, Kind: kind, Err: err}
	}

	p.logger.Debug("signal assigned",
		"signal_id", sig.ID,
		"event_id", outcome.EventID,
		"outcome", outcome.Kind)
	p.observe(outcome.Kind)
	return outcome
}

func (p *Pipeline) observe(kind OutcomeKind) {
	if p.recorder != nil {
		p.recorder.ObserveSignal(string(kind))
	}
}

type tally struct {
	mu      sync.Mutex
	metrics Metrics
}

func (t *tally) add(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o.Kind {
	case OutcomeCreated:
		t.metrics.NewEvents++
	case OutcomeMerged:
		t.metrics.MergedEvents++
	case OutcomeReplayed:
		t.metrics.Replayed++
	case OutcomeInvalid:
		t.metrics.Invalid++
		t.metrics.Failed++
	default:
		t.metrics.Failed++
	}
}

func (t *tally) snapshot() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}
