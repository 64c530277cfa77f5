package analysis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/notify"
	"github.com/flashreport/flashreport/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriteResult summarizes one applied response.
type WriteResult struct {
	Applied int // analysis rows written
	Skipped int // results naming unknown events
	Alerts  int // events newly moved to alert
}

// Writer applies parsed verdicts to events and analysis rows.
type Writer struct {
	tx        store.Transactor
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

// NewWriter creates a Writer. publisher may be nil.
func NewWriter(tx store.Transactor, publisher notify.Publisher, logger *slog.Logger) *Writer {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Writer{
		tx:        tx,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/flashreport/flashreport/internal/analysis"),
	}
}

// Save parses resp and applies every result in one transaction. A response
// that does not parse changes nothing and returns a *models.ParseError.
// Alerts are published after commit; publish failures are logged only.
func (w *Writer) Save(ctx context.Context, resp Response) (WriteResult, error) {
	results, err := ParseResponse(resp)
	if err != nil {
		w.logger.Error("discarding analysis response", "error", err)
		return WriteResult{}, err
	}
	return w.Apply(ctx, results)
}

// Apply writes already-parsed results.
func (w *Writer) Apply(ctx context.Context, results []Result) (WriteResult, error) {
	ctx, span := w.tracer.Start(ctx, "analysis.write", trace.WithAttributes(attribute.Int("results", len(results))))
	defer span.End()

	var (
		out     WriteResult
		pending []notify.Alert
	)
	now := w.now().UTC()

	err := w.tx.WithTx(ctx, func(tx store.Tx) error {
		out = WriteResult{}
		pending = pending[:0]

		for _, r := range results {
			current, err := tx.GetEvent(ctx, r.EventID)
			if errors.Is(err, models.ErrNotFound) {
				w.logger.Warn("analysis result for unknown event", "event_id", r.EventID)
				out.Skipped++
				continue
			}
			if err != nil {
				return err
			}

			updated, alerted := applyResult(*current, r, now)
			if err := tx.UpdateEvent(ctx, updated); err != nil {
				return err
			}
			if err := tx.UpsertAnalysis(ctx, models.Analysis{
				EventID:      r.EventID,
				SameIncident: r.SameIncident,
				Escalation:   r.Escalation,
				Alert:        r.Alert,
				Brief:        r.Brief,
				UpdatedAt:    now,
			}); err != nil {
				return err
			}

			out.Applied++
			if alerted {
				out.Alerts++
				pending = append(pending, notify.NewAlert(updated, r.Brief, now))
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return WriteResult{}, &models.PersistenceError{Op: "save analysis", Err: err}
	}

	for _, alert := range pending {
		if err := w.publisher.PublishAlert(ctx, alert); err != nil {
			w.logger.Error("failed to publish alert", "event_id", alert.EventID, "error", err)
		}
	}
	return out, nil
}

// applyResult sets alert status and high severity when flagged, never
// clearing either, and refreshes the last update. Resolved events keep
// their status. alerted reports a transition into alert.
func applyResult(ev models.Event, r Result, now time.Time) (models.Event, bool) {
	alerted := false
	if r.Alert && ev.IsActive() && ev.Status != models.EventStatusAlert {
		ev.Status = models.EventStatusAlert
		alerted = true
	}
	if r.Escalation {
		ev.Severity = ev.Severity.Escalate(models.SeverityHigh)
	}
	if now.After(ev.LastUpdated) {
		ev.LastUpdated = now
	}
	return ev, alerted
}
