package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
)

// OutcomeKind classifies what happened to one signal.
type OutcomeKind string

const (
	OutcomeCreated  OutcomeKind = "created"  // signal seeded a new event
	OutcomeMerged   OutcomeKind = "merged"   // signal joined an event that already had articles
	OutcomeReplayed OutcomeKind = "replayed" // signal's article already belongs to a closed event
	OutcomeInvalid  OutcomeKind = "invalid"  // signal failed validation
	OutcomeFailed   OutcomeKind = "failed"   // persistence failed
)

// Outcome is the per-signal result of a clustering step.
type Outcome struct {
	SignalID string
	EventID  string
	Kind     OutcomeKind
	Err      error
}

// Merger creates events from signals or folds signals into matched events.
type Merger struct{}

// NewMerger creates a Merger.
func NewMerger() *Merger {
	return &Merger{}
}

// Apply commits sig against candidate inside tx. With no candidate a new
// event is created; otherwise the candidate is re-read under the transaction
// and escalated. Either way the signal's article is linked exactly once.
func (m *Merger) Apply(ctx context.Context, tx store.Tx, sig models.Signal, candidate *models.Event) (Outcome, error) {
	if candidate == nil {
		return m.create(ctx, tx, sig)
	}
	return m.merge(ctx, tx, sig, candidate.ID)
}

// Replay handles a signal whose article is already linked to linked under
// the same key. An active event takes the signal again through the monotonic
// merge rules; a closed one is left untouched.
func (m *Merger) Replay(ctx context.Context, tx store.Tx, sig models.Signal, linked *models.Event) (Outcome, error) {
	if !linked.IsActive() {
		return Outcome{SignalID: sig.ID, EventID: linked.ID, Kind: OutcomeReplayed}, nil
	}
	return m.merge(ctx, tx, sig, linked.ID)
}

func (m *Merger) create(ctx context.Context, tx store.Tx, sig models.Signal) (Outcome, error) {
	event := NewEventFromSignal(sig)
	if err := tx.CreateEvent(ctx, &event); err != nil {
		return Outcome{}, &models.PersistenceError{Op: "create event", Err: err}
	}
	if _, err := tx.LinkArticle(ctx, linkFor(event.ID, sig)); err != nil {
		return Outcome{}, &models.PersistenceError{Op: "link article", Err: err}
	}
	return Outcome{SignalID: sig.ID, EventID: event.ID, Kind: OutcomeCreated}, nil
}

func (m *Merger) merge(ctx context.Context, tx store.Tx, sig models.Signal, eventID string) (Outcome, error) {
	current, err := tx.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Outcome{}, &models.PersistenceError{Op: "load event", Err: fmt.Errorf("event %s vanished: %w", eventID, err)}
		}
		return Outcome{}, &models.PersistenceError{Op: "load event", Err: err}
	}

	prior, err := tx.CountArticles(ctx, eventID)
	if err != nil {
		return Outcome{}, &models.PersistenceError{Op: "count articles", Err: err}
	}

	inserted, err := tx.LinkArticle(ctx, linkFor(eventID, sig))
	if err != nil {
		return Outcome{}, &models.PersistenceError{Op: "link article", Err: err}
	}

	updated := MergeSignal(*current, sig, !inserted)
	if err := tx.UpdateEvent(ctx, updated); err != nil {
		return Outcome{}, &models.PersistenceError{Op: "update event", Err: err}
	}

	kind := OutcomeMerged
	if prior == 0 {
		kind = OutcomeCreated
	}
	return Outcome{SignalID: sig.ID, EventID: eventID, Kind: kind}, nil
}

// NewEventFromSignal seeds a new event with status new.
func NewEventFromSignal(sig models.Signal) models.Event {
	title := strings.TrimSpace(sig.Summary)
	if title == "" {
		title = fmt.Sprintf("%s in %s", sig.IncidentType, sig.Region)
	}
	return models.Event{
		IncidentType:  sig.IncidentType,
		Location:      sig.Location,
		Region:        sig.Region,
		Title:         title,
		Severity:      models.ParseSeverity(string(sig.Severity)),
		Confidence:    sig.NormalizedConfidence(),
		Status:        models.EventStatusNew,
		FirstDetected: sig.CreatedAt,
		LastUpdated:   sig.CreatedAt,
	}
}

// MergeSignal folds sig into event:
//   - severity only moves up the low < medium < high scale;
//   - confidence becomes the running maximum;
//   - the title is replaced only when the signal is strictly more confident
//     than the event was before this merge;
//   - last update advances to the signal time, never backwards;
//   - a new event becomes ongoing; alert and resolved are never downgraded.
//
// A replay (the article was already linked) keeps the monotonic rules but
// leaves the status alone.
func MergeSignal(event models.Event, sig models.Signal, replay bool) models.Event {
	prior := event.Confidence
	conf := sig.NormalizedConfidence()

	event.Severity = event.Severity.Escalate(sig.Severity)
	if conf > prior {
		event.Confidence = conf
		if summary := strings.TrimSpace(sig.Summary); summary != "" {
			event.Title = summary
		}
	}
	if sig.CreatedAt.After(event.LastUpdated) {
		event.LastUpdated = sig.CreatedAt
	}
	if event.Location == "" {
		event.Location = sig.Location
	}
	if !replay && event.Status == models.EventStatusNew {
		event.Status = models.EventStatusOngoing
	}
	return event
}

func linkFor(eventID string, sig models.Signal) models.EventArticle {
	return models.EventArticle{
		EventID:   eventID,
		ArticleID: sig.ArticleID,
		Relevance: sig.NormalizedConfidence(),
	}
}
