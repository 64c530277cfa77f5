// Package clustering assigns incoming signals to canonical events: it finds
// the open event a signal belongs to, merges or creates it, and drives that
// over a time-windowed batch.
package clustering

import (
	"context"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
)

// DefaultMatchWindow is how far an event's last update may lie from a signal's
// timestamp, in either direction, for the event to absorb it.
const DefaultMatchWindow = 30 * 24 * time.Hour

// candidateLimit bounds the rows fetched per lookup; only the freshest is used.
const candidateLimit = 5

// Matcher finds the open event a signal should merge into.
type Matcher struct {
	window time.Duration
}

// NewMatcher creates a matcher with the given lookback window.
func NewMatcher(window time.Duration) *Matcher {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Matcher{window: window}
}

// Window returns the configured lookback window.
func (m *Matcher) Window() time.Duration {
	return m.window
}

// FindCandidate returns the active event with the same incident type and
// region whose last update is within the window of the signal's timestamp,
// preferring the most recently updated one. The window is bounded on both
// sides so that re-running an old signal cannot reach a later event. It returns nil when a new event is needed.
// Signals missing required fields are rejected with a *models.ValidationError.
func (m *Matcher) FindCandidate(ctx context.Context, tx store.Tx, sig models.Signal) (*models.Event, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	from, to := sig.CreatedAt.Add(-m.window), sig.CreatedAt.Add(m.window)
	events, err := tx.ListOpenEvents(ctx, sig.Key(), from, to, candidateLimit)
	if err != nil {
		return nil, &models.PersistenceError{Op: "find candidate event", Err: err}
	}

	return freshest(events), nil
}

// freshest picks the most recently updated event; ties go to the later
// detection, then the larger id, so the choice never depends on row order.
func freshest(events []models.Event) *models.Event {
	var best *models.Event
	for i := range events {
		ev := &events[i]
		if !ev.IsActive() {
			continue
		}
		if best == nil || fresher(ev, best) {
			best = ev
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func fresher(a, b *models.Event) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	if !a.FirstDetected.Equal(b.FirstDetected) {
		return a.FirstDetected.After(b.FirstDetected)
	}
	return a.ID > b.ID
}
