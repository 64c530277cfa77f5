package clustering

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flashreport/flashreport/internal/logging"
	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func signal(id, article, typ, region string, sev models.Severity, conf float64, at time.Time, summary string) models.Signal {
	return models.Signal{
		ID:           id,
		ArticleID:    article,
		IncidentType: typ,
		Region:       region,
		Severity:     sev,
		Confidence:   conf,
		Summary:      summary,
		CreatedAt:    at,
	}
}

func newPipeline(t *testing.T, st PipelineStore, workers int, now time.Time) *Pipeline {
	t.Helper()
	p := NewPipeline(st, Config{MatchWindow: 30 * 24 * time.Hour, Workers: workers}, nil, logging.Discard())
	p.SetClock(func() time.Time { return now })
	return p
}

func insert(t *testing.T, st *store.MemoryStore, sigs ...models.Signal) {
	t.Helper()
	_, err := st.InsertSignals(context.Background(), sigs)
	require.NoError(t, err)
}

func TestPipeline_CreateThenMergeScenario(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st,
		signal("A", "art-a", "flood", "Lagos", models.SeverityLow, 0.4, t0, "Flooding reported in Lekki"),
		signal("B", "art-b", "flood", "Lagos", models.SeverityHigh, 0.6, t0.Add(time.Hour), "Major flooding across Lagos Island"),
	)

	metrics, err := newPipeline(t, st, 1, t0.Add(2*time.Hour)).Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, Metrics{Total: 2, NewEvents: 1, MergedEvents: 1}, metrics)

	events := st.Events()
	require.Len(t, events, 1)
	e1 := events[0]
	assert.Equal(t, models.SeverityHigh, e1.Severity)
	assert.Equal(t, 0.6, e1.Confidence)
	assert.Equal(t, "Major flooding across Lagos Island", e1.Title)
	assert.Equal(t, models.EventStatusOngoing, e1.Status)
	assert.True(t, e1.FirstDetected.Equal(t0))
	assert.True(t, e1.LastUpdated.Equal(t0.Add(time.Hour)))
	assert.Len(t, st.Links(e1.ID), 2)
}

func TestPipeline_SignalOutsideWindowCreatesNewEvent(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st,
		signal("A", "art-a", "flood", "Lagos", models.SeverityLow, 0.4, t0, "Flooding reported"),
		signal("C", "art-c", "flood", "Lagos", models.SeverityLow, 0.3, t0.Add(40*24*time.Hour), "Fresh flooding"),
	)

	metrics, err := newPipeline(t, st, 1, t0.Add(41*24*time.Hour)).Run(context.Background(), 60*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, metrics.NewEvents)
	assert.Equal(t, 0, metrics.MergedEvents)

	events := st.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "Flooding reported", events[0].Title)
	assert.Equal(t, models.EventStatusNew, events[0].Status)
	assert.Equal(t, "Fresh flooding", events[1].Title)
	assert.Equal(t, models.EventStatusNew, events[1].Status)
}

func TestPipeline_OneActiveEventPerKey(t *testing.T) {
	var sigs []models.Signal
	for i := 0; i < 12; i++ {
		region := "Lagos"
		if i%3 == 0 {
			region = "Kano"
		}
		sigs = append(sigs, signal(fmt.Sprintf("s%02d", i), fmt.Sprintf("art-%d", i), "flood", region,
			models.SeverityLow, 0.1*float64(i%10), t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("report %d", i)))
	}

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			st := store.NewMemoryStore()
			insert(t, st, sigs...)

			metrics, err := newPipeline(t, st, workers, t0.Add(time.Hour)).Run(context.Background(), 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 12, metrics.Total)
			assert.Equal(t, 2, metrics.NewEvents)
			assert.Equal(t, 10, metrics.MergedEvents)

			byRegion := map[string]int{}
			links := 0
			for _, ev := range st.Events() {
				byRegion[ev.Region]++
				links += len(st.Links(ev.ID))
			}
			assert.Equal(t, map[string]int{"Lagos": 1, "Kano": 1}, byRegion)
			assert.Equal(t, 12, links)
		})
	}
}

func TestPipeline_SeverityMonotonicAndConfidenceMax(t *testing.T) {
	st := store.NewMemoryStore()
	severities := []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityLow, models.SeverityHigh, models.SeverityMedium}
	confidences := []float64{0.5, 0.2, 0.9, 0.3, 0.7}
	p := newPipeline(t, st, 1, t0.Add(time.Hour))

	lastRank := -1
	for i := range severities {
		sig := signal(fmt.Sprintf("s%d", i), fmt.Sprintf("art-%d", i), "armed attack", "Zamfara", severities[i], confidences[i], t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("summary %d", i))
		outcome := p.ProcessSignal(context.Background(), sig)
		require.NoError(t, outcome.Err)

		events := st.Events()
		require.Len(t, events, 1)
		rank := events[0].Severity.Rank()
		assert.GreaterOrEqual(t, rank, lastRank, "severity must not decrease at step %d", i)
		lastRank = rank
	}

	ev := st.Events()[0]
	assert.Equal(t, models.SeverityHigh, ev.Severity)
	assert.Equal(t, 0.9, ev.Confidence)
	assert.Equal(t, "summary 2", ev.Title)
}

func TestPipeline_InvalidSignalDoesNotAbortBatch(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st,
		signal("bad", "", "flood", "Lagos", models.SeverityHigh, 0.9, t0, "no article"),
		signal("good", "art-1", "flood", "Lagos", models.SeverityLow, 0.4, t0.Add(time.Minute), "valid"),
		signal("bad2", "art-2", "", "Lagos", models.SeverityLow, 0.4, t0.Add(2*time.Minute), "no type"),
	)

	metrics, err := newPipeline(t, st, 1, t0.Add(time.Hour)).Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, Metrics{Total: 3, NewEvents: 1, Failed: 2, Invalid: 2}, metrics)
	require.Len(t, st.Events(), 1)
	assert.Equal(t, models.SeverityLow, st.Events()[0].Severity)
}

func TestPipeline_RerunIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st,
		signal("A", "art-a", "flood", "Lagos", models.SeverityLow, 0.4, t0, "first"),
		signal("B", "art-b", "flood", "Lagos", models.SeverityMedium, 0.6, t0.Add(time.Hour), "second"),
	)
	p := newPipeline(t, st, 1, t0.Add(2*time.Hour))

	_, err := p.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	before := st.Events()

	metrics, err := p.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.MergedEvents)
	assert.Equal(t, 0, metrics.NewEvents)

	after := st.Events()
	require.Len(t, after, 1)
	assert.Equal(t, before[0], after[0])
	assert.Len(t, st.Links(after[0].ID), 2)
}

func TestPipeline_RerunAcrossTwoEventsForSameKey(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st,
		signal("A", "art-a", "flood", "Lagos", models.SeverityHigh, 0.9, t0, "old flood"),
		signal("C", "art-c", "flood", "Lagos", models.SeverityLow, 0.3, t0.Add(40*24*time.Hour), "new flood"),
	)
	p := newPipeline(t, st, 1, t0.Add(41*24*time.Hour))

	first, err := p.Run(context.Background(), 60*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewEvents)
	before := st.Events()
	require.Len(t, before, 2)

	second, err := p.Run(context.Background(), 60*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Total: 2, MergedEvents: 2}, second)

	after := st.Events()
	require.Len(t, after, 2)
	assert.Equal(t, before, after)

	e1, e2 := after[0], after[1]
	assert.Equal(t, "old flood", e1.Title)
	assert.Equal(t, models.SeverityLow, e2.Severity)
	assert.Equal(t, 0.3, e2.Confidence)
	assert.Equal(t, "new flood", e2.Title)

	require.Len(t, st.Links(e1.ID), 1)
	assert.Equal(t, "art-a", st.Links(e1.ID)[0].ArticleID)
	require.Len(t, st.Links(e2.ID), 1)
	assert.Equal(t, "art-c", st.Links(e2.ID)[0].ArticleID)
}

func TestPipeline_RerunAfterResolveLeavesNewerEventAlone(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st, signal("A", "art-a", "flood", "Lagos", models.SeverityHigh, 0.9, t0, "old flood"))
	p := newPipeline(t, st, 1, t0.Add(2*time.Hour))

	_, err := p.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	e1 := st.Events()[0]
	e1.Status, e1.Resolved = models.EventStatusResolved, true
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpdateEvent(context.Background(), e1)
	}))

	insert(t, st, signal("B", "art-b", "flood", "Lagos", models.SeverityLow, 0.3, t0.Add(time.Hour), "new flood"))
	metrics, err := p.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Total: 2, NewEvents: 1, Replayed: 1}, metrics)

	events := st.Events()
	require.Len(t, events, 2)
	e2 := events[1]
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, models.SeverityLow, e2.Severity)
	assert.Equal(t, "new flood", e2.Title)
	require.Len(t, st.Links(e2.ID), 1)
	assert.Equal(t, "art-b", st.Links(e2.ID)[0].ArticleID)
	assert.Equal(t, models.EventStatusResolved, events[0].Status)
}

func TestMatcher_WindowIsBoundedOnBothSides(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateEvent(context.Background(), &models.Event{
			ID: "later", IncidentType: "flood", Region: "Lagos", Status: models.EventStatusNew,
			FirstDetected: t0.Add(40 * 24 * time.Hour), LastUpdated: t0.Add(40 * 24 * time.Hour),
		})
	}))
	m := NewMatcher(30 * 24 * time.Hour)

	find := func(at time.Time) *models.Event {
		var got *models.Event
		require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
			var err error
			got, err = m.FindCandidate(context.Background(), tx, signal("x", "art-x", "flood", "Lagos", models.SeverityLow, 0.1, at, ""))
			return err
		}))
		return got
	}

	assert.Nil(t, find(t0))
	require.NotNil(t, find(t0.Add(20*24*time.Hour)))
	require.NotNil(t, find(t0.Add(60*24*time.Hour)))
	assert.Nil(t, find(t0.Add(80*24*time.Hour)))
}

func TestPipeline_ResolvedEventIsNotReopened(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateEvent(context.Background(), &models.Event{
			ID: "closed", IncidentType: "flood", Region: "Lagos", Status: models.EventStatusResolved,
			Resolved: true, FirstDetected: t0, LastUpdated: t0,
		})
	}))

	outcome := newPipeline(t, st, 1, t0.Add(time.Hour)).ProcessSignal(context.Background(),
		signal("A", "art-a", "flood", "Lagos", models.SeverityLow, 0.4, t0.Add(time.Minute), "new report"))
	require.NoError(t, outcome.Err)
	assert.Equal(t, OutcomeCreated, outcome.Kind)
	assert.NotEqual(t, "closed", outcome.EventID)
	assert.Len(t, st.Events(), 2)
}

type failingStore struct {
	*store.MemoryStore
	failRegion string
	fetchErr   error
}

func (f *failingStore) WithinKey(ctx context.Context, key models.MatchKey, fn func(store.Tx) error) error {
	if key.Region == f.failRegion {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.WithinKey(ctx, key, fn)
}

func (f *failingStore) ListSignalsSince(ctx context.Context, since time.Time) ([]models.Signal, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.MemoryStore.ListSignalsSince(ctx, since)
}

func TestPipeline_PersistenceFailureCountedAndContinues(t *testing.T) {
	mem := store.NewMemoryStore()
	insert(t, mem,
		signal("A", "art-a", "flood", "Kano", models.SeverityLow, 0.4, t0, "kano"),
		signal("B", "art-b", "flood", "Lagos", models.SeverityLow, 0.4, t0.Add(time.Minute), "lagos"),
	)
	st := &failingStore{MemoryStore: mem, failRegion: "Kano"}

	p := newPipeline(t, st, 1, t0.Add(time.Hour))
	metrics, err := p.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Total: 2, NewEvents: 1, Failed: 1}, metrics)

	outcome := p.ProcessSignal(context.Background(), signal("C", "art-c", "flood", "Kano", models.SeverityLow, 0.4, t0, "kano"))
	assert.Equal(t, OutcomeFailed, outcome.Kind)
	var perr *models.PersistenceError
	assert.ErrorAs(t, outcome.Err, &perr)
}

func TestPipeline_FetchFailureIsReported(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore(), fetchErr: errors.New("db down")}

	_, err := newPipeline(t, st, 1, t0).Run(context.Background(), time.Hour)
	require.Error(t, err)
	var perr *models.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) ObserveSignal(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[outcome]++
}

func TestPipeline_RecordsOutcomes(t *testing.T) {
	st := store.NewMemoryStore()
	insert(t, st,
		signal("A", "art-a", "flood", "Lagos", models.SeverityLow, 0.4, t0, "a"),
		signal("B", "art-b", "flood", "Lagos", models.SeverityLow, 0.4, t0.Add(time.Minute), "b"),
		signal("C", "", "flood", "Lagos", models.SeverityLow, 0.4, t0.Add(2*time.Minute), "c"),
	)
	rec := &countingRecorder{counts: map[string]int{}}
	p := NewPipeline(st, Config{}, rec, logging.Discard())
	p.SetClock(func() time.Time { return t0.Add(time.Hour) })

	_, err := p.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"created": 1, "merged": 1, "invalid": 1}, rec.counts)
}

func TestMergeSignal(t *testing.T) {
	base := models.Event{
		ID:          "e1",
		Title:       "original",
		Severity:    models.SeverityMedium,
		Confidence:  0.5,
		Status:      models.EventStatusNew,
		LastUpdated: t0,
	}

	t.Run("equal confidence keeps title", func(t *testing.T) {
		got := MergeSignal(base, signal("s", "a", "flood", "Lagos", models.SeverityLow, 0.5, t0.Add(time.Minute), "other"), false)
		assert.Equal(t, "original", got.Title)
		assert.Equal(t, models.SeverityMedium, got.Severity)
		assert.Equal(t, models.EventStatusOngoing, got.Status)
	})

	t.Run("alert is never downgraded", func(t *testing.T) {
		alerted := base
		alerted.Status = models.EventStatusAlert
		got := MergeSignal(alerted, signal("s", "a", "flood", "Lagos", models.SeverityLow, 0.1, t0.Add(time.Minute), "x"), false)
		assert.Equal(t, models.EventStatusAlert, got.Status)
	})

	t.Run("older signal does not rewind last update", func(t *testing.T) {
		got := MergeSignal(base, signal("s", "a", "flood", "Lagos", models.SeverityLow, 0.1, t0.Add(-time.Hour), "x"), false)
		assert.True(t, got.LastUpdated.Equal(t0))
	})

	t.Run("replay keeps status", func(t *testing.T) {
		got := MergeSignal(base, signal("s", "a", "flood", "Lagos", models.SeverityHigh, 0.9, t0, "louder"), true)
		assert.Equal(t, models.EventStatusNew, got.Status)
		assert.Equal(t, models.SeverityHigh, got.Severity)
		assert.Equal(t, "louder", got.Title)
	})
}

func TestMatcher_PrefersFreshestEvent(t *testing.T) {
	events := []models.Event{
		{ID: "a", Status: models.EventStatusNew, LastUpdated: t0, FirstDetected: t0},
		{ID: "b", Status: models.EventStatusNew, LastUpdated: t0.Add(time.Hour), FirstDetected: t0},
		{ID: "c", Status: models.EventStatusNew, LastUpdated: t0.Add(time.Hour), FirstDetected: t0.Add(time.Minute)},
		{ID: "d", Status: models.EventStatusResolved, LastUpdated: t0.Add(2 * time.Hour), FirstDetected: t0},
	}
	got := freshest(events)
	require.NotNil(t, got)
	assert.Equal(t, "c", got.ID)

	assert.Nil(t, freshest(nil))
}

func TestMatcher_RejectsInvalidSignal(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewMatcher(0)
	assert.Equal(t, DefaultMatchWindow, m.Window())

	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := m.FindCandidate(context.Background(), tx, models.Signal{ID: "x"})
		return err
	})
	assert.True(t, models.IsValidation(err))
}
