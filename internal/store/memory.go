package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/google/uuid"
)

// MemoryStore implements Store in memory for tests and local development.
// Transactions work on a copy of the state that replaces the original on
// commit, so a failed unit of work leaves nothing behind.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	keys  *KeyLocker
}

var _ Store = (*MemoryStore)(nil)

type memoryState struct {
	signals  map[string]models.Signal
	articles map[string]models.Article
	events   map[string]models.Event
	links    map[string]map[string]models.EventArticle // event id -> article id -> link
	analyses map[string]models.Analysis
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			signals:  make(map[string]models.Signal),
			articles: make(map[string]models.Article),
			events:   make(map[string]models.Event),
			links:    make(map[string]map[string]models.EventArticle),
			analyses: make(map[string]models.Analysis),
		},
		keys: NewKeyLocker(),
	}
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		signals:  s.signals, // never mutated inside a transaction
		articles: s.articles,
		events:   make(map[string]models.Event, len(s.events)),
		links:    make(map[string]map[string]models.EventArticle, len(s.links)),
		analyses: make(map[string]models.Analysis, len(s.analyses)),
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.links {
		inner := make(map[string]models.EventArticle, len(v))
		for ak, av := range v {
			inner[ak] = av
		}
		c.links[k] = inner
	}
	for k, v := range s.analyses {
		c.analyses[k] = v
	}
	return c
}

// AddArticle stores an article record, as the acquisition collaborator would.
func (m *MemoryStore) AddArticle(article models.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	articles := make(map[string]models.Article, len(m.state.articles)+1)
	for k, v := range m.state.articles {
		articles[k] = v
	}
	articles[article.ID] = article
	m.state.articles = articles
}

// UpsertArticle implements ArticleWriter.
func (m *MemoryStore) UpsertArticle(ctx context.Context, article models.Article) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.AddArticle(article)
	return nil
}

// ListSignalsSince returns signals created at or after since, oldest first.
func (m *MemoryStore) ListSignalsSince(ctx context.Context, since time.Time) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]models.Signal, 0)
	for _, sig := range m.state.signals {
		if !sig.CreatedAt.Before(since) {
			result = append(result, sig)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// InsertSignals stores signals, ignoring ids already present.
func (m *MemoryStore) InsertSignals(ctx context.Context, signals []models.Signal) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]models.Signal, len(m.state.signals)+len(signals))
	for k, v := range m.state.signals {
		next[k] = v
	}
	inserted := 0
	for _, sig := range signals {
		if sig.ID == "" {
			sig.ID = uuid.New().String()
		}
		if _, ok := next[sig.ID]; ok {
			continue
		}
		next[sig.ID] = sig
		inserted++
	}
	m.state.signals = next
	return inserted, nil
}

// WithTx runs fn against a private copy of the state and publishes it on success.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memoryTx{state: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// WithinKey runs fn in a transaction while holding the lock for key.
func (m *MemoryStore) WithinKey(ctx context.Context, key models.MatchKey, fn func(Tx) error) error {
	unlock := m.keys.Lock(key)
	defer unlock()
	return m.WithTx(ctx, fn)
}

// ListUnanalyzedClusterRows implements ClusterReader.
func (m *MemoryStore) ListUnanalyzedClusterRows(ctx context.Context) ([]models.ClusterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]models.Event, 0)
	for _, ev := range m.state.events {
		if !ev.IsActive() {
			continue
		}
		if _, analyzed := m.state.analyses[ev.ID]; analyzed {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].LastUpdated.Equal(events[j].LastUpdated) {
			return events[i].LastUpdated.Before(events[j].LastUpdated)
		}
		return events[i].ID < events[j].ID
	})

	rows := make([]models.ClusterRow, 0, len(events))
	for _, ev := range events {
		links := m.sortedLinks(ev.ID)
		if len(links) == 0 {
			rows = append(rows, models.ClusterRow{Event: ev})
			continue
		}
		for _, link := range links {
			rows = append(rows, models.ClusterRow{
				Event:     ev,
				ArticleID: link.ArticleID,
				Text:      m.state.articles[link.ArticleID].Text(),
				Relevance: link.Relevance,
			})
		}
	}
	return rows, nil
}

func (m *MemoryStore) sortedLinks(eventID string) []models.EventArticle {
	links := make([]models.EventArticle, 0, len(m.state.links[eventID]))
	for _, l := range m.state.links[eventID] {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		if links[i].Relevance != links[j].Relevance {
			return links[i].Relevance > links[j].Relevance
		}
		return links[i].ArticleID < links[j].ArticleID
	})
	return links
}

// ListEvents returns events most recently updated first.
func (m *MemoryStore) ListEvents(ctx context.Context, limit int) ([]models.EventDetail, error) {
	return m.findEvents(func(models.Event) bool { return true }, limit), nil
}

// SearchEvents matches keyword against the incident type and, when set,
// region exactly, both case-insensitively.
func (m *MemoryStore) SearchEvents(ctx context.Context, keyword, region string, limit int) ([]models.EventDetail, error) {
	keyword = strings.ToLower(keyword)
	return m.findEvents(func(ev models.Event) bool {
		if !strings.Contains(strings.ToLower(ev.IncidentType), keyword) {
			return false
		}
		return region == "" || strings.EqualFold(ev.Region, region)
	}, limit), nil
}

func (m *MemoryStore) findEvents(match func(models.Event) bool, limit int) []models.EventDetail {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]models.Event, 0)
	for _, ev := range m.state.events {
		if match(ev) {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].LastUpdated.After(events[j].LastUpdated)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}

	details := make([]models.EventDetail, 0, len(events))
	for _, ev := range events {
		details = append(details, m.detail(ev))
	}
	return details
}

// GetEvent returns one event with its analysis and articles.
func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*models.EventDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.state.events[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	detail := m.detail(ev)
	return &detail, nil
}

func (m *MemoryStore) detail(ev models.Event) models.EventDetail {
	detail := models.EventDetail{Event: ev, Articles: []models.ArticleRef{}}
	if a, ok := m.state.analyses[ev.ID]; ok {
		a := a
		detail.Analysis = &a
	}
	for _, link := range m.sortedLinks(ev.ID) {
		art := m.state.articles[link.ArticleID]
		detail.Articles = append(detail.Articles, models.ArticleRef{
			ArticleID:   link.ArticleID,
			Title:       art.Title,
			URL:         art.URL,
			SourceName:  art.SourceName,
			Relevance:   link.Relevance,
			PublishedAt: art.PublishedAt,
		})
	}
	return detail
}

// Analysis returns the stored analysis for an event, for assertions.
func (m *MemoryStore) Analysis(eventID string) (models.Analysis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.analyses[eventID]
	return a, ok
}

// AnalysisCount returns the number of analysis rows.
func (m *MemoryStore) AnalysisCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.analyses)
}

// Events returns a snapshot of all events, ordered by first detection.
func (m *MemoryStore) Events() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]models.Event, 0, len(m.state.events))
	for _, ev := range m.state.events {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].FirstDetected.Equal(events[j].FirstDetected) {
			return events[i].FirstDetected.Before(events[j].FirstDetected)
		}
		return events[i].ID < events[j].ID
	})
	return events
}

// Links returns the article links of an event ordered by relevance.
func (m *MemoryStore) Links(eventID string) []models.EventArticle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLinks(eventID)
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) ListOpenEvents(ctx context.Context, key models.MatchKey, from, to time.Time, limit int) ([]models.Event, error) {
	result := make([]models.Event, 0)
	for _, ev := range t.state.events {
		if !ev.IsActive() || ev.IncidentType != key.IncidentType || ev.Region != key.Region {
			continue
		}
		if ev.LastUpdated.Before(from) || ev.LastUpdated.After(to) {
			continue
		}
		result = append(result, ev)
	}
	sortFreshestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memoryTx) FindLinkedEvent(ctx context.Context, key models.MatchKey, articleID string) (*models.Event, error) {
	var linked []models.Event
	for eventID, inner := range t.state.links {
		if _, ok := inner[articleID]; !ok {
			continue
		}
		ev := t.state.events[eventID]
		if ev.IncidentType == key.IncidentType && ev.Region == key.Region {
			linked = append(linked, ev)
		}
	}
	if len(linked) == 0 {
		return nil, models.ErrNotFound
	}
	sortFreshestFirst(linked)
	return &linked[0], nil
}

func sortFreshestFirst(events []models.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		if !a.FirstDetected.Equal(b.FirstDetected) {
			return a.FirstDetected.After(b.FirstDetected)
		}
		return a.ID > b.ID
	})
}

func (t *memoryTx) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, ok := t.state.events[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &ev, nil
}

func (t *memoryTx) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if _, exists := t.state.events[event.ID]; exists {
		return fmt.Errorf("event %s already exists", event.ID)
	}
	t.state.events[event.ID] = *event
	return nil
}

func (t *memoryTx) UpdateEvent(ctx context.Context, event models.Event) error {
	current, ok := t.state.events[event.ID]
	if !ok {
		return fmt.Errorf("event not found: %s: %w", event.ID, models.ErrNotFound)
	}
	event.FirstDetected = current.FirstDetected
	t.state.events[event.ID] = event
	return nil
}

func (t *memoryTx) LinkArticle(ctx context.Context, link models.EventArticle) (bool, error) {
	if _, ok := t.state.events[link.EventID]; !ok {
		return false, fmt.Errorf("event not found: %s: %w", link.EventID, models.ErrNotFound)
	}
	inner, ok := t.state.links[link.EventID]
	if !ok {
		inner = make(map[string]models.EventArticle)
		t.state.links[link.EventID] = inner
	}
	if _, exists := inner[link.ArticleID]; exists {
		return false, nil
	}
	inner[link.ArticleID] = link
	return true, nil
}

func (t *memoryTx) CountArticles(ctx context.Context, eventID string) (int, error) {
	return len(t.state.links[eventID]), nil
}

func (t *memoryTx) UpsertAnalysis(ctx context.Context, analysis models.Analysis) error {
	if _, ok := t.state.events[analysis.EventID]; !ok {
		return fmt.Errorf("event not found: %s: %w", analysis.EventID, models.ErrNotFound)
	}
	t.state.analyses[analysis.EventID] = analysis
	return nil
}
