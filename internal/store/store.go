// Package store defines the persistence contract for signals, events, article
// links and analyses, and provides an in-memory implementation of it.
package store

import (
	"context"
	"time"

	"github.com/flashreport/flashreport/internal/models"
)

// SignalReader fetches signals for a clustering run.
type SignalReader interface {
	// ListSignalsSince returns signals created at or after since, oldest first.
	ListSignalsSince(ctx context.Context, since time.Time) ([]models.Signal, error)
}

// SignalWriter stores signals produced by the extraction collaborator.
type SignalWriter interface {
	// InsertSignals stores signals, ignoring ids that already exist, and
	// returns how many were inserted.
	InsertSignals(ctx context.Context, signals []models.Signal) (int, error)
}

// ArticleWriter stores article records alongside imported signals.
type ArticleWriter interface {
	UpsertArticle(ctx context.Context, article models.Article) error
}

// Transactor runs units of work atomically.
type Transactor interface {
	// WithTx runs fn inside one transaction. fn's error rolls it back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// WithinKey is WithTx while holding an exclusive lock on key, so that
	// match-then-write sequences for the same (type, region) never interleave.
	WithinKey(ctx context.Context, key models.MatchKey, fn func(Tx) error) error
}

// ClusterReader selects events that still need cluster analysis.
type ClusterReader interface {
	// ListUnanalyzedClusterRows returns one row per (active event without an
	// analysis, linked article), events by last update ascending and articles
	// by relevance descending. Events with no links yield one row with an
	// empty ArticleID.
	ListUnanalyzedClusterRows(ctx context.Context) ([]models.ClusterRow, error)
}

// EventReader serves the read API.
type EventReader interface {
	ListEvents(ctx context.Context, limit int) ([]models.EventDetail, error)
	SearchEvents(ctx context.Context, keyword, region string, limit int) ([]models.EventDetail, error)
	GetEvent(ctx context.Context, id string) (*models.EventDetail, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	SignalReader
	SignalWriter
	ArticleWriter
	Transactor
	ClusterReader
	EventReader
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	// ListOpenEvents returns active events for key whose last update lies in
	// [from, to], most recently updated first.
	ListOpenEvents(ctx context.Context, key models.MatchKey, from, to time.Time, limit int) ([]models.Event, error)

	// FindLinkedEvent returns the most recently updated event for key, in any
	// status, that articleID is already linked to. Returns models.ErrNotFound
	// when the article is not linked under key.
	FindLinkedEvent(ctx context.Context, key models.MatchKey, articleID string) (*models.Event, error)

	// GetEvent loads an event for update. Returns models.ErrNotFound if absent.
	GetEvent(ctx context.Context, id string) (*models.Event, error)

	// CreateEvent inserts event, assigning an id when empty.
	CreateEvent(ctx context.Context, event *models.Event) error

	// UpdateEvent persists the mutable fields of event.
	UpdateEvent(ctx context.Context, event models.Event) error

	// LinkArticle links an article to an event. inserted is false when the
	// link already existed.
	LinkArticle(ctx context.Context, link models.EventArticle) (inserted bool, err error)

	// CountArticles returns the number of articles linked to an event.
	CountArticles(ctx context.Context, eventID string) (int, error)

	// UpsertAnalysis inserts or replaces the analysis row for its event.
	UpsertAnalysis(ctx context.Context, analysis models.Analysis) error
}
