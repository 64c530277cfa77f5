package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements store.Store on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// DB exposes the pool for repositories sharing it.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping checks the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return HealthCheck(ctx, s.db)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const signalColumns = `id, article_id, incident_type, location, region, severity, confidence, summary, created_at`

// ListSignalsSince returns signals created at or after since, oldest first.
func (s *PostgresStore) ListSignalsSince(ctx context.Context, since time.Time) ([]models.Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE created_at >= $1
		ORDER BY created_at ASC, id ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	signals := make([]models.Signal, 0)
	for rows.Next() {
		var sig models.Signal
		var severity string
		if err := rows.Scan(&sig.ID, &sig.ArticleID, &sig.IncidentType, &sig.Location, &sig.Region,
			&severity, &sig.Confidence, &sig.Summary, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Severity = models.Severity(severity)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// InsertSignals stores signals, ignoring ids that already exist.
func (s *PostgresStore) InsertSignals(ctx context.Context, signals []models.Signal) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare signal insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, sig := range signals {
		if sig.ID == "" {
			sig.ID = uuid.New().String()
		}
		res, err := stmt.ExecContext(ctx, sig.ID, sig.ArticleID, sig.IncidentType, sig.Location, sig.Region,
			string(sig.Severity), sig.Confidence, sig.Summary, sig.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert signal %s: %w", sig.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit signals: %w", err)
	}
	return inserted, nil
}

// WithTx runs fn in a transaction, committing when it returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.withTx(ctx, "", fn)
}

// WithinKey takes a transaction-scoped advisory lock on key before running
// fn, so concurrent match-then-write sequences on one key are serialized
// across processes as well as goroutines.
func (s *PostgresStore) WithinKey(ctx context.Context, key models.MatchKey, fn func(store.Tx) error) error {
	return s.withTx(ctx, key.String(), fn)
}

func (s *PostgresStore) withTx(ctx context.Context, lockKey string, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if lockKey != "" {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("failed to lock %q: %w", lockKey, err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const eventColumns = `e.id, e.event_type, e.location, e.state, e.title, e.severity, e.confidence,
	e.status, e.first_detected, e.last_updated, e.resolved`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner, extra ...any) (models.Event, error) {
	var ev models.Event
	var severity, status string
	dest := []any{&ev.ID, &ev.IncidentType, &ev.Location, &ev.Region, &ev.Title, &severity,
		&ev.Confidence, &status, &ev.FirstDetected, &ev.LastUpdated, &ev.Resolved}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Event{}, err
	}
	ev.Severity = models.Severity(severity)
	ev.Status = models.EventStatus(status)
	return ev, nil
}

// validID reports whether id can be an events primary key. Ids coming back
// from the analysis service are free text and must not abort a transaction
// with a cast error.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ListUnanalyzedClusterRows implements store.ClusterReader.
func (s *PostgresStore) ListUnanalyzedClusterRows(ctx context.Context) ([]models.ClusterRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`,
			ea.article_id, COALESCE(NULLIF(a.title, ''), a.body, ''), ea.relevance
		FROM events e
		LEFT JOIN event_articles ea ON ea.event_id = e.id
		LEFT JOIN articles a ON a.id = ea.article_id
		WHERE e.resolved = FALSE
			AND e.status <> 'resolved'
			AND NOT EXISTS (SELECT 1 FROM analysis an WHERE an.event_id = e.id)
		ORDER BY e.last_updated ASC, e.id ASC, ea.relevance DESC NULLS LAST, ea.article_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unanalyzed clusters: %w", err)
	}
	defer rows.Close()

	result := make([]models.ClusterRow, 0)
	for rows.Next() {
		var articleID, text sql.NullString
		var relevance sql.NullFloat64
		ev, err := scanEvent(rows, &articleID, &text, &relevance)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster row: %w", err)
		}
		result = append(result, models.ClusterRow{
			Event:     ev,
			ArticleID: articleID.String,
			Text:      text.String,
			Relevance: relevance.Float64,
		})
	}
	return result, rows.Err()
}

const detailQuery = `
	SELECT ` + eventColumns + `,
		an.event_id, an.same_incident, an.escalation, an.alert, an.brief, an.updated_at
	FROM events e
	LEFT JOIN analysis an ON an.event_id = e.id
`

// ListEvents returns events most recently updated first.
func (s *PostgresStore) ListEvents(ctx context.Context, limit int) ([]models.EventDetail, error) {
	return s.queryDetails(ctx, detailQuery+`
		ORDER BY e.last_updated DESC
		LIMIT $1
	`, limitArg(limit))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchEvents matches keyword as a case-insensitive substring of the
// incident type and, when region is set, the region exactly ignoring case.
func (s *PostgresStore) SearchEvents(ctx context.Context, keyword, region string, limit int) ([]models.EventDetail, error) {
	return s.queryDetails(ctx, detailQuery+`
		WHERE e.event_type ILIKE '%' || $1 || '%'
			AND ($2 = '' OR LOWER(e.state) = LOWER($2))
		ORDER BY e.last_updated DESC
		LIMIT $3
	`, likeEscaper.Replace(keyword), region, limitArg(limit))
}

// limitArg maps a non-positive limit to NULL, which LIMIT treats as none.
func limitArg(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}

// GetEvent returns one event with its analysis and articles.
func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*models.EventDetail, error) {
	if !validID(id) {
		return nil, models.ErrNotFound
	}
	details, err := s.queryDetails(ctx, detailQuery+`WHERE e.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(details) == 0 {
		return nil, models.ErrNotFound
	}
	return &details[0], nil
}

func (s *PostgresStore) queryDetails(ctx context.Context, query string, args ...any) ([]models.EventDetail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	details := make([]models.EventDetail, 0)
	index := make(map[string]int)
	ids := make([]string, 0)
	for rows.Next() {
		var (
			analysisID                      sql.NullString
			sameIncident, escalation, alert sql.NullBool
			brief                           sql.NullString
			updatedAt                       sql.NullTime
		)
		ev, err := scanEvent(rows, &analysisID, &sameIncident, &escalation, &alert, &brief, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		detail := models.EventDetail{Event: ev, Articles: []models.ArticleRef{}}
		if analysisID.Valid {
			detail.Analysis = &models.Analysis{
				EventID:      analysisID.String,
				SameIncident: sameIncident.Bool,
				Escalation:   escalation.Bool,
				Alert:        alert.Bool,
				Brief:        brief.String,
				UpdatedAt:    updatedAt.Time,
			}
		}
		index[ev.ID] = len(details)
		ids = append(ids, ev.ID)
		details = append(details, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return details, nil
	}

	if err := s.attachArticles(ctx, ids, details, index); err != nil {
		return nil, err
	}
	return details, nil
}

func (s *PostgresStore) attachArticles(ctx context.Context, ids []string, details []models.EventDetail, index map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ea.event_id, ea.article_id, ea.relevance,
			COALESCE(a.title, ''), COALESCE(a.url, ''), COALESCE(a.source_name, ''), a.published_at
		FROM event_articles ea
		LEFT JOIN articles a ON a.id = ea.article_id
		WHERE ea.event_id = ANY($1::uuid[])
		ORDER BY ea.event_id, ea.relevance DESC, ea.article_id
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query event articles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID string
		var ref models.ArticleRef
		var publishedAt sql.NullTime
		if err := rows.Scan(&eventID, &ref.ArticleID, &ref.Relevance, &ref.Title, &ref.URL, &ref.SourceName, &publishedAt); err != nil {
			return fmt.Errorf("failed to scan event article: %w", err)
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			ref.PublishedAt = &t
		}
		if i, ok := index[eventID]; ok {
			details[i].Articles = append(details[i].Articles, ref)
		}
	}
	return rows.Err()
}

// UpsertArticle stores an article record. Used by the signal importer when
// records carry article metadata.
func (s *PostgresStore) UpsertArticle(ctx context.Context, article models.Article) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, title, body, url, source_name, published_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			url = EXCLUDED.url,
			source_name = EXCLUDED.source_name,
			published_at = EXCLUDED.published_at
	`, article.ID, article.Title, article.Body, article.URL, article.SourceName, article.PublishedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert article %s: %w", article.ID, err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ListOpenEvents(ctx context.Context, key models.MatchKey, from, to time.Time, limit int) ([]models.Event, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		WHERE e.event_type = $1
			AND e.state = $2
			AND e.resolved = FALSE
			AND e.status <> 'resolved'
			AND e.last_updated BETWEEN $3 AND $4
		ORDER BY e.last_updated DESC, e.first_detected DESC, e.id DESC
		LIMIT $5
	`, key.IncidentType, key.Region, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query open events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (t *pgTx) FindLinkedEvent(ctx context.Context, key models.MatchKey, articleID string) (*models.Event, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events e
		JOIN event_articles ea ON ea.event_id = e.id
		WHERE ea.article_id = $1
			AND e.event_type = $2
			AND e.state = $3
		ORDER BY e.last_updated DESC, e.first_detected DESC, e.id DESC
		LIMIT 1
	`, articleID, key.IncidentType, key.Region)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find linked event: %w", err)
	}
	return &ev, nil
}

func (t *pgTx) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	if !validID(id) {
		return nil, models.ErrNotFound
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events e WHERE e.id = $1 FOR UPDATE`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", id, err)
	}
	return &ev, nil
}

func (t *pgTx) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (id, event_type, location, state, title, severity, confidence,
			status, first_detected, last_updated, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, event.ID, event.IncidentType, event.Location, event.Region, event.Title, string(event.Severity),
		event.Confidence, string(event.Status), event.FirstDetected, event.LastUpdated, event.Resolved)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateEvent(ctx context.Context, event models.Event) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE events
		SET location = $2, title = $3, severity = $4, confidence = $5,
			status = $6, last_updated = $7, resolved = $8
		WHERE id = $1
	`, event.ID, event.Location, event.Title, string(event.Severity), event.Confidence,
		string(event.Status), event.LastUpdated, event.Resolved)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", event.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event not found: %s: %w", event.ID, models.ErrNotFound)
	}
	return nil
}

func (t *pgTx) LinkArticle(ctx context.Context, link models.EventArticle) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_articles (event_id, article_id, relevance)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, article_id) DO NOTHING
	`, link.EventID, link.ArticleID, link.Relevance)
	if err != nil {
		return false, fmt.Errorf("failed to link article %s: %w", link.ArticleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) CountArticles(ctx context.Context, eventID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_articles WHERE event_id = $1`, eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return count, nil
}

func (t *pgTx) UpsertAnalysis(ctx context.Context, analysis models.Analysis) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO analysis (event_id, same_incident, escalation, alert, brief, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO UPDATE SET
			same_incident = EXCLUDED.same_incident,
			escalation = EXCLUDED.escalation,
			alert = EXCLUDED.alert,
			brief = EXCLUDED.brief,
			updated_at = EXCLUDED.updated_at
	`, analysis.EventID, analysis.SameIncident, analysis.Escalation, analysis.Alert, analysis.Brief, analysis.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis for %s: %w", analysis.EventID, err)
	}
	return nil
}
