package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
	"github.com/google/uuid"
)

// PipelineRunRepository records pipeline cycles.
type PipelineRunRepository struct {
	db *sql.DB
}

var _ store.RunLog = (*PipelineRunRepository)(nil)

// NewPipelineRunRepository creates a new pipeline run repository.
func NewPipelineRunRepository(db *sql.DB) *PipelineRunRepository {
	return &PipelineRunRepository{db: db}
}

// StartRun inserts a run row, assigning its id and start time when unset.
func (r *PipelineRunRepository) StartRun(ctx context.Context, run *models.PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, started_at) VALUES ($1, $2)
	`, run.ID, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (r *PipelineRunRepository) FinishRun(ctx context.Context, run models.PipelineRun) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET finished_at = $2, signals = $3, new_events = $4, merged_events = $5, failed = $6,
			clusters_analyzed = $7, analysis_batches = $8, analysis_failures = $9,
			success = $10, error = $11
		WHERE id = $1
	`, run.ID, run.FinishedAt, run.Signals, run.NewEvents, run.MergedEvents, run.Failed,
		run.ClustersAnalyzed, run.AnalysisBatches, run.AnalysisFailures, run.Success, run.Error)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pipeline run %s: %w", run.ID, models.ErrNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (r *PipelineRunRepository) ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, signals, new_events, merged_events, failed,
			clusters_analyzed, analysis_batches, analysis_failures, success, error
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline runs: %w", err)
	}
	defer rows.Close()

	runs := []models.PipelineRun{}
	for rows.Next() {
		var run models.PipelineRun
		var finishedAt sql.NullTime
		err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&finishedAt,
			&run.Signals,
			&run.NewEvents,
			&run.MergedEvents,
			&run.Failed,
			&run.ClustersAnalyzed,
			&run.AnalysisBatches,
			&run.AnalysisFailures,
			&run.Success,
			&run.Error,
		)
		if err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteOlderThan removes runs started before now minus age.
func (r *PipelineRunRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE started_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
