package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/google/uuid"
)

// RunLog records pipeline cycles.
type RunLog interface {
	StartRun(ctx context.Context, run *models.PipelineRun) error
	FinishRun(ctx context.Context, run models.PipelineRun) error
	ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error)
}

// MemoryRunLog is an in-memory RunLog.
type MemoryRunLog struct {
	mu   sync.Mutex
	runs map[string]models.PipelineRun
}

var _ RunLog = (*MemoryRunLog)(nil)

// NewMemoryRunLog creates an empty run log.
func NewMemoryRunLog() *MemoryRunLog {
	return &MemoryRunLog{runs: make(map[string]models.PipelineRun)}
}

func (l *MemoryRunLog) StartRun(ctx context.Context, run *models.PipelineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	l.runs[run.ID] = *run
	return nil
}

func (l *MemoryRunLog) FinishRun(ctx context.Context, run models.PipelineRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[run.ID]; !ok {
		return fmt.Errorf("pipeline run %s: %w", run.ID, models.ErrNotFound)
	}
	l.runs[run.ID] = run
	return nil
}

func (l *MemoryRunLog) ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runs := make([]models.PipelineRun, 0, len(l.runs))
	for _, r := range l.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
