// Package analysis runs the cluster-level review stage: it selects events
// that have not been analyzed yet, submits them in batches to a language
// model and writes the verdicts back onto the events.
package analysis

import (
	"context"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
)

// Preparer builds cluster views for events that still need analysis.
type Preparer struct {
	reader store.ClusterReader
}

// NewPreparer creates a Preparer.
func NewPreparer(reader store.ClusterReader) *Preparer {
	return &Preparer{reader: reader}
}

// Prepare returns one view per active, un-analyzed event, oldest update
// first. Once an analysis row exists for an event it is never returned again.
func (p *Preparer) Prepare(ctx context.Context) ([]models.ClusterView, error) {
	rows, err := p.reader.ListUnanalyzedClusterRows(ctx)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list unanalyzed clusters", Err: err}
	}
	return GroupRows(rows), nil
}

// GroupRows folds join rows into views, keeping the order in which events
// first appear and the order of articles within each event.
func GroupRows(rows []models.ClusterRow) []models.ClusterView {
	views := make([]models.ClusterView, 0)
	index := make(map[string]int)

	for _, row := range rows {
		i, ok := index[row.Event.ID]
		if !ok {
			i = len(views)
			index[row.Event.ID] = i
			views = append(views, viewOf(row.Event))
		}
		if row.ArticleID == "" {
			continue
		}
		views[i].Articles = append(views[i].Articles, models.ClusterArticle{
			ArticleID: row.ArticleID,
			Text:      row.Text,
			Relevance: row.Relevance,
		})
	}
	return views
}

func viewOf(ev models.Event) models.ClusterView {
	return models.ClusterView{
		EventID:       ev.ID,
		IncidentType:  ev.IncidentType,
		Title:         ev.Title,
		Location:      ev.Location,
		Region:        ev.Region,
		FirstDetected: ev.FirstDetected,
		LastUpdated:   ev.LastUpdated,
		Severity:      ev.Severity,
		Confidence:    ev.Confidence,
		Status:        ev.Status,
		Articles:      []models.ClusterArticle{},
	}
}

// Chunk splits views into batches of at most size.
func Chunk(views []models.ClusterView, size int) [][]models.ClusterView {
	if size < 1 {
		size = 1
	}
	batches := make([][]models.ClusterView, 0, (len(views)+size-1)/size)
	for start := 0; start < len(views); start += size {
		end := start + size
		if end > len(views) {
			end = len(views)
		}
		batches = append(batches, views[start:end])
	}
	return batches
}
