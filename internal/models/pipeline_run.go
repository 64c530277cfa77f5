package models

import "time"

// PipelineRun records the outcome of one clustering + analysis cycle.
type PipelineRun struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Signals          int        `json:"signals"`
	NewEvents        int        `json:"new_events"`
	MergedEvents     int        `json:"merged_events"`
	Failed           int        `json:"failed"`
	ClustersAnalyzed int        `json:"clusters_analyzed"`
	AnalysisBatches  int        `json:"analysis_batches"`
	AnalysisFailures int        `json:"analysis_failures"`
	Success          bool       `json:"success"`
	Error            string     `json:"error,omitempty"`
}
