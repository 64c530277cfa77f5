package models

import "time"

// Analysis is the cluster-level verdict for one event. There is at most one
// row per event; later writes replace the fields.
type Analysis struct {
	EventID      string    `json:"event_id"`
	SameIncident bool      `json:"same_incident"`
	Escalation   bool      `json:"escalation"`
	Alert        bool      `json:"alert"`
	Brief        string    `json:"brief"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ClusterArticle is one linked article inside a ClusterView.
type ClusterArticle struct {
	ArticleID string  `json:"article_id"`
	Text      string  `json:"text"`
	Relevance float64 `json:"relevance"`
}

// ClusterView is an event and its articles, shaped for the analysis service.
type ClusterView struct {
	EventID       string           `json:"event_id"`
	IncidentType  string           `json:"event_type"`
	Title         string           `json:"title"`
	Location      string           `json:"location,omitempty"`
	Region        string           `json:"region"`
	FirstDetected time.Time        `json:"first_detected"`
	LastUpdated   time.Time        `json:"last_updated"`
	Severity      Severity         `json:"severity"`
	Confidence    float64          `json:"confidence"`
	Status        EventStatus      `json:"status"`
	Articles      []ClusterArticle `json:"articles"`
}

// ClusterRow is one row of the un-analyzed events join: event columns
// repeated per linked article. ArticleID is empty for events with no links.
type ClusterRow struct {
	Event     Event
	ArticleID string
	Text      string
	Relevance float64
}
