package models

import (
	"strings"
	"time"
)

// Event is the canonical, evolving record of one real-world incident that
// signals are merged into.
type Event struct {
	ID            string      `json:"event_id"`
	IncidentType  string      `json:"event_type"`
	Location      string      `json:"location,omitempty"`
	Region        string      `json:"region"`
	Title         string      `json:"title"`
	Severity      Severity    `json:"severity"`
	Confidence    float64     `json:"confidence"`
	Status        EventStatus `json:"status"`
	FirstDetected time.Time   `json:"first_detected"`
	LastUpdated   time.Time   `json:"last_updated"`
	Resolved      bool        `json:"resolved"`
}

// EventStatus represents the lifecycle state of an event.
type EventStatus string

const (
	EventStatusNew      EventStatus = "new"      // Created from a single signal
	EventStatusOngoing  EventStatus = "ongoing"  // Corroborated by at least one merge
	EventStatusAlert    EventStatus = "alert"    // Flagged by cluster analysis
	EventStatusResolved EventStatus = "resolved" // Closed by an operator
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusNew, EventStatusOngoing, EventStatusAlert, EventStatusResolved:
		return true
	}
	return false
}

// Severity is the ordinal incident severity: low < medium < high.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ParseSeverity normalizes free-form severity text. Unknown or empty values
// map to low so they can never escalate an event.
func ParseSeverity(raw string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank returns the position of s on the ordinal scale.
func (s Severity) Rank() int {
	switch ParseSeverity(string(s)) {
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Escalate returns the higher of s and other.
func (s Severity) Escalate(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return ParseSeverity(string(other))
	}
	return ParseSeverity(string(s))
}

// IsActive reports whether the event can still absorb signals and analysis.
func (e *Event) IsActive() bool {
	return !e.Resolved && e.Status != EventStatusResolved
}

// MatchKey returns the (incident type, region) pair the event is matched on.
func (e *Event) MatchKey() MatchKey {
	return MatchKey{IncidentType: e.IncidentType, Region: e.Region}
}

// EventArticle links a source article to the event its signal merged into.
type EventArticle struct {
	EventID   string  `json:"event_id"`
	ArticleID string  `json:"article_id"`
	Relevance float64 `json:"relevance"`
}

// ArticleRef is an article as presented alongside an event by the read API.
type ArticleRef struct {
	ArticleID   string     `json:"article_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url,omitempty"`
	SourceName  string     `json:"source,omitempty"`
	Relevance   float64    `json:"relevance"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// EventDetail bundles an event with its analysis and linked articles.
type EventDetail struct {
	Event
	Analysis *Analysis    `json:"analysis,omitempty"`
	Articles []ArticleRef `json:"articles"`
}
