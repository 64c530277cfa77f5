package models

import (
	"math"
	"strings"
	"time"
)

// Signal is an unvalidated incident candidate extracted from one article.
// Signals are written by the extraction collaborator and never mutated here.
type Signal struct {
	ID           string    `json:"id"`
	ArticleID    string    `json:"article_id"`
	IncidentType string    `json:"incident_type"`
	Location     string    `json:"location,omitempty"`
	Region       string    `json:"region"`
	Severity     Severity  `json:"severity"`
	Confidence   float64   `json:"confidence"`
	Summary      string    `json:"summary"`
	CreatedAt    time.Time `json:"timestamp"`
}

// MatchKey is the coarse identity used to decide whether two reports describe
// the same incident.
type MatchKey struct {
	IncidentType string
	Region       string
}

// String returns a normalized form of the key for lock naming.
func (k MatchKey) String() string {
	return strings.ToLower(k.IncidentType) + "|" + strings.ToLower(k.Region)
}

// Key returns the signal's match key.
func (s Signal) Key() MatchKey {
	return MatchKey{IncidentType: s.IncidentType, Region: s.Region}
}

// Validate checks the fields required before matching can be attempted.
func (s Signal) Validate() error {
	var missing []string
	if s.CreatedAt.IsZero() {
		missing = append(missing, "timestamp")
	}
	if strings.TrimSpace(s.IncidentType) == "" {
		missing = append(missing, "incident_type")
	}
	if strings.TrimSpace(s.Region) == "" {
		missing = append(missing, "region")
	}
	if strings.TrimSpace(s.ArticleID) == "" {
		missing = append(missing, "article_id")
	}
	if len(missing) > 0 {
		return &ValidationError{SignalID: s.ID, Missing: missing}
	}
	return nil
}

// NormalizedConfidence clamps the confidence into [0, 1]; NaN becomes 0.
func (s Signal) NormalizedConfidence() float64 {
	return ClampConfidence(s.Confidence)
}

// ClampConfidence clamps c into [0, 1].
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
