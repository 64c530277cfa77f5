package models

import "time"

// Article is a source article as written by the acquisition collaborator.
// Only its id and text are consumed by clustering and analysis.
type Article struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	URL         string     `json:"url,omitempty"`
	SourceName  string     `json:"source,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Text returns the text shown to the analysis service for this article.
func (a Article) Text() string {
	if a.Title != "" {
		return a.Title
	}
	return a.Body
}
