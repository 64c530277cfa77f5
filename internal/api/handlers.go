// Package api serves the event read endpoints and the authenticated
// pipeline controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/flashreport/flashreport/internal/store"
)

const (
	defaultEventLimit  = 100
	maxEventLimit      = 500
	defaultSearchLimit = 15
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves event reads and health.
type Handler struct {
	events    store.EventReader
	pinger    Pinger
	logger    *slog.Logger
	startTime time.Time
}

// NewHandler creates a Handler. pinger may be nil.
func NewHandler(events store.EventReader, pinger Pinger, logger *slog.Logger) *Handler {
	return &Handler{
		events:    events,
		pinger:    pinger,
		logger:    logger,
		startTime: time.Now(),
	}
}

// EventsResponse wraps a list of events.
type EventsResponse struct {
	Events []models.EventDetail `json:"events"`
	Count  int                  `json:"count"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}

// GetEventsHandler handles GET /api/events
func (h *Handler) GetEventsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.events.ListEvents(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)}, h.logger)
}

// SearchEventsHandler handles GET /api/events/search
func (h *Handler) SearchEventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyword, location := q.Get("keyword"), q.Get("location")
	if err := validateSearch(keyword, location); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(q.Get("limit"), defaultSearchLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.events.SearchEvents(r.Context(), keyword, location, limit)
	if err != nil {
		h.logger.Error("failed to search events", "keyword", keyword, "location", location, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, EventsResponse{Events: events, Count: len(events)}, h.logger)
}

// GetEventByIDHandler handles GET /api/events/{id}
func (h *Handler) GetEventByIDHandler(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "Event ID required")
		return
	}

	event, err := h.events.GetEvent(r.Context(), eventID)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Event not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get event by ID", "id", eventID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, event, h.logger)
}

// HealthHandler handles GET /healthz
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	status := http.StatusOK
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			resp.Status = "unavailable"
			resp.Error = "database unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp, h.logger)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message}, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
