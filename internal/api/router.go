package api

import (
	"log/slog"
	"net/http"

	"github.com/flashreport/flashreport/internal/auth"
	"github.com/flashreport/flashreport/internal/store"
)

// Routes holds what the router needs to serve every endpoint.
type Routes struct {
	Events  store.EventReader
	Pinger  Pinger
	Auth    *auth.Authenticator
	Runner  PipelineRunner
	Metrics http.Handler // nil leaves /metrics unrouted
	Logger  *slog.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(mux *http.ServeMux, rt Routes) {
	handler := NewHandler(rt.Events, rt.Pinger, rt.Logger)
	authHandler := NewAuthHandler(rt.Auth, rt.Logger)
	pipelineHandler := NewPipelineHandler(rt.Runner, rt.Logger)

	mux.HandleFunc("GET /healthz", handler.HealthHandler)
	if rt.Metrics != nil {
		mux.Handle("GET /metrics", rt.Metrics)
	}

	// Event routes (public for reading)
	mux.Handle("GET /api/events", withCORS(http.HandlerFunc(handler.GetEventsHandler)))
	mux.Handle("GET /api/events/search", withCORS(http.HandlerFunc(handler.SearchEventsHandler)))
	mux.Handle("GET /api/events/{id}", withCORS(http.HandlerFunc(handler.GetEventByIDHandler)))

	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	// Pipeline controls (admin only)
	mux.Handle("POST /api/pipeline/run", rt.Auth.Middleware(http.HandlerFunc(pipelineHandler.RunHandler)))
	mux.Handle("GET /api/pipeline/runs", rt.Auth.Middleware(http.HandlerFunc(pipelineHandler.ListRunsHandler)))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}
