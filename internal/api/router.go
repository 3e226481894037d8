package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/aromalink-core/internal/push"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/connection", s.handleConnection)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Post("/commands", s.handleSendCommand)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status. The push connection
// being down degrades the status but is not an error.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	state := s.core.ConnectionState()
	if state != push.StateConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"connection": state,
		"version":    s.version,
	})
}

// handleConnection returns the push connection lifecycle state.
func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	stats := s.core.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":                stats.Push.State,
		"connected_since":      stats.Push.ConnectedSince,
		"consecutive_failures": stats.Push.ConsecutiveFailures,
		"gave_up":              stats.Push.GaveUp,
	})
}
