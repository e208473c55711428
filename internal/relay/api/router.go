package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand-av/stagehand/internal/audit"
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

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Registry snapshot (devices + live leases)
			r.Get("/registry", s.handleRegistrySnapshot)

			// Command audit trail
			r.Get("/audit", s.handleAuditList)

			// NDI endpoints
			r.Route("/ndi", func(r chi.Router) {
				r.Get("/status", s.handleNDIStatus)
				r.Get("/sources", s.handleNDISources)
				r.Get("/sources/refresh", s.handleNDISourcesRefresh)
				r.Get("/devices", s.handleNDIDevices)
				r.Get("/devices/{id}", s.handleNDIDevice)
				r.Post("/start", s.handleNDIStart)
				r.Post("/stop", s.handleNDIStop)
				r.Post("/input", s.handleNDIInput)
			})

			// Projector endpoints
			r.Route("/projector", func(r chi.Router) {
				r.Get("/status", s.handleProjectorStatus)
				r.Get("/devices", s.handleProjectorDevices)
				r.Post("/power", s.handleProjectorPower)
				r.Post("/input", s.handleProjectorInput)
				r.Post("/aspect", s.handleProjectorAspect)
				r.Post("/navigate", s.handleProjectorNavigate)
				r.Post("/adjust", s.handleProjectorAdjust)
				r.Post("/raw", s.handleProjectorRaw)
			})

			// WebSocket event stream
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleRegistrySnapshot returns the tracked devices and live leases.
func (s *Server) handleRegistrySnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.registry.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("registry snapshot failed", "error", err)
		writeInternalError(w, "failed to read registry")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleAuditList returns recent audited commands, newest first.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeNotFound(w, "audit trail not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Module:   q.Get("module"),
		DeviceID: q.Get("device_id"),
		Action:   q.Get("action"),
		Actor:    q.Get("actor"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = offset
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("audit list failed", "error", err)
		writeInternalError(w, "failed to read audit trail")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
