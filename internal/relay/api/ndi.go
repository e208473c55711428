package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stagehand-av/stagehand/internal/module/ndi"
)

// defaultActor attributes HTTP-originated commands when the caller does
// not name itself.
const defaultActor = "http"

// dispatchedResponse is the acknowledgment body for asynchronous
// dispatch endpoints. The device's result arrives later on the event
// stream, keyed by req_id.
type dispatchedResponse struct {
	Status string `json:"status"`
	ReqID  string `json:"req_id"`
}

// dispatch forwards a validated command and writes the acknowledgment.
func (s *Server) dispatch(w http.ResponseWriter, moduleName, deviceID, action string, params any, actor string) {
	if actor == "" {
		actor = defaultActor
	}
	reqID, err := s.dispatcher.Dispatch(moduleName, deviceID, action, params, actor)
	if err != nil {
		s.logger.Error("dispatch failed",
			"module", moduleName,
			"device_id", deviceID,
			"action", action,
			"error", err)
		writeInternalError(w, "failed to dispatch command")
		return
	}
	writeJSON(w, http.StatusAccepted, dispatchedResponse{Status: "dispatched", ReqID: reqID})
}

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// handleNDIStatus returns the ndi devices and currently visible sources.
func (s *Server) handleNDIStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"devices": s.registry.DevicesWithModule(ndi.ModuleName),
	}
	if s.sources != nil {
		sources, err := s.sources.Sources(r.Context())
		if err != nil {
			s.logger.Warn("source discovery failed", "error", err)
			resp["sources_error"] = err.Error()
		} else {
			resp["sources"] = sources
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleNDISources returns the cached source list.
func (s *Server) handleNDISources(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sources": []string{}})
		return
	}
	sources, err := s.sources.Sources(r.Context())
	if err != nil {
		s.logger.Error("source discovery failed", "error", err)
		writeInternalError(w, "source discovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// handleNDISourcesRefresh bypasses the discovery cache.
func (s *Server) handleNDISourcesRefresh(w http.ResponseWriter, r *http.Request) {
	if s.sources == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sources": []string{}})
		return
	}
	sources, err := s.sources.Refresh(r.Context())
	if err != nil {
		s.logger.Error("source refresh failed", "error", err)
		writeInternalError(w, "source discovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// handleNDIDevices lists devices exposing the ndi module.
func (s *Server) handleNDIDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.registry.DevicesWithModule(ndi.ModuleName),
	})
}

// handleNDIDevice returns the presence of one device.
func (s *Server) handleNDIDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	presence, ok := s.registry.Device(id)
	if !ok {
		writeNotFound(w, "unknown device: "+id)
		return
	}
	writeJSON(w, http.StatusOK, presence)
}

type ndiStartRequest struct {
	DeviceID string `json:"device_id"`
	Source   string `json:"source"`
	Actor    string `json:"actor"`
}

// handleNDIStart validates and dispatches a viewer start.
func (s *Server) handleNDIStart(w http.ResponseWriter, r *http.Request) {
	var req ndiStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeBadRequest(w, "source is required")
		return
	}
	s.dispatch(w, ndi.ModuleName, req.DeviceID, string(ndi.ActionStart),
		map[string]any{"device_id": req.DeviceID, "source": req.Source}, req.Actor)
}

type ndiStopRequest struct {
	DeviceID string `json:"device_id"`
	Actor    string `json:"actor"`
}

// handleNDIStop dispatches a viewer stop.
func (s *Server) handleNDIStop(w http.ResponseWriter, r *http.Request) {
	var req ndiStopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	s.dispatch(w, ndi.ModuleName, req.DeviceID, string(ndi.ActionStop),
		map[string]any{"device_id": req.DeviceID}, req.Actor)
}

// handleNDIInput validates and dispatches an input change.
func (s *Server) handleNDIInput(w http.ResponseWriter, r *http.Request) {
	var req ndiStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeBadRequest(w, "source is required")
		return
	}
	s.dispatch(w, ndi.ModuleName, req.DeviceID, string(ndi.ActionSetInput),
		map[string]any{"device_id": req.DeviceID, "source": req.Source}, req.Actor)
}
