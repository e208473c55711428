package api

import (
	"net/http"
	"strings"

	"github.com/stagehand-av/stagehand/internal/module/projector"
)

// handleProjectorStatus returns the projector devices' tracked presence.
func (s *Server) handleProjectorStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.registry.DevicesWithModule(projector.ModuleName),
	})
}

// handleProjectorDevices lists devices exposing the projector module.
func (s *Server) handleProjectorDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": s.registry.DevicesWithModule(projector.ModuleName),
	})
}

type projectorPowerRequest struct {
	DeviceID string `json:"device_id"`
	State    string `json:"state"`
	Actor    string `json:"actor"`
}

// handleProjectorPower validates and dispatches a power change.
func (s *Server) handleProjectorPower(w http.ResponseWriter, r *http.Request) {
	var req projectorPowerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}

	var action string
	switch strings.ToLower(req.State) {
	case "on":
		action = string(projector.ActionPowerOn)
	case "off":
		action = string(projector.ActionPowerOff)
	default:
		writeBadRequest(w, "state must be on or off")
		return
	}
	s.dispatch(w, projector.ModuleName, req.DeviceID, action,
		map[string]any{"device_id": req.DeviceID}, req.Actor)
}

type projectorInputRequest struct {
	DeviceID string `json:"device_id"`
	Input    string `json:"input"`
	Actor    string `json:"actor"`
}

// handleProjectorInput validates and dispatches an input selection.
func (s *Server) handleProjectorInput(w http.ResponseWriter, r *http.Request) {
	var req projectorInputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	if !projector.ValidInput(projector.Input(req.Input)) {
		writeBadRequest(w, "input must be HDMI1 or HDMI2")
		return
	}
	s.dispatch(w, projector.ModuleName, req.DeviceID, string(projector.ActionSetInput),
		map[string]any{"device_id": req.DeviceID, "input": req.Input}, req.Actor)
}

type projectorAspectRequest struct {
	DeviceID string `json:"device_id"`
	Ratio    string `json:"ratio"`
	Actor    string `json:"actor"`
}

// handleProjectorAspect validates and dispatches an aspect-ratio change.
func (s *Server) handleProjectorAspect(w http.ResponseWriter, r *http.Request) {
	var req projectorAspectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	if !projector.ValidAspectRatio(projector.AspectRatio(req.Ratio)) {
		writeBadRequest(w, "ratio must be 4:3 or 16:9")
		return
	}
	s.dispatch(w, projector.ModuleName, req.DeviceID, string(projector.ActionSetAspectRatio),
		map[string]any{"device_id": req.DeviceID, "ratio": req.Ratio}, req.Actor)
}

type projectorNavigateRequest struct {
	DeviceID  string `json:"device_id"`
	Direction string `json:"direction"`
	Actor     string `json:"actor"`
}

// handleProjectorNavigate validates and dispatches a menu navigation.
func (s *Server) handleProjectorNavigate(w http.ResponseWriter, r *http.Request) {
	var req projectorNavigateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	direction := projector.Direction(strings.ToUpper(req.Direction))
	if !projector.ValidDirection(direction) {
		writeBadRequest(w, "direction must be one of UP, DOWN, LEFT, RIGHT, ENTER, MENU, BACK")
		return
	}
	s.dispatch(w, projector.ModuleName, req.DeviceID, string(projector.ActionNavigate),
		map[string]any{"device_id": req.DeviceID, "direction": string(direction)}, req.Actor)
}

type projectorAdjustRequest struct {
	DeviceID   string `json:"device_id"`
	Adjustment string `json:"adjustment"`
	Value      *int   `json:"value"`
	Actor      string `json:"actor"`
}

// handleProjectorAdjust validates the adjustment type and range against
// the wire-command table, then dispatches.
func (s *Server) handleProjectorAdjust(w http.ResponseWriter, r *http.Request) {
	var req projectorAdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}
	if err := projector.ValidateAdjustment(projector.Adjustment(req.Adjustment), *req.Value); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	s.dispatch(w, projector.ModuleName, req.DeviceID, string(projector.ActionAdjustImage),
		map[string]any{"device_id": req.DeviceID, "adjustment": req.Adjustment, "value": *req.Value}, req.Actor)
}

type projectorRawRequest struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	Actor    string `json:"actor"`
}

// handleProjectorRaw dispatches a raw wire command.
func (s *Server) handleProjectorRaw(w http.ResponseWriter, r *http.Request) {
	var req projectorRawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, "device_id is required")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeBadRequest(w, "command is required")
		return
	}
	s.dispatch(w, projector.ModuleName, req.DeviceID, string(projector.ActionSendRaw),
		map[string]any{"device_id": req.DeviceID, "command": req.Command}, req.Actor)
}
