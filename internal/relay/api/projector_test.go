package api

import (
	"fmt"
	"net/http"
	"testing"
)

func TestProjectorPower(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantAction string
	}{
		{"on", `{"device_id": "proj-01", "state": "on"}`, http.StatusAccepted, "power_on"},
		{"off", `{"device_id": "proj-01", "state": "off"}`, http.StatusAccepted, "power_off"},
		{"uppercase state accepted", `{"device_id": "proj-01", "state": "ON"}`, http.StatusAccepted, "power_on"},
		{"invalid state", `{"device_id": "proj-01", "state": "standby"}`, http.StatusBadRequest, ""},
		{"missing device", `{"state": "on"}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, disp, _ := testServer(t, defaultCfg())
			router := srv.buildRouter()

			w := postJSON(t, router, "/api/v1/projector/power", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantAction == "" {
				if disp.count() != 0 {
					t.Error("invalid request must not dispatch")
				}
				return
			}
			if cmd := disp.last(t); cmd.Action != tt.wantAction {
				t.Errorf("action = %q, want %q", cmd.Action, tt.wantAction)
			}
		})
	}
}

func TestProjectorInput(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantStatus int
	}{
		{"hdmi1", "HDMI1", http.StatusAccepted},
		{"hdmi2", "HDMI2", http.StatusAccepted},
		{"unknown input", "VGA", http.StatusBadRequest},
		{"empty input", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, disp, _ := testServer(t, defaultCfg())
			router := srv.buildRouter()

			body := fmt.Sprintf(`{"device_id": "proj-01", "input": %q}`, tt.input)
			w := postJSON(t, router, "/api/v1/projector/input", body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				if cmd := disp.last(t); cmd.Action != "set_input" {
					t.Errorf("action = %q, want set_input", cmd.Action)
				}
			} else if disp.count() != 0 {
				t.Error("invalid request must not dispatch")
			}
		})
	}
}

func TestProjectorAspect(t *testing.T) {
	tests := []struct {
		name       string
		ratio      string
		wantStatus int
	}{
		{"4:3", "4:3", http.StatusAccepted},
		{"16:9", "16:9", http.StatusAccepted},
		{"unsupported ratio", "21:9", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, disp, _ := testServer(t, defaultCfg())
			router := srv.buildRouter()

			body := fmt.Sprintf(`{"device_id": "proj-01", "ratio": %q}`, tt.ratio)
			w := postJSON(t, router, "/api/v1/projector/aspect", body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				if cmd := disp.last(t); cmd.Action != "set_aspect_ratio" {
					t.Errorf("action = %q, want set_aspect_ratio", cmd.Action)
				}
			}
		})
	}
}

func TestProjectorNavigate(t *testing.T) {
	tests := []struct {
		name       string
		direction  string
		wantStatus int
	}{
		{"up", "UP", http.StatusAccepted},
		{"lowercase accepted", "menu", http.StatusAccepted},
		{"back", "BACK", http.StatusAccepted},
		{"unknown direction", "SIDEWAYS", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, disp, _ := testServer(t, defaultCfg())
			router := srv.buildRouter()

			body := fmt.Sprintf(`{"device_id": "proj-01", "direction": %q}`, tt.direction)
			w := postJSON(t, router, "/api/v1/projector/navigate", body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				if cmd := disp.last(t); cmd.Action != "navigate" {
					t.Errorf("action = %q, want navigate", cmd.Action)
				}
			}
		})
	}
}

func TestProjectorAdjust(t *testing.T) {
	tests := []struct {
		name       string
		adjustment string
		value      int
		wantStatus int
	}{
		{"keystone in range", "H-KEYSTONE", 40, http.StatusAccepted},
		{"keystone negative bound", "V-KEYSTONE", -40, http.StatusAccepted},
		{"keystone out of range", "H-KEYSTONE", 41, http.StatusBadRequest},
		{"shift in range", "H-IMAGE-SHIFT", -100, http.StatusAccepted},
		{"shift out of range", "V-IMAGE-SHIFT", 101, http.StatusBadRequest},
		{"unknown adjustment", "ZOOM", 10, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, disp, _ := testServer(t, defaultCfg())
			router := srv.buildRouter()

			body := fmt.Sprintf(`{"device_id": "proj-01", "adjustment": %q, "value": %d}`,
				tt.adjustment, tt.value)
			w := postJSON(t, router, "/api/v1/projector/adjust", body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusAccepted {
				if cmd := disp.last(t); cmd.Action != "adjust_image" {
					t.Errorf("action = %q, want adjust_image", cmd.Action)
				}
			} else if disp.count() != 0 {
				t.Error("invalid request must not dispatch")
			}
		})
	}
}

func TestProjectorAdjust_MissingValue(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/projector/adjust",
		`{"device_id": "proj-01", "adjustment": "H-KEYSTONE"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if disp.count() != 0 {
		t.Error("missing value must not dispatch")
	}
}

func TestProjectorRaw(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/projector/raw",
		`{"device_id": "proj-01", "command": "~00124 1\r", "actor": "tech"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}
	cmd := disp.last(t)
	if cmd.Action != "send_raw_command" {
		t.Errorf("action = %q, want send_raw_command", cmd.Action)
	}
	if cmd.Actor != "tech" {
		t.Errorf("actor = %q, want tech", cmd.Actor)
	}
}

func TestProjectorRaw_EmptyCommand(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/projector/raw", `{"device_id": "proj-01", "command": " "}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if disp.count() != 0 {
		t.Error("empty command must not dispatch")
	}
}
