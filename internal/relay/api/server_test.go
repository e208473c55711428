package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
	"github.com/stagehand-av/stagehand/internal/infrastructure/logging"
	"github.com/stagehand-av/stagehand/internal/registry"
)

// fakeDispatcher records dispatched commands and returns canned req_ids.
type fakeDispatcher struct {
	mu       sync.Mutex
	commands []dispatchedCommand
	err      error
}

type dispatchedCommand struct {
	Module   string
	DeviceID string
	Action   string
	Params   any
	Actor    string
}

func (f *fakeDispatcher) Dispatch(moduleName, deviceID, action string, params any, actor string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.commands = append(f.commands, dispatchedCommand{
		Module:   moduleName,
		DeviceID: deviceID,
		Action:   action,
		Params:   params,
		Actor:    actor,
	})
	return "req-test", nil
}

func (f *fakeDispatcher) last(t *testing.T) dispatchedCommand {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		t.Fatal("no commands dispatched")
	}
	return f.commands[len(f.commands)-1]
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commands)
}

// setupTestDB creates an in-memory SQLite database with the leases schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE leases (
			key         TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at  TEXT NOT NULL
		);
	`
	if _, execErr := db.Exec(schema); execErr != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", execErr)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server with a registry backed by in-memory SQLite
// and a fake dispatcher.
func testServer(t *testing.T, cfg config.APIConfig) (*Server, *fakeDispatcher, *registry.Registry) {
	t.Helper()

	reg := registry.New(setupTestDB(t))
	disp := &fakeDispatcher{}

	srv, err := New(Deps{
		Config:     cfg,
		Logger:     testLogger(),
		Registry:   reg,
		Dispatcher: disp,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	srv.hub = NewHub(srv.logger)
	return srv, disp, reg
}

func defaultCfg() config.APIConfig {
	return config.APIConfig{
		Host: "127.0.0.1",
		Port: 0,
		Timeouts: config.APITimeoutConfig{
			Read:  5,
			Write: 5,
			Idle:  5,
		},
	}
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestAuth_MissingToken(t *testing.T) {
	cfg := defaultCfg()
	cfg.AuthToken = "secret-token"
	srv, _, _ := testServer(t, cfg)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuth_WrongToken(t *testing.T) {
	cfg := defaultCfg()
	cfg.AuthToken = "secret-token"
	srv, _, _ := testServer(t, cfg)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuth_ValidToken(t *testing.T) {
	cfg := defaultCfg()
	cfg.AuthToken = "secret-token"
	srv, _, _ := testServer(t, cfg)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}
}

func TestAuth_DevModeBypass(t *testing.T) {
	srv, _, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	// No token configured, no Authorization header required.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	cfg := defaultCfg()
	cfg.AuthToken = "secret-token"
	srv, _, _ := testServer(t, cfg)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRegistrySnapshot(t *testing.T) {
	srv, _, reg := testServer(t, defaultCfg())
	router := srv.buildRouter()

	reg.UpdatePresence("cam-01", registry.StatusDoc{
		Online:   true,
		DeviceID: "cam-01",
		Modules:  []string{"ndi"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/registry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var snap registry.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := snap.Devices["cam-01"]; !ok {
		t.Error("expected cam-01 in snapshot devices")
	}
}

func TestNDIStart_Dispatches(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/start",
		`{"device_id": "cam-01", "source": "STAGE-LEFT (Camera 1)", "actor": "alice"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	var resp dispatchedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "dispatched" {
		t.Errorf("status = %q, want dispatched", resp.Status)
	}
	if resp.ReqID != "req-test" {
		t.Errorf("req_id = %q, want req-test", resp.ReqID)
	}

	cmd := disp.last(t)
	if cmd.Module != "ndi" || cmd.DeviceID != "cam-01" || cmd.Action != "start" {
		t.Errorf("dispatched %+v, want ndi/cam-01/start", cmd)
	}
	if cmd.Actor != "alice" {
		t.Errorf("actor = %q, want alice", cmd.Actor)
	}
}

func TestNDIStart_DefaultActor(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/start",
		`{"device_id": "cam-01", "source": "STAGE-LEFT"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if cmd := disp.last(t); cmd.Actor != defaultActor {
		t.Errorf("actor = %q, want %q", cmd.Actor, defaultActor)
	}
}

func TestNDIStart_MissingSource(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/start", `{"device_id": "cam-01", "source": "   "}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if disp.count() != 0 {
		t.Error("invalid request must not dispatch")
	}
}

func TestNDIStart_MissingDeviceID(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/start", `{"source": "STAGE-LEFT"}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if disp.count() != 0 {
		t.Error("invalid request must not dispatch")
	}
}

func TestNDIStop_Dispatches(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/stop", `{"device_id": "cam-01"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if cmd := disp.last(t); cmd.Action != "stop" {
		t.Errorf("action = %q, want stop", cmd.Action)
	}
}

func TestNDIInput_Dispatches(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/input",
		`{"device_id": "cam-01", "source": "STAGE-RIGHT"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if cmd := disp.last(t); cmd.Action != "set_input" {
		t.Errorf("action = %q, want set_input", cmd.Action)
	}
}

func TestNDIDevice_NotFound(t *testing.T) {
	srv, _, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ndi/devices/ghost", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	srv, disp, _ := testServer(t, defaultCfg())
	router := srv.buildRouter()

	w := postJSON(t, router, "/api/v1/ndi/start", "not json")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if disp.count() != 0 {
		t.Error("invalid JSON must not dispatch")
	}
}
