// Package api provides the relay's HTTP REST API and WebSocket server.
//
// It exposes registry snapshots, device presence, source discovery and
// dispatch endpoints for the ndi and projector modules. Dispatch
// endpoints validate the request exactly as the device module would,
// then forward the command asynchronously through the relay and answer
// with a dispatch acknowledgment, never a synchronous device result.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stagehand-av/stagehand/internal/audit"
	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
	"github.com/stagehand-av/stagehand/internal/infrastructure/logging"
	"github.com/stagehand-av/stagehand/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Dispatcher forwards a validated command to a device and returns the
// generated request ID. *relay.Relay satisfies it.
type Dispatcher interface {
	Dispatch(moduleName, deviceID, action string, params any, actor string) (string, error)
}

// SourceLister serves the discovered video source identifiers.
// *discovery.Cache satisfies it.
type SourceLister interface {
	Sources(ctx context.Context) ([]string, error)
	Refresh(ctx context.Context) ([]string, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Sources    SourceLister     // optional: nil when discovery is disabled
	Audit      audit.Repository // optional: nil disables the audit endpoint
	Version    string
}

// Server is the relay's HTTP API server.
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	registry   *registry.Registry
	dispatcher Dispatcher
	sources    SourceLister
	auditRepo  audit.Repository
	version    string
	server     *http.Server
	hub        *Hub
	cancel     context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		sources:    deps.Sources,
		auditRepo:  deps.Audit,
		version:    deps.Version,
	}, nil
}

// Hub returns the WebSocket hub for event broadcasting. Valid after
// Start.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins listening for HTTP connections.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.logger)
	go s.hub.Run(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server. It waits up to 10 seconds
// for in-flight requests to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
