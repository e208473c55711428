package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000
)

// Writer records command telemetry points to InfluxDB.
//
// It wraps the InfluxDB v2 client's non-blocking write API with batching,
// so Record* calls return immediately and failures surface through the
// error callback.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.TelemetryConfig

	// connected tracks current connection state.
	connected bool
	mu        sync.RWMutex

	// onError is called when async write errors occur.
	onError func(err error)
}

// Connect establishes a connection to the InfluxDB server.
//
// It creates the client with token authentication, verifies connectivity
// with a ping, and configures the non-blocking write API with batching.
// Returns ErrDisabled when telemetry is off in configuration.
func Connect(cfg config.TelemetryConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	w := &Writer{
		client:    client,
		writeAPI:  writeAPI,
		cfg:       cfg,
		connected: true,
	}

	errorsCh := writeAPI.Errors()
	go w.handleWriteErrors(errorsCh)

	return w, nil
}

// handleWriteErrors processes async write errors from the WriteAPI.
func (w *Writer) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		w.mu.RLock()
		callback := w.onError
		w.mu.RUnlock()

		if callback != nil {
			callback(err)
		}
	}
}

// RecordResult writes one point for a device result event.
//
// Tags carry the low-cardinality identity (module, device, action);
// fields carry the outcome. A nil Writer is a valid no-op receiver so
// callers need not guard every call site when telemetry is disabled.
func (w *Writer) RecordResult(moduleName, deviceID, action string, ok bool, duration time.Duration) {
	if w == nil || !w.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_results",
		map[string]string{
			"module":    moduleName,
			"device_id": deviceID,
			"action":    action,
		},
		map[string]interface{}{
			"ok":          ok,
			"duration_ms": float64(duration.Milliseconds()),
		},
		time.Now(),
	)

	w.writeAPI.WritePoint(point)
}

// RecordAck writes one point for a relay acknowledgment.
//
// Used to track the relay's own decisions (DISPATCHED, IN_USE, ...)
// separately from device-side results.
func (w *Writer) RecordAck(moduleName, action, code string) {
	if w == nil || !w.IsConnected() {
		return
	}

	point := write.NewPoint(
		"relay_acks",
		map[string]string{
			"module": moduleName,
			"action": action,
			"code":   code,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	w.writeAPI.WritePoint(point)
}

// Close flushes pending writes and shuts the client down.
func (w *Writer) Close() error {
	if w == nil || w.client == nil {
		return nil
	}

	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	w.writeAPI.Flush()
	w.client.Close()

	return nil
}

// HealthCheck verifies the InfluxDB connection is alive.
func (w *Writer) HealthCheck(ctx context.Context) error {
	if !w.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := w.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check failed: server not healthy")
	}

	return nil
}

// IsConnected returns the last known connection state.
func (w *Writer) IsConnected() bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

// SetOnError sets a callback invoked when async write errors occur.
//
// Since writes are non-blocking, errors are delivered asynchronously.
// Use this callback to log write failures.
func (w *Writer) SetOnError(callback func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = callback
}

// Flush forces all pending writes to be sent to InfluxDB.
// Safe to call after Close (no-op).
func (w *Writer) Flush() {
	if w == nil || w.writeAPI == nil {
		return
	}

	w.mu.RLock()
	connected := w.connected
	w.mu.RUnlock()

	if !connected {
		return
	}

	w.writeAPI.Flush()
}
