package serial

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	ser "go.bug.st/serial"
)

// ErrNoEndpoint is returned when no serial port is configured and
// auto-discovery found no candidate device.
var ErrNoEndpoint = errors.New("serial: no endpoint configured or discovered")

const (
	defaultBaudRate    = 9600
	defaultReadTimeout = 1 * time.Second

	// pollInterval is the cadence of the response accumulation loop and
	// the read timeout installed on the open port.
	pollInterval = 100 * time.Millisecond
)

// openPort opens the OS device. A variable so tests can substitute a fake.
var openPort = func(path string, mode *ser.Mode) (ser.Port, error) {
	return ser.Open(path, mode)
}

// globPatterns lists candidate device paths for auto-discovery, most
// common adapter family first. A variable so tests can point discovery
// at a scratch directory.
var globPatterns = defaultGlobPatterns()

func defaultGlobPatterns() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*"}
	default:
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	}
}

// Logger defines the logging interface for the link.
// Compatible with the infrastructure logging package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Config holds the link settings.
type Config struct {
	// Port is the device path, e.g. /dev/ttyUSB0. Empty means discover.
	Port string

	// AutoDiscover scans the platform glob patterns when Port is empty.
	AutoDiscover bool

	// BaudRate is the symbol rate. Zero means 9600.
	BaudRate int

	// ReadTimeout is the default ReadResponse window. Zero means 1s.
	ReadTimeout time.Duration
}

// Link manages at most one serial connection to a hardware device:
// lazy connect, endpoint discovery, raw write, timed read, disconnect.
// The underlying descriptor is owned by the link; callers only ever go
// through Send and ReadResponse.
//
// All methods are safe for concurrent use.
type Link struct {
	cfg Config

	mu     sync.Mutex
	port   ser.Port
	path   string
	logger Logger
}

// NewLink creates a disconnected link. Nothing is opened until Connect
// or the first Send.
func NewLink(cfg Config) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	return &Link{
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger installs a logger for link events.
func (l *Link) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

func (l *Link) getLogger() Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logger
}

// ResolveEndpoint returns the device path the link will open: the
// configured port if set, otherwise the first glob match on this host.
func (l *Link) ResolveEndpoint() (string, error) {
	if l.cfg.Port != "" {
		return l.cfg.Port, nil
	}
	if !l.cfg.AutoDiscover {
		return "", ErrNoEndpoint
	}
	for _, pattern := range globPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		if len(matches) > 0 {
			return matches[0], nil
		}
	}
	return "", ErrNoEndpoint
}

// Connect opens the endpoint at 8N1 with the configured baud rate.
// Idempotent: an already-connected link returns immediately. A failed
// open leaves the link disconnected.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

func (l *Link) connectLocked() error {
	if l.port != nil {
		return nil
	}

	path, err := l.ResolveEndpoint()
	if err != nil {
		return err
	}

	mode := &ser.Mode{
		BaudRate: l.cfg.BaudRate,
		DataBits: 8,
		Parity:   ser.NoParity,
		StopBits: ser.OneStopBit,
	}
	port, err := openPort(path, mode)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return fmt.Errorf("serial: set read timeout on %s: %w", path, err)
	}

	l.port = port
	l.path = path
	l.logger.Info("serial link connected", "port", path, "baud", l.cfg.BaudRate)
	return nil
}

// Send writes the raw wire string to the device, connecting first if the
// link is not yet open. Failures are not retried.
func (l *Link) Send(wire string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.connectLocked(); err != nil {
		return err
	}
	if _, err := l.port.Write([]byte(wire)); err != nil {
		l.logger.Error("serial write failed", "port", l.path, "error", err)
		return fmt.Errorf("serial: write: %w", err)
	}
	l.logger.Debug("serial command sent", "command", strings.TrimSpace(wire))
	return nil
}

// ReadResponse accumulates whatever the device sends until data stops
// arriving or the window elapses. Bytes outside the ASCII range are
// dropped rather than treated as errors. Returns an empty string when the
// link is not connected or nothing arrived; timeout <= 0 uses the
// configured default.
func (l *Link) ReadResponse(timeout time.Duration) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return ""
	}
	if timeout <= 0 {
		timeout = l.cfg.ReadTimeout
	}

	var out []byte
	buf := make([]byte, 256)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := l.port.Read(buf)
		if err != nil {
			l.logger.Warn("serial read failed", "port", l.path, "error", err)
			break
		}
		if n > 0 {
			out = append(out, buf[:n]...)
			continue
		}
		// A timed-out poll after data has arrived means the device is
		// done talking.
		if len(out) > 0 {
			break
		}
	}

	response := asciiClean(out)
	if response != "" {
		l.logger.Debug("serial response received", "response", strings.TrimSpace(response))
	}
	return response
}

// Disconnect closes the device if open. Idempotent.
func (l *Link) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port == nil {
		return
	}
	if err := l.port.Close(); err != nil {
		l.logger.Warn("serial close failed", "port", l.path, "error", err)
	}
	l.logger.Info("serial link disconnected", "port", l.path)
	l.port = nil
	l.path = ""
}

// Connected reports whether the link currently holds an open port.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Endpoint returns the path of the open port, or empty if disconnected.
func (l *Link) Endpoint() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// asciiClean drops any byte outside the ASCII range.
func asciiClean(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c < 0x80 {
			out = append(out, c)
		}
	}
	return string(out)
}
