// Package discovery lists network video sources by running an external
// query command. The wire protocol behind the query is someone else's
// problem; this package only executes, parses and caches.
package discovery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// Defaults applied when the configuration leaves a knob unset.
const (
	DefaultTimeout        = 3 * time.Second
	DefaultRefreshTimeout = 5 * time.Second
	DefaultCacheTTL       = time.Second
)

// Logger is the minimal logging interface this package needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Finder lists the currently visible source identifiers.
type Finder interface {
	Sources(ctx context.Context) ([]string, error)
}

// ExecFinder runs a configured command and reads one source identifier
// per output line. An empty command means discovery is disabled and the
// finder always returns an empty list.
type ExecFinder struct {
	command string
	logger  Logger
}

// NewExecFinder creates a finder for the given command line.
func NewExecFinder(command string, logger Logger) *ExecFinder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ExecFinder{command: command, logger: logger}
}

// Sources runs the query command and parses its output. The context
// bounds the command's lifetime.
func (f *ExecFinder) Sources(ctx context.Context) ([]string, error) {
	if f.command == "" {
		return []string{}, nil
	}

	args, err := shellwords.Parse(f.command)
	if err != nil {
		return nil, fmt.Errorf("parse discovery command: %w", err)
	}
	if len(args) == 0 {
		return []string{}, nil
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("discovery command failed: %w", err)
	}

	sources := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			sources = append(sources, line)
		}
	}
	f.logger.Debug("discovery query completed", "sources", len(sources))
	return sources, nil
}

// Cache fronts a Finder with a short reuse window so status pages
// polling every second do not hammer the network query.
type Cache struct {
	finder         Finder
	ttl            time.Duration
	timeout        time.Duration
	refreshTimeout time.Duration

	mu      sync.Mutex
	sources []string
	fetched time.Time
}

// CacheConfig tunes a Cache. Zero values take the package defaults.
type CacheConfig struct {
	TTL            time.Duration
	Timeout        time.Duration
	RefreshTimeout time.Duration
}

// NewCache wraps finder with caching.
func NewCache(finder Finder, cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Cache{
		finder:         finder,
		ttl:            cfg.TTL,
		timeout:        cfg.Timeout,
		refreshTimeout: cfg.RefreshTimeout,
	}
}

// Sources returns the cached result when fresh, otherwise queries with
// the normal timeout. A failed query keeps the previous result cached
// and is retried on the next call.
func (c *Cache) Sources(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetched) < c.ttl && c.sources != nil {
		return c.sources, nil
	}
	return c.queryLocked(ctx, c.timeout)
}

// Refresh bypasses the reuse window and queries with the longer refresh
// timeout.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryLocked(ctx, c.refreshTimeout)
}

func (c *Cache) queryLocked(ctx context.Context, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sources, err := c.finder.Sources(ctx)
	if err != nil {
		return nil, err
	}
	c.sources = sources
	c.fetched = time.Now()
	return sources, nil
}
