package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// Status reports the liveness of a supervised process.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

const (
	// DefaultGrace is how long a process group gets to exit after the
	// polite signal before escalation to SIGKILL.
	DefaultGrace = 2 * time.Second

	// pollInterval is how often group liveness is rechecked while
	// waiting out the grace window.
	pollInterval = 100 * time.Millisecond
)

// Logger defines the logging interface for the supervisor.
// Compatible with the infrastructure logging package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output. Used when no logger is set.
type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// Handle is one spawned process group tracked under a caller-chosen name.
type Handle struct {
	name      string
	pid       int
	cmdline   string
	startedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
}

// Name returns the registry name the handle was started under.
func (h *Handle) Name() string { return h.name }

// PID returns the process ID, which is also the process group ID.
func (h *Handle) PID() int { return h.pid }

// Cmdline returns the command line the process was spawned with.
func (h *Handle) Cmdline() string { return h.cmdline }

// StartedAt returns when the process was spawned.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done returns a channel that is closed once the direct child has exited
// and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Snapshot is a point-in-time view of one handle for status reporting.
type Snapshot struct {
	Name      string
	PID       int
	Cmdline   string
	StartedAt time.Time
	Status    Status
}

// StartOptions control how a command is spawned.
type StartOptions struct {
	// Env lists extra KEY=value pairs merged over the parent environment.
	// Later entries win, including over inherited values.
	Env []string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string
}

// StopOptions control the stop escalation for one handle.
type StopOptions struct {
	// Signal is the polite signal sent to the process group first.
	// Zero means SIGTERM. Recorders get SIGINT so the container is
	// finalised before the group goes away.
	Signal syscall.Signal

	// Grace is how long the group may take to exit before SIGKILL.
	// Zero means DefaultGrace.
	Grace time.Duration
}

// Supervisor spawns commands into their own process groups and stops them
// with a graceful-then-forced escalation. Handles are tracked by name;
// starting a name that is already registered stops the old group first.
//
// All methods are safe for concurrent use.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  Logger
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{
		handles: make(map[string]*Handle),
		logger:  noopLogger{},
	}
}

// SetLogger installs a logger for process lifecycle events.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

func (s *Supervisor) getLogger() Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

// Start spawns cmdline in its own process group and registers the handle
// under name. A handle already registered under name is stopped first, so
// Start doubles as restart. The child's stdin, stdout and stderr are
// connected to the null device.
//
// A spawn failure registers nothing.
func (s *Supervisor) Start(name, cmdline string, opts StartOptions) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("process: empty handle name")
	}

	args, err := shellwords.Parse(cmdline)
	if err != nil {
		return nil, fmt.Errorf("process: parse command for %q: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("process: empty command for %q", name)
	}

	// Idempotent replace: any group already under this name goes away
	// before the new one spawns.
	s.Stop(name, StopOptions{})

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// Own process group, so the whole tree can be signalled via -pid.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %q: %w", name, err)
	}

	h := &Handle{
		name:      name,
		pid:       cmd.Process.Pid,
		cmdline:   cmdline,
		startedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	// Reap the direct child whenever it exits. Without this the group
	// liveness poll in Stop would see the zombie forever.
	go func() {
		waitErr := cmd.Wait()
		close(h.done)
		s.getLogger().Debug("process exited", "name", name, "pid", h.pid, "error", waitErr)
	}()

	s.mu.Lock()
	s.handles[name] = h
	s.mu.Unlock()

	s.getLogger().Info("process started", "name", name, "pid", h.pid)
	return h, nil
}

// Stop ends the named process group and reports whether a handle existed;
// stopping an unknown name is a no-op. The group is sent opts.Signal,
// polled for liveness through the grace window, then killed outright if
// anything survives. The handle is deregistered no matter which path ends
// the group, and forced-kill failures are swallowed.
func (s *Supervisor) Stop(name string, opts StopOptions) bool {
	s.mu.Lock()
	h, ok := s.handles[name]
	if ok {
		delete(s.handles, name)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	sig := opts.Signal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	s.getLogger().Info("stopping process",
		"name", name, "pid", h.pid, "signal", sig.String())
	s.killGroup(h.pid, sig, grace)
	return true
}

// StopAll stops every registered handle with default options.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.handles))
	for name := range s.handles {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		s.Stop(name, StopOptions{})
	}
}

// Status probes the named handle. A name with no handle is stopped.
func (s *Supervisor) Status(name string) Status {
	s.mu.Lock()
	h, ok := s.handles[name]
	s.mu.Unlock()
	if !ok {
		return StatusStopped
	}
	return Probe(h.pid)
}

// Handle returns the registered handle for name, if any.
func (s *Supervisor) Handle(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	return h, ok
}

// Snapshots returns a point-in-time view of every handle, sorted by name.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].name < handles[j].name })

	snaps := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		snaps = append(snaps, Snapshot{
			Name:      h.name,
			PID:       h.pid,
			Cmdline:   h.cmdline,
			StartedAt: h.startedAt,
			Status:    Probe(h.pid),
		})
	}
	return snaps
}

// killGroup signals the group politely, waits out the grace window, and
// escalates to SIGKILL if anything in the group is still alive.
func (s *Supervisor) killGroup(pid int, sig syscall.Signal, grace time.Duration) {
	if err := syscall.Kill(-pid, sig); errors.Is(err, syscall.ESRCH) {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(-pid, 0); errors.Is(err, syscall.ESRCH) {
			return
		}
		time.Sleep(pollInterval)
	}

	// Best effort: a group that shrugs off SIGKILL is beyond help anyway.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.getLogger().Warn("force kill failed", "pid", pid, "error", err)
	}
}

// Probe checks pid liveness without disturbing the target. Signal 0 is
// delivered to nothing but still performs the existence and permission
// checks: no-such-process means stopped, while permission-denied means
// something live answers under another uid.
func Probe(pid int) Status {
	if pid <= 0 {
		return StatusStopped
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return StatusRunning
	case errors.Is(err, syscall.ESRCH):
		return StatusStopped
	default:
		return StatusRunning
	}
}
