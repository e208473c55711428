package ndi

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
	"github.com/stagehand-av/stagehand/internal/module"
	"github.com/stagehand-av/stagehand/internal/process"
)

// ModuleName is the identifier this module registers under.
const ModuleName = "ndi"

// Supervisor handle names for the two owned processes.
const (
	procViewer   = "viewer"
	procRecorder = "recorder"
)

// Action identifies one ndi command.
type Action string

const (
	ActionStatus        Action = "status"
	ActionStart         Action = "start"
	ActionStop          Action = "stop"
	ActionRestart       Action = "restart"
	ActionSetInput      Action = "set_input"
	ActionRecordStart   Action = "record_start"
	ActionRecordStop    Action = "record_stop"
	ActionListProcesses Action = "list_processes"
)

// AllActions returns every action the module accepts.
func AllActions() []Action {
	return []Action{
		ActionStatus, ActionStart, ActionStop, ActionRestart,
		ActionSetInput, ActionRecordStart, ActionRecordStop, ActionListProcesses,
	}
}

// Mode is the coarse lifecycle state of the viewer.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeRunning Mode = "running"
)

// State is the module's state document as published in device presence.
type State struct {
	Mode                  Mode       `json:"state"`
	Input                 string     `json:"input,omitempty"`
	ViewerPID             int        `json:"pid,omitempty"`
	Recording             bool       `json:"recording"`
	RecordPID             int        `json:"record_pid,omitempty"`
	RecordSource          string     `json:"record_source,omitempty"`
	RecordOutput          string     `json:"record_output,omitempty"`
	StartTime             *time.Time `json:"start_time,omitempty"`
	StopTime              *time.Time `json:"stop_time,omitempty"`
	RecordStartTime       *time.Time `json:"record_start_time,omitempty"`
	LastRecordingDuration float64    `json:"last_recording_duration,omitempty"`
	LastRecordingOutput   string     `json:"last_recording_output,omitempty"`
}

// Module drives an NDI viewer and recorder on one device. It owns both
// process handles through its supervisor; nothing else signals them.
type Module struct {
	deviceID  string
	cfg       config.NDIConfig
	sup       *process.Supervisor
	logger    module.Logger
	state     State
	createdAt time.Time
}

// New creates an idle ndi module for the given device.
func New(deviceID string, cfg config.NDIConfig, logger module.Logger) *Module {
	if logger == nil {
		logger = module.NopLogger{}
	}
	sup := process.NewSupervisor()
	sup.SetLogger(logger)
	return &Module{
		deviceID:  deviceID,
		cfg:       cfg,
		sup:       sup,
		logger:    logger,
		state:     State{Mode: ModeIdle},
		createdAt: time.Now(),
	}
}

// Name returns the module identifier.
func (m *Module) Name() string { return ModuleName }

// State returns a copy of the current state document.
func (m *Module) State() any { return m.state }

// OnConnect runs once the agent's bus connection is up.
func (m *Module) OnConnect() {
	m.logger.Info("ndi module ready",
		"device_id", m.deviceID,
		"ndi_path", m.cfg.NDIPath,
		"extra_env", envKeys(m.cfg.Env))
}

// Close stops every owned process. The recorder goes first with an
// interrupt so the container is finalised before the viewer is torn down.
func (m *Module) Close() {
	if _, ok := m.sup.Handle(procRecorder); ok {
		m.logger.Info("shutdown: stopping recorder", "pid", m.state.RecordPID)
		m.sup.Stop(procRecorder, process.StopOptions{Signal: syscall.SIGINT, Grace: m.cfg.StopGrace})
	}
	if _, ok := m.sup.Handle(procViewer); ok {
		m.logger.Info("shutdown: stopping viewer", "pid", m.state.ViewerPID)
		m.sup.Stop(procViewer, process.StopOptions{Grace: m.cfg.StopGrace})
	}

	m.state.Mode = ModeIdle
	m.state.Input = ""
	m.state.ViewerPID = 0
	m.state.Recording = false
	m.state.RecordPID = 0
}

type startParams struct {
	Source string `json:"source"`
}

type recordStartParams struct {
	Source     string `json:"source"`
	OutputPath string `json:"output_path"`
}

// Handle executes one command. Commands are serialized upstream; Handle
// itself never runs concurrently for one module instance.
func (m *Module) Handle(cmd module.Command) module.Result {
	m.logger.Info("command received",
		"action", cmd.Action,
		"params", module.MaskParams(cmd.Params))

	switch Action(cmd.Action) {
	case ActionStatus:
		return m.handleStatus()
	case ActionStart:
		return m.handleStart(cmd)
	case ActionStop:
		return m.handleStop()
	case ActionRestart:
		return m.handleRestart(cmd)
	case ActionSetInput:
		return m.handleSetInput(cmd)
	case ActionRecordStart:
		return m.handleRecordStart(cmd)
	case ActionRecordStop:
		return m.handleRecordStop()
	case ActionListProcesses:
		return m.handleListProcesses()
	default:
		m.logger.Error("unknown action", "action", cmd.Action)
		return module.Failure("unknown action: %s", cmd.Action)
	}
}

func (m *Module) handleStatus() module.Result {
	_, viewerExists := m.sup.Handle(procViewer)
	return module.Success(map[string]any{
		"state":          m.state.Mode,
		"viewer_running": viewerExists,
		"recording":      m.state.Recording,
		"current_input":  m.state.Input,
		"viewer_pid":     m.state.ViewerPID,
		"record_pid":     m.state.RecordPID,
		"uptime":         time.Since(m.createdAt).Seconds(),
		"config": map[string]any{
			"set_input_restart": m.cfg.SetInputRestart,
			"ndi_path":          m.cfg.NDIPath,
		},
	})
}

func (m *Module) handleStart(cmd module.Command) module.Result {
	var p startParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	if p.Source == "" {
		m.logger.Error("start rejected, missing source")
		return module.Failure("missing source")
	}
	return m.startViewer(p.Source)
}

func (m *Module) startViewer(source string) module.Result {
	if !validSource(source) {
		m.logger.Error("start rejected, invalid source", "source", source)
		return module.Failure("invalid source: %s", source)
	}

	if m.sup.Status(procViewer) == process.StatusRunning && m.state.Input == source {
		m.logger.Info("viewer already running", "source", source, "pid", m.state.ViewerPID)
		return module.Success(map[string]any{
			"pid":             m.state.ViewerPID,
			"input":           source,
			"already_running": true,
		})
	}

	if m.cfg.StartCmdTemplate == "" {
		m.logger.Error("start rejected, start_cmd_template not set")
		return module.Failure("start_cmd_template not set")
	}
	pid, err := m.spawnViewer(source)
	if err != nil {
		m.logger.Error("viewer start failed", "source", source, "error", err)
		return module.Failure("failed to start viewer: %v", err)
	}

	m.state.Input = source
	m.logger.Info("viewer started", "pid", pid, "input", source)
	return module.Success(map[string]any{"pid": pid, "input": source, "started": true})
}

func (m *Module) handleStop() module.Result {
	h, ok := m.sup.Handle(procViewer)
	if !ok {
		m.logger.Info("stop requested with no viewer running")
		return module.Success(map[string]any{"already_stopped": true})
	}

	oldPID := h.PID()
	m.logger.Info("stopping viewer", "pid", oldPID)
	m.sup.Stop(procViewer, process.StopOptions{Grace: m.cfg.StopGrace})

	now := time.Now()
	m.state.Mode = ModeIdle
	m.state.Input = ""
	m.state.ViewerPID = 0
	m.state.StopTime = &now
	return module.Success(map[string]any{"stopped_pid": oldPID})
}

func (m *Module) handleRestart(cmd module.Command) module.Result {
	var p startParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	source := p.Source
	if source == "" {
		source = m.state.Input
	}
	if source == "" {
		m.logger.Error("restart rejected, no source specified or remembered")
		return module.Failure("no source to restart with")
	}

	m.sup.Stop(procViewer, process.StopOptions{Grace: m.cfg.StopGrace})
	return m.startViewer(source)
}

func (m *Module) handleSetInput(cmd module.Command) module.Result {
	var p startParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	if p.Source == "" {
		m.logger.Error("set_input rejected, missing source")
		return module.Failure("missing source")
	}
	if !validSource(p.Source) {
		m.logger.Error("set_input rejected, invalid source", "source", p.Source)
		return module.Failure("invalid source: %s", p.Source)
	}

	m.logger.Info("input change requested", "source", p.Source, "restart", m.cfg.SetInputRestart)
	m.state.Input = p.Source

	if m.cfg.SetInputRestart {
		if m.cfg.StartCmdTemplate == "" {
			m.logger.Error("set_input rejected, start_cmd_template not set")
			return module.Failure("start_cmd_template not set")
		}
		if _, err := m.spawnViewer(p.Source); err != nil {
			m.logger.Error("viewer restart failed", "source", p.Source, "error", err)
			return module.Failure("failed to restart viewer: %v", err)
		}
	}

	return module.Success(map[string]any{
		"input":     p.Source,
		"pid":       m.state.ViewerPID,
		"restarted": m.cfg.SetInputRestart,
	})
}

func (m *Module) handleRecordStart(cmd module.Command) module.Result {
	var p recordStartParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	source := p.Source
	if source == "" {
		source = m.state.Input
	}
	if source == "" {
		m.logger.Error("record_start rejected, no source to record")
		return module.Failure("no source to record")
	}
	if !validSource(source) {
		m.logger.Error("record_start rejected, invalid source", "source", source)
		return module.Failure("invalid source: %s", source)
	}

	if m.sup.Status(procRecorder) == process.StatusRunning {
		m.logger.Info("already recording", "pid", m.state.RecordPID)
		return module.Success(map[string]any{
			"recording":         true,
			"record_pid":        m.state.RecordPID,
			"already_recording": true,
		})
	}

	if m.cfg.RecordCmdTemplate == "" {
		m.logger.Error("record_start rejected, record_cmd_template not set")
		return module.Failure("record_cmd_template not set")
	}

	outputPath := p.OutputPath
	if outputPath == "" {
		dir := m.cfg.RecordDir
		if dir == "" {
			dir = os.TempDir()
		}
		outputPath = filepath.Join(dir, fmt.Sprintf("recording_%s_%d.mp4", m.deviceID, time.Now().Unix()))
	}

	cmdline, err := renderTemplate(m.cfg.RecordCmdTemplate, map[string]string{
		"source":      source,
		"device_id":   m.deviceID,
		"output_path": outputPath,
	})
	if err != nil {
		m.logger.Error("recorder start failed", "error", err)
		return module.Failure("failed to start recording: %v", err)
	}

	m.logger.Info("starting recorder", "cmd", cmdline, "output", outputPath)
	h, err := m.sup.Start(procRecorder, cmdline, process.StartOptions{Env: m.spawnEnv()})
	if err != nil {
		m.state.Recording = false
		m.state.RecordPID = 0
		m.logger.Error("recorder spawn failed", "error", err)
		return module.Failure("failed to start recording: %v", err)
	}

	now := time.Now()
	m.state.Recording = true
	m.state.RecordPID = h.PID()
	m.state.RecordSource = source
	m.state.RecordOutput = outputPath
	m.state.RecordStartTime = &now
	m.logger.Info("recorder started", "pid", h.PID(), "output", outputPath)
	return module.Success(map[string]any{
		"recording":   true,
		"record_pid":  h.PID(),
		"output_path": outputPath,
	})
}

func (m *Module) handleRecordStop() module.Result {
	h, ok := m.sup.Handle(procRecorder)
	if !ok {
		m.logger.Info("record_stop requested with no recording in progress")
		return module.Success(map[string]any{"recording": false, "already_stopped": true})
	}

	oldPID := h.PID()
	outputPath := m.state.RecordOutput
	var duration float64
	if m.state.RecordStartTime != nil {
		duration = time.Since(*m.state.RecordStartTime).Seconds()
	}

	// Interrupt first so the container index gets written.
	m.logger.Info("stopping recorder", "pid", oldPID)
	m.sup.Stop(procRecorder, process.StopOptions{Signal: syscall.SIGINT, Grace: m.cfg.StopGrace})

	m.state.Recording = false
	m.state.RecordPID = 0
	m.state.LastRecordingDuration = duration
	m.state.LastRecordingOutput = outputPath
	m.logger.Info("recorder stopped", "duration_s", duration)
	return module.Success(map[string]any{
		"recording":   false,
		"stopped_pid": oldPID,
		"duration":    duration,
		"output_path": outputPath,
	})
}

func (m *Module) handleListProcesses() module.Result {
	processes := map[string]any{}
	if h, ok := m.sup.Handle(procViewer); ok {
		processes[procViewer] = map[string]any{
			"pid":    h.PID(),
			"status": string(m.sup.Status(procViewer)),
			"source": m.state.Input,
		}
	}
	if h, ok := m.sup.Handle(procRecorder); ok {
		processes[procRecorder] = map[string]any{
			"pid":    h.PID(),
			"status": string(m.sup.Status(procRecorder)),
			"source": m.state.RecordSource,
			"output": m.state.RecordOutput,
		}
	}
	return module.Success(map[string]any{"processes": processes})
}

// spawnViewer replaces the viewer process with one playing source and
// updates the process-side state fields. On failure the viewer is left
// stopped; remembered input is the caller's concern.
func (m *Module) spawnViewer(source string) (int, error) {
	cmdline, err := renderTemplate(m.cfg.StartCmdTemplate, map[string]string{
		"source":    source,
		"device_id": m.deviceID,
	})
	if err != nil {
		return 0, err
	}

	m.logger.Info("launching viewer", "cmd", cmdline)
	h, err := m.sup.Start(procViewer, cmdline, process.StartOptions{Env: m.spawnEnv()})
	if err != nil {
		m.state.Mode = ModeIdle
		m.state.ViewerPID = 0
		return 0, err
	}

	now := time.Now()
	m.state.Mode = ModeRunning
	m.state.ViewerPID = h.PID()
	m.state.StartTime = &now
	return h.PID(), nil
}

// spawnEnv builds the environment overrides for spawned processes:
// NDI_PATH plus any configured extras, in stable order.
func (m *Module) spawnEnv() []string {
	var env []string
	if m.cfg.NDIPath != "" {
		env = append(env, "NDI_PATH="+m.cfg.NDIPath)
	}
	for _, k := range envKeys(m.cfg.Env) {
		env = append(env, k+"="+m.cfg.Env[k])
	}
	return env
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validSource accepts any source that is non-empty after trimming.
// No check against live discovery is made; sources come and go faster
// than a stale rejection would be worth.
func validSource(source string) bool {
	return strings.TrimSpace(source) != ""
}
