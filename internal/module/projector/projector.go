package projector

import (
	"encoding/json"
	"time"

	"github.com/stagehand-av/stagehand/internal/infrastructure/config"
	"github.com/stagehand-av/stagehand/internal/module"
	"github.com/stagehand-av/stagehand/internal/serial"
)

// ModuleName is the identifier this module registers under.
const ModuleName = "projector"

// rawReadTimeout bounds the response window after a raw command.
const rawReadTimeout = 2 * time.Second

// Action identifies one projector command.
type Action string

const (
	ActionStatus         Action = "status"
	ActionPowerOn        Action = "power_on"
	ActionPowerOff       Action = "power_off"
	ActionSetInput       Action = "set_input"
	ActionSetAspectRatio Action = "set_aspect_ratio"
	ActionNavigate       Action = "navigate"
	ActionAdjustImage    Action = "adjust_image"
	ActionSendRaw        Action = "send_raw_command"
)

// AllActions returns every action the module accepts.
func AllActions() []Action {
	return []Action{
		ActionStatus, ActionPowerOn, ActionPowerOff, ActionSetInput,
		ActionSetAspectRatio, ActionNavigate, ActionAdjustImage, ActionSendRaw,
	}
}

// Power is the last commanded power state.
type Power string

const (
	PowerOn  Power = "on"
	PowerOff Power = "off"
)

// Mode is the serial-link side of the module state.
type Mode string

const (
	ModeDisconnected Mode = "disconnected"
	ModeConnected    Mode = "connected"
)

// State is the module's state document as published in device presence.
// Power, input and aspect reflect the last successfully transmitted
// command, not a hardware readback.
type State struct {
	Mode        Mode        `json:"state"`
	Connected   bool        `json:"connected"`
	SerialPort  string      `json:"serial_port,omitempty"`
	BaudRate    int         `json:"baud_rate,omitempty"`
	Power       Power       `json:"power_state,omitempty"`
	Input       Input       `json:"current_input,omitempty"`
	AspectRatio AspectRatio `json:"aspect_ratio,omitempty"`
	LastError   string      `json:"error,omitempty"`
}

// Transport is the serial surface the module drives. *serial.Link
// implements it; the link's descriptor stays owned by the link.
type Transport interface {
	Connect() error
	Connected() bool
	Send(wire string) error
	ReadResponse(timeout time.Duration) string
	Disconnect()
	Endpoint() string
}

// Module drives an RS-232 projector over a serial link.
type Module struct {
	deviceID string
	cfg      config.ProjectorConfig
	link     Transport
	logger   module.Logger
	state    State
}

// New creates a projector module with its own serial link. The link is
// opened lazily; a projector plugged in after startup is picked up on
// the next command.
func New(deviceID string, cfg config.ProjectorConfig, logger module.Logger) *Module {
	link := serial.NewLink(serial.Config{
		Port:         cfg.SerialPort,
		AutoDiscover: cfg.AutoDiscoverPort,
		BaudRate:     cfg.BaudRate,
		ReadTimeout:  cfg.ReadTimeout,
	})
	if logger != nil {
		link.SetLogger(logger)
	}
	return newWithTransport(deviceID, cfg, link, logger)
}

func newWithTransport(deviceID string, cfg config.ProjectorConfig, link Transport, logger module.Logger) *Module {
	if logger == nil {
		logger = module.NopLogger{}
	}
	return &Module{
		deviceID: deviceID,
		cfg:      cfg,
		link:     link,
		logger:   logger,
		state:    State{Mode: ModeDisconnected, BaudRate: cfg.BaudRate},
	}
}

// Name returns the module identifier.
func (m *Module) Name() string { return ModuleName }

// State returns the current state document with live link status.
func (m *Module) State() any {
	st := m.state
	st.Connected = m.link.Connected()
	st.SerialPort = m.link.Endpoint()
	if st.Connected {
		st.Mode = ModeConnected
	} else {
		st.Mode = ModeDisconnected
	}
	return st
}

// OnConnect attempts an eager serial connect so presence reports the
// link state immediately. Failure is not fatal; commands retry.
func (m *Module) OnConnect() {
	if err := m.link.Connect(); err != nil {
		m.logger.Warn("projector serial not available", "device_id", m.deviceID, "error", err)
		return
	}
	m.logger.Info("projector module ready",
		"device_id", m.deviceID,
		"port", m.link.Endpoint(),
		"baud_rate", m.cfg.BaudRate)
}

// Close releases the serial link.
func (m *Module) Close() {
	m.link.Disconnect()
	m.logger.Info("serial connection closed", "device_id", m.deviceID)
}

type setInputParams struct {
	Input string `json:"input"`
}

type aspectParams struct {
	Ratio string `json:"ratio"`
}

type navigateParams struct {
	Direction string `json:"direction"`
}

type adjustParams struct {
	Adjustment string      `json:"adjustment"`
	Value      json.Number `json:"value"`
}

type rawParams struct {
	Command string `json:"command"`
}

// Handle executes one command. Every action needs the serial line, so
// the link is established up front; parameters are still validated
// before anything is transmitted.
func (m *Module) Handle(cmd module.Command) module.Result {
	m.logger.Info("command received",
		"action", cmd.Action,
		"params", module.MaskParams(cmd.Params))

	// Status is answered without touching the hardware.
	if Action(cmd.Action) == ActionStatus {
		return m.handleStatus()
	}

	if !m.ensureLink() {
		return module.Failure("Serial connection not available")
	}

	switch Action(cmd.Action) {
	case ActionPowerOn:
		return m.handlePower(PowerOn, wirePowerOn)
	case ActionPowerOff:
		return m.handlePower(PowerOff, wirePowerOff)
	case ActionSetInput:
		return m.handleSetInput(cmd)
	case ActionSetAspectRatio:
		return m.handleSetAspectRatio(cmd)
	case ActionNavigate:
		return m.handleNavigate(cmd)
	case ActionAdjustImage:
		return m.handleAdjustImage(cmd)
	case ActionSendRaw:
		return m.handleSendRaw(cmd)
	default:
		m.logger.Error("unknown action", "action", cmd.Action)
		return module.Failure("unknown action: %s", cmd.Action)
	}
}

// handleStatus returns a read-only snapshot of the module state with
// live link status.
func (m *Module) handleStatus() module.Result {
	st, _ := m.State().(State)
	fields := map[string]any{
		"state":       st.Mode,
		"connected":   st.Connected,
		"baud_rate":   m.cfg.BaudRate,
		"serial_port": st.SerialPort,
	}
	if st.Power != "" {
		fields["power_state"] = st.Power
	}
	if st.Input != "" {
		fields["current_input"] = st.Input
	}
	if st.AspectRatio != "" {
		fields["aspect_ratio"] = st.AspectRatio
	}
	return module.Success(fields)
}

func (m *Module) ensureLink() bool {
	if m.link.Connected() {
		return true
	}
	if err := m.link.Connect(); err != nil {
		m.logger.Error("serial connection not available", "error", err)
		m.state.LastError = err.Error()
		return false
	}
	m.state.LastError = ""
	return true
}

func (m *Module) handlePower(target Power, wire string) module.Result {
	if err := m.link.Send(wire); err != nil {
		m.logger.Error("power command failed", "target", target, "error", err)
		return module.Failure("Failed to send power %s command", target)
	}
	m.state.Power = target
	m.logger.Info("power state changed", "power_state", target)
	return module.Success(map[string]any{"power_state": target})
}

func (m *Module) handleSetInput(cmd module.Command) module.Result {
	var p setInputParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	input := Input(p.Input)
	wire, ok := inputCommands[input]
	if !ok {
		return module.Failure("Invalid input source. Must be HDMI1 or HDMI2")
	}

	if err := m.link.Send(wire); err != nil {
		m.logger.Error("input command failed", "input", input, "error", err)
		return module.Failure("Failed to set input to %s", input)
	}
	m.state.Input = input
	m.logger.Info("input changed", "current_input", input)
	return module.Success(map[string]any{"current_input": input})
}

func (m *Module) handleSetAspectRatio(cmd module.Command) module.Result {
	var p aspectParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	ratio := AspectRatio(p.Ratio)
	wire, ok := aspectCommands[ratio]
	if !ok {
		return module.Failure("Invalid aspect ratio. Must be 4:3 or 16:9")
	}

	if err := m.link.Send(wire); err != nil {
		m.logger.Error("aspect command failed", "ratio", ratio, "error", err)
		return module.Failure("Failed to set aspect ratio to %s", ratio)
	}
	m.state.AspectRatio = ratio
	m.logger.Info("aspect ratio changed", "aspect_ratio", ratio)
	return module.Success(map[string]any{"aspect_ratio": ratio})
}

func (m *Module) handleNavigate(cmd module.Command) module.Result {
	var p navigateParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	direction := Direction(p.Direction)
	wire, ok := navigationCommands[direction]
	if !ok {
		return module.Failure("Invalid navigation direction")
	}

	if err := m.link.Send(wire); err != nil {
		m.logger.Error("navigation command failed", "direction", direction, "error", err)
		return module.Failure("Failed to send %s command", direction)
	}
	return module.Success(map[string]any{"last_navigation": direction})
}

func (m *Module) handleAdjustImage(cmd module.Command) module.Result {
	var p adjustParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	spec, ok := adjustmentCommands[Adjustment(p.Adjustment)]
	if !ok {
		return module.Failure("Invalid adjustment type")
	}
	value64, err := p.Value.Int64()
	if err != nil {
		return module.Failure("Adjustment value must be an integer")
	}
	value := int(value64)

	wire, err := spec.render(value)
	if err != nil {
		return module.Failure("%s", err)
	}
	if err := m.link.Send(wire); err != nil {
		m.logger.Error("adjustment command failed", "adjustment", p.Adjustment, "error", err)
		return module.Failure("Failed to adjust %s", p.Adjustment)
	}
	return module.Success(map[string]any{"adjustment": Adjustment(p.Adjustment), "value": value})
}

func (m *Module) handleSendRaw(cmd module.Command) module.Result {
	var p rawParams
	if err := module.DecodeParams(cmd, &p); err != nil {
		return module.Failure("invalid params: %v", err)
	}
	if p.Command == "" {
		return module.Failure("Raw command cannot be empty")
	}

	if err := m.link.Send(p.Command); err != nil {
		m.logger.Error("raw command failed", "error", err)
		return module.Failure("Failed to send raw command")
	}
	response := m.link.ReadResponse(rawReadTimeout)
	return module.Success(map[string]any{"response": response})
}
