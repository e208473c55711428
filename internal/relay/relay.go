package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-av/stagehand/internal/audit"
	"github.com/stagehand-av/stagehand/internal/infrastructure/mqtt"
	"github.com/stagehand-av/stagehand/internal/module"
	"github.com/stagehand-av/stagehand/internal/module/ndi"
	"github.com/stagehand-av/stagehand/internal/module/projector"
	"github.com/stagehand-av/stagehand/internal/registry"
)

// Code is the relay's acknowledgment result code.
type Code string

const (
	CodeOK         Code = "OK"
	CodeInUse      Code = "IN_USE"
	CodeNotOwner   Code = "NOT_OWNER"
	CodeError      Code = "ERROR"
	CodeBadAction  Code = "BAD_ACTION"
	CodeDispatched Code = "DISPATCHED"
	CodeScheduled  Code = "SCHEDULED"
)

// Coordination actions the relay handles itself rather than forwarding.
const (
	ActionReserve  = "reserve"
	ActionRelease  = "release"
	ActionSchedule = "schedule"
)

// auditTimeout bounds the synchronous audit insert per command.
const auditTimeout = 2 * time.Second

// pendingTTL is how long a dispatched req_id is remembered while
// waiting for the matching device result event.
const pendingTTL = 5 * time.Minute

// Ack is published on the orchestrator event topic after every handled
// command.
type Ack struct {
	ReqID  string         `json:"req_id"`
	OK     bool           `json:"ok"`
	Code   Code           `json:"code"`
	Error  string         `json:"error,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	TS     string         `json:"ts"`
}

// DeviceEvent mirrors the result event a device agent publishes after
// handling a command. The registry keeps the same mirror-image split
// for presence documents.
type DeviceEvent struct {
	ReqID    string         `json:"req_id"`
	DeviceID string         `json:"device_id"`
	Module   string         `json:"module"`
	Action   string         `json:"action"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Fields   map[string]any `json:"fields"`
	TS       string         `json:"ts"`
}

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

// Bus is the broker surface the relay drives. *mqtt.Client satisfies it.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Recorder receives telemetry for handled commands. *telemetry.Writer
// satisfies it; a nil Recorder disables recording.
type Recorder interface {
	RecordResult(moduleName, deviceID, action string, ok bool, duration time.Duration)
	RecordAck(moduleName, action, code string)
}

// passthrough maps each relay module to the device actions it forwards
// unchanged. Built from the device modules' own action tables so the
// two sides cannot drift apart.
var passthrough = buildPassthrough()

func buildPassthrough() map[string]map[string]struct{} {
	sets := make(map[string]map[string]struct{}, 2)

	ndiSet := make(map[string]struct{}, len(ndi.AllActions()))
	for _, a := range ndi.AllActions() {
		ndiSet[string(a)] = struct{}{}
	}
	sets[ndi.ModuleName] = ndiSet

	projSet := make(map[string]struct{}, len(projector.AllActions()))
	for _, a := range projector.AllActions() {
		projSet[string(a)] = struct{}{}
	}
	sets[projector.ModuleName] = projSet

	return sets
}

// pendingDispatch remembers when a command left the relay so the
// matching device result event can carry a round-trip duration.
type pendingDispatch struct {
	module   string
	deviceID string
	sentAt   time.Time
}

// Relay forwards orchestrator commands to device agents and owns the
// coordination actions (reserve, release, schedule).
type Relay struct {
	modules  []string
	bus      Bus
	reg      *registry.Registry
	auditor  audit.Repository
	recorder Recorder
	logger   Logger
	topics   mqtt.Topics
	sched    *Scheduler

	mu      sync.Mutex
	pending map[string]pendingDispatch

	// onAck and onEvent fan handled traffic out to the HTTP layer's
	// websocket hub. Set before Start.
	onAck   func(moduleName string, ack Ack)
	onEvent func(evt DeviceEvent)
}

// Deps holds the relay's dependencies. Bus and Registry are required;
// the rest are optional.
type Deps struct {
	Modules  []string
	Bus      Bus
	Registry *registry.Registry
	Audit    audit.Repository
	Recorder Recorder
	Logger   Logger
}

// New creates a relay. Call Start to subscribe it to the bus.
func New(deps Deps) (*Relay, error) {
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	modules := deps.Modules
	if len(modules) == 0 {
		modules = []string{ndi.ModuleName, projector.ModuleName}
	}

	r := &Relay{
		modules:  modules,
		bus:      deps.Bus,
		reg:      deps.Registry,
		auditor:  deps.Audit,
		recorder: deps.Recorder,
		logger:   logger,
		pending:  make(map[string]pendingDispatch),
	}
	r.sched = NewScheduler(r.dispatchScheduled, r.canUse, logger)
	return r, nil
}

// SetOnAck registers a sink for relay acknowledgments. Must be called
// before Start.
func (r *Relay) SetOnAck(fn func(moduleName string, ack Ack)) { r.onAck = fn }

// SetOnEvent registers a sink for device result events. Must be called
// before Start.
func (r *Relay) SetOnEvent(fn func(evt DeviceEvent)) { r.onEvent = fn }

// Start subscribes the relay to its command topics, the device presence
// topics and the device event topics.
func (r *Relay) Start() error {
	for _, m := range r.modules {
		topic := r.topics.OrchestratorCommand(m)
		if err := r.bus.Subscribe(topic, 1, r.commandHandler(m)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		r.logger.Info("relay module bound", "module", m, "topic", topic)
	}

	if err := r.bus.Subscribe(r.topics.AllDeviceStatuses(), 1, r.statusHandler); err != nil {
		return fmt.Errorf("subscribe device statuses: %w", err)
	}
	if err := r.bus.Subscribe(r.topics.AllDeviceEvents(), 1, r.eventHandler); err != nil {
		return fmt.Errorf("subscribe device events: %w", err)
	}
	return nil
}

// Close stops the scheduler. Bus and database lifetimes belong to the
// caller.
func (r *Relay) Close() {
	r.sched.Stop()
}

// Scheduler exposes the relay's command scheduler for inspection.
func (r *Relay) Scheduler() *Scheduler { return r.sched }

// PublishStatus publishes the relay's retained availability document.
func (r *Relay) PublishStatus(online bool) error {
	payload, err := json.Marshal(map[string]any{
		"online":  online,
		"modules": r.modules,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal relay status: %w", err)
	}
	return r.bus.Publish(r.topics.OrchestratorStatus(), payload, 1, true)
}

// OfflinePayload builds the retained will document registered with the
// broker for crash-detected relay outages.
func OfflinePayload() []byte {
	payload, _ := json.Marshal(map[string]any{"online": false})
	return payload
}

// commandHandler returns the bus handler for one module's command topic.
func (r *Relay) commandHandler(moduleName string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var cmd module.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decode command on %s: %w", topic, err)
		}
		if cmd.Action == "" {
			return fmt.Errorf("command on %s has no action", topic)
		}
		r.handleCommand(moduleName, cmd, payload)
		return nil
	}
}

// handleCommand routes one orchestrator command and publishes its ack.
func (r *Relay) handleCommand(moduleName string, cmd module.Command, raw []byte) {
	var ack Ack
	var deviceID string

	switch cmd.Action {
	case ActionReserve:
		deviceID, ack = r.handleReserve(moduleName, cmd)
	case ActionRelease:
		deviceID, ack = r.handleRelease(moduleName, cmd)
	case ActionSchedule:
		ack = r.handleSchedule(cmd)
	default:
		if _, forwarded := passthrough[moduleName][cmd.Action]; forwarded {
			deviceID, ack = r.handlePassthrough(moduleName, cmd, raw)
		} else {
			ack = r.fail(cmd, CodeBadAction, "unknown action %q for module %q", cmd.Action, moduleName)
		}
	}

	r.publishAck(moduleName, ack)
	r.auditCommand(moduleName, deviceID, cmd, ack)
	if r.recorder != nil {
		r.recorder.RecordAck(moduleName, cmd.Action, string(ack.Code))
	}
}

// handlePassthrough forwards the envelope unchanged to the device
// command topic and acknowledges DISPATCHED. The device's own result
// arrives later on its event topic.
func (r *Relay) handlePassthrough(moduleName string, cmd module.Command, raw []byte) (string, Ack) {
	deviceID, err := deviceIDParam(cmd)
	if err != nil {
		return "", r.fail(cmd, CodeError, "%v", err)
	}

	topic := r.topics.DeviceCommand(deviceID, moduleName)
	if err := r.bus.Publish(topic, raw, 1, false); err != nil {
		return deviceID, r.fail(cmd, CodeError, "forwarding to %s: %v", topic, err)
	}

	r.trackPending(cmd.ReqID, moduleName, deviceID)
	r.logger.Debug("command dispatched",
		"module", moduleName,
		"device_id", deviceID,
		"action", cmd.Action,
		"req_id", cmd.ReqID)
	return deviceID, r.ok(cmd, CodeDispatched, nil)
}

func (r *Relay) handleReserve(moduleName string, cmd module.Command) (string, Ack) {
	var params struct {
		DeviceID     string `json:"device_id"`
		LeaseSeconds int    `json:"lease_seconds"`
	}
	if err := module.DecodeParams(cmd, &params); err != nil {
		return "", r.fail(cmd, CodeError, "%v", err)
	}
	if params.DeviceID == "" {
		return "", r.fail(cmd, CodeError, "device_id is required")
	}
	if cmd.Actor == "" {
		return params.DeviceID, r.fail(cmd, CodeError, "actor is required to reserve")
	}

	lease := time.Duration(params.LeaseSeconds) * time.Second
	key := registry.LeaseKey(moduleName, params.DeviceID)

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	granted, err := r.reg.Lock(ctx, key, cmd.Actor, lease)
	if err != nil {
		return params.DeviceID, r.fail(cmd, CodeError, "reserving %s: %v", key, err)
	}
	if !granted {
		return params.DeviceID, r.fail(cmd, CodeInUse, "%s is reserved by another actor", key)
	}
	return params.DeviceID, r.ok(cmd, CodeOK, map[string]any{"key": key})
}

func (r *Relay) handleRelease(moduleName string, cmd module.Command) (string, Ack) {
	var params struct {
		DeviceID string `json:"device_id"`
	}
	if err := module.DecodeParams(cmd, &params); err != nil {
		return "", r.fail(cmd, CodeError, "%v", err)
	}
	if params.DeviceID == "" {
		return "", r.fail(cmd, CodeError, "device_id is required")
	}

	key := registry.LeaseKey(moduleName, params.DeviceID)

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	released, err := r.reg.Release(ctx, key, cmd.Actor)
	if err != nil {
		return params.DeviceID, r.fail(cmd, CodeError, "releasing %s: %v", key, err)
	}
	if !released {
		return params.DeviceID, r.fail(cmd, CodeNotOwner, "%s is not held by %q", key, cmd.Actor)
	}
	return params.DeviceID, r.ok(cmd, CodeOK, map[string]any{"key": key})
}

func (r *Relay) handleSchedule(cmd module.Command) Ack {
	var req ScheduleRequest
	if err := module.DecodeParams(cmd, &req); err != nil {
		return r.fail(cmd, CodeError, "%v", err)
	}
	id, err := r.sched.Schedule(cmd.Actor, req)
	if err != nil {
		return r.fail(cmd, CodeError, "%v", err)
	}
	return r.ok(cmd, CodeScheduled, map[string]any{"schedule_id": id})
}

// Dispatch builds a fresh command envelope and publishes it to the
// addressed device. The HTTP layer uses this for its dispatch-and-ack
// endpoints. Returns the generated request ID.
func (r *Relay) Dispatch(moduleName, deviceID, action string, params any, actor string) (string, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	cmd := module.Command{
		ReqID:  uuid.NewString(),
		Actor:  actor,
		TS:     time.Now().UTC().Format(time.RFC3339),
		Action: action,
		Params: raw,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}
	topic := r.topics.DeviceCommand(deviceID, moduleName)
	if err := r.bus.Publish(topic, payload, 1, false); err != nil {
		return "", fmt.Errorf("publishing to %s: %w", topic, err)
	}
	r.trackPending(cmd.ReqID, moduleName, deviceID)
	return cmd.ReqID, nil
}

// dispatchScheduled delivers one scheduled command to its device.
func (r *Relay) dispatchScheduled(moduleName, deviceID string, cmd module.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal scheduled command: %w", err)
	}
	topic := r.topics.DeviceCommand(deviceID, moduleName)
	if err := r.bus.Publish(topic, payload, 1, false); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	r.trackPending(cmd.ReqID, moduleName, deviceID)
	return nil
}

// canUse adapts the registry's lease check for the scheduler.
func (r *Relay) canUse(key, actor string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	return r.reg.CanUse(ctx, key, actor)
}

// statusHandler feeds retained presence documents into the registry.
func (r *Relay) statusHandler(topic string, payload []byte) error {
	deviceID, ok := mqtt.ParseDeviceStatus(topic)
	if !ok {
		return fmt.Errorf("unexpected status topic %s", topic)
	}
	var doc registry.StatusDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode status on %s: %w", topic, err)
	}
	r.reg.UpdatePresence(deviceID, doc)
	r.logger.Debug("device presence updated", "device_id", deviceID, "online", doc.Online)
	return nil
}

// eventHandler mirrors device result events to telemetry and the
// registered event sink.
func (r *Relay) eventHandler(topic string, payload []byte) error {
	var evt DeviceEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decode event on %s: %w", topic, err)
	}

	if sentAt, ok := r.takePending(evt.ReqID); ok && r.recorder != nil {
		r.recorder.RecordResult(evt.Module, evt.DeviceID, evt.Action, evt.OK, time.Since(sentAt))
	}
	if r.onEvent != nil {
		r.onEvent(evt)
	}
	return nil
}

func (r *Relay) trackPending(reqID, moduleName, deviceID string) {
	if reqID == "" {
		return
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if now.Sub(p.sentAt) > pendingTTL {
			delete(r.pending, id)
		}
	}
	r.pending[reqID] = pendingDispatch{module: moduleName, deviceID: deviceID, sentAt: now}
}

func (r *Relay) takePending(reqID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[reqID]
	if ok {
		delete(r.pending, reqID)
	}
	return p.sentAt, ok
}

func (r *Relay) ok(cmd module.Command, code Code, fields map[string]any) Ack {
	return Ack{
		ReqID:  cmd.ReqID,
		OK:     true,
		Code:   code,
		Fields: fields,
		TS:     time.Now().UTC().Format(time.RFC3339),
	}
}

func (r *Relay) fail(cmd module.Command, code Code, format string, args ...any) Ack {
	return Ack{
		ReqID: cmd.ReqID,
		Code:  code,
		Error: fmt.Sprintf(format, args...),
		TS:    time.Now().UTC().Format(time.RFC3339),
	}
}

func (r *Relay) publishAck(moduleName string, ack Ack) {
	payload, err := json.Marshal(ack)
	if err != nil {
		r.logger.Error("marshal ack", "module", moduleName, "error", err)
		return
	}
	topic := r.topics.OrchestratorEvent(moduleName)
	if err := r.bus.Publish(topic, payload, 1, false); err != nil {
		r.logger.Warn("publish ack failed", "topic", topic, "error", err)
	}
	if r.onAck != nil {
		r.onAck(moduleName, ack)
	}
}

// auditCommand appends the handled command to the audit trail.
// Best-effort: a failed insert is logged, never surfaced to the caller.
func (r *Relay) auditCommand(moduleName, deviceID string, cmd module.Command, ack Ack) {
	if r.auditor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	entry := audit.Entry{
		ReqID:    cmd.ReqID,
		Module:   moduleName,
		DeviceID: deviceID,
		Action:   cmd.Action,
		Actor:    cmd.Actor,
		Code:     string(ack.Code),
		OK:       ack.OK,
		Error:    ack.Error,
	}
	if err := r.auditor.Create(ctx, &entry); err != nil {
		r.logger.Warn("audit insert failed", "req_id", cmd.ReqID, "error", err)
	}
}

// deviceIDParam extracts the mandatory device_id from a command's params.
func deviceIDParam(cmd module.Command) (string, error) {
	var params struct {
		DeviceID string `json:"device_id"`
	}
	if err := module.DecodeParams(cmd, &params); err != nil {
		return "", err
	}
	if params.DeviceID == "" {
		return "", fmt.Errorf("device_id is required")
	}
	return params.DeviceID, nil
}
