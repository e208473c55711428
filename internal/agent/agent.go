package agent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stagehand-av/stagehand/internal/infrastructure/mqtt"
	"github.com/stagehand-av/stagehand/internal/module"
)

// commandQueueDepth bounds each module's FIFO. A full queue pushes back
// on the broker router rather than dropping or reordering commands.
const commandQueueDepth = 32

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

// Bus is the broker surface the agent drives. *mqtt.Client satisfies it.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// ResultEvent is published on the device event topic after every
// handled command.
type ResultEvent struct {
	ReqID    string         `json:"req_id"`
	DeviceID string         `json:"device_id"`
	Module   string         `json:"module"`
	Action   string         `json:"action"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Fields   map[string]any `json:"fields"`
	TS       string         `json:"ts"`
}

// presence is the retained status document. The relay's registry keeps
// the mirror-image view of the same JSON.
type presence struct {
	Online   bool           `json:"online"`
	DeviceID string         `json:"device_id"`
	Modules  []string       `json:"modules"`
	Labels   []string       `json:"labels,omitempty"`
	State    map[string]any `json:"state,omitempty"`
	TS       string         `json:"ts"`
}

// Agent runs one device's modules: it binds each module to its command
// topic, executes commands strictly in arrival order per module, and
// reports results and presence back to the bus.
type Agent struct {
	deviceID string
	labels   []string
	bus      Bus
	logger   Logger
	topics   mqtt.Topics

	mu      sync.RWMutex
	modules map[string]module.Module
	order   []string
	queues  map[string]chan module.Command
	closed  bool

	wg sync.WaitGroup
}

// New creates an agent for the given device identity.
func New(deviceID string, labels []string, bus Bus, logger Logger) *Agent {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Agent{
		deviceID: deviceID,
		labels:   labels,
		bus:      bus,
		logger:   logger,
		modules:  make(map[string]module.Module),
		queues:   make(map[string]chan module.Command),
	}
}

// Register adds a module before Start. Module names must be unique.
func (a *Agent) Register(m module.Module) error {
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module has no name")
	}
	if _, exists := a.modules[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	a.modules[name] = m
	a.order = append(a.order, name)
	return nil
}

// Start subscribes every registered module's command topic, launches
// the per-module workers and announces presence.
func (a *Agent) Start() error {
	if len(a.modules) == 0 {
		return fmt.Errorf("no modules registered")
	}

	for _, name := range a.order {
		m := a.modules[name]
		queue := make(chan module.Command, commandQueueDepth)
		a.queues[name] = queue

		topic := a.topics.DeviceCommand(a.deviceID, name)
		if err := a.bus.Subscribe(topic, 1, a.commandHandler(name)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}

		a.wg.Add(1)
		go a.runWorker(m, queue)
		a.logger.Info("module bound", "module", name, "topic", topic)
	}

	if err := a.PublishPresence(); err != nil {
		a.logger.Warn("initial presence publish failed", "error", err)
	}
	for _, name := range a.order {
		a.modules[name].OnConnect()
	}
	return nil
}

// commandHandler returns the bus handler feeding one module's queue.
func (a *Agent) commandHandler(name string) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		var cmd module.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return fmt.Errorf("decode command on %s: %w", topic, err)
		}
		if cmd.Action == "" {
			return fmt.Errorf("command on %s has no action", topic)
		}
		return a.enqueue(name, cmd)
	}
}

func (a *Agent) enqueue(name string, cmd module.Command) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("agent closed, dropping %s command", name)
	}
	// Blocking send: the bus router delivers one message at a time, so
	// arrival order is queue order.
	a.queues[name] <- cmd
	return nil
}

func (a *Agent) runWorker(m module.Module, queue <-chan module.Command) {
	defer a.wg.Done()
	for cmd := range queue {
		res := module.Dispatch(m, cmd, a.logger)
		a.publishResult(m.Name(), cmd, res)
	}
}

func (a *Agent) publishResult(moduleName string, cmd module.Command, res module.Result) {
	evt := ResultEvent{
		ReqID:    cmd.ReqID,
		DeviceID: a.deviceID,
		Module:   moduleName,
		Action:   cmd.Action,
		OK:       res.OK,
		Error:    res.Err,
		Fields:   res.Fields,
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		a.logger.Error("marshal result event", "module", moduleName, "error", err)
		return
	}
	topic := a.topics.DeviceEvent(a.deviceID, moduleName)
	if err := a.bus.Publish(topic, payload, 1, false); err != nil {
		a.logger.Warn("publish result event failed", "topic", topic, "error", err)
	}
}

// PublishPresence publishes the retained online status document. Wire
// it to the bus client's on-connect callback so presence reappears
// after a reconnect.
func (a *Agent) PublishPresence() error {
	return a.publishPresence(true)
}

func (a *Agent) publishPresence(online bool) error {
	state := make(map[string]any, len(a.modules))
	for _, name := range a.order {
		state[name] = a.modules[name].State()
	}
	doc := presence{
		Online:   online,
		DeviceID: a.deviceID,
		Modules:  append([]string(nil), a.order...),
		Labels:   a.labels,
		State:    state,
		TS:       time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return a.bus.Publish(a.topics.DeviceStatus(a.deviceID), payload, 1, true)
}

// OfflinePayload builds the retained will document registered with the
// broker, published on the device's behalf if the connection dies.
func OfflinePayload(deviceID string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"online":    false,
		"device_id": deviceID,
	})
	return payload
}

// Close drains the workers, flips presence to offline and shuts the
// modules down. The bus connection itself belongs to the caller.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	for _, queue := range a.queues {
		close(queue)
	}
	a.wg.Wait()

	if err := a.publishPresence(false); err != nil {
		a.logger.Warn("offline presence publish failed", "error", err)
	}
	for _, name := range a.order {
		a.modules[name].Close()
	}
	a.logger.Info("agent stopped", "device_id", a.deviceID)
}
