package agent_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stagehand-av/stagehand/internal/agent"
	"github.com/stagehand-av/stagehand/internal/infrastructure/mqtt"
	"github.com/stagehand-av/stagehand/internal/module"
)

// fakeBus records publishes and lets tests deliver messages to the
// agent's subscribed handlers.
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []publishedMsg
}

type publishedMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBus) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{topic: topic, payload: payload, retained: retained})
	return nil
}

// deliver routes a payload to the handler subscribed on the topic.
func (b *fakeBus) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers[topic]
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription on topic %s", topic)
	}
	if err := handler(topic, payload); err != nil {
		t.Fatalf("handler for %s returned error: %v", topic, err)
	}
}

// publishedOn returns every publish on the given topic, in order.
func (b *fakeBus) publishedOn(topic string) []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishedMsg
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// fakeModule records handled commands in the order they arrive.
type fakeModule struct {
	name   string
	handle func(cmd module.Command) module.Result

	mu       sync.Mutex
	handled  []module.Command
	connects int
	closed   bool
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Handle(cmd module.Command) module.Result {
	m.mu.Lock()
	m.handled = append(m.handled, cmd)
	m.mu.Unlock()
	if m.handle != nil {
		return m.handle(cmd)
	}
	return module.Success(map[string]any{"action": cmd.Action})
}

func (m *fakeModule) State() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{"handled": len(m.handled)}
}

func (m *fakeModule) OnConnect() {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
}

func (m *fakeModule) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *fakeModule) handledActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, len(m.handled))
	for i, cmd := range m.handled {
		actions[i] = cmd.Action
	}
	return actions
}

func commandPayload(t *testing.T, reqID, action string) []byte {
	t.Helper()
	payload, err := json.Marshal(module.Command{ReqID: reqID, Action: action})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return payload
}

func TestStartRequiresModules(t *testing.T) {
	a := agent.New("cam-01", nil, newFakeBus(), nil)
	if err := a.Start(); err == nil {
		t.Fatal("expected error starting agent with no modules")
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	a := agent.New("cam-01", nil, newFakeBus(), nil)
	if err := a.Register(&fakeModule{name: "ndi"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := a.Register(&fakeModule{name: "ndi"}); err == nil {
		t.Fatal("expected error registering duplicate module name")
	}
}

func TestCommandsExecuteInOrder(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{name: "ndi"}
	a := agent.New("cam-01", nil, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var topics mqtt.Topics
	cmdTopic := topics.DeviceCommand("cam-01", "ndi")
	want := []string{"start_viewer", "set_input", "status", "stop_viewer", "status"}
	for i, action := range want {
		bus.deliver(t, cmdTopic, commandPayload(t, fmt.Sprintf("req-%d", i), action))
	}

	// Close drains the queue, so every delivered command has been
	// handled once it returns.
	a.Close()

	got := mod.handledActions()
	if len(got) != len(want) {
		t.Fatalf("handled %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResultEventCarriesReqID(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{name: "ndi"}
	a := agent.New("cam-01", nil, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var topics mqtt.Topics
	cmdTopic := topics.DeviceCommand("cam-01", "ndi")
	bus.deliver(t, cmdTopic, commandPayload(t, "req-a", "status"))
	bus.deliver(t, cmdTopic, commandPayload(t, "req-b", "start_viewer"))
	a.Close()

	events := bus.publishedOn(topics.DeviceEvent("cam-01", "ndi"))
	if len(events) != 2 {
		t.Fatalf("published %d result events, want 2", len(events))
	}
	wantReqs := []string{"req-a", "req-b"}
	for i, p := range events {
		var evt agent.ResultEvent
		if err := json.Unmarshal(p.payload, &evt); err != nil {
			t.Fatalf("unmarshal result event: %v", err)
		}
		if evt.ReqID != wantReqs[i] {
			t.Errorf("event %d req_id = %q, want %q", i, evt.ReqID, wantReqs[i])
		}
		if evt.DeviceID != "cam-01" {
			t.Errorf("event %d device_id = %q, want cam-01", i, evt.DeviceID)
		}
		if evt.Module != "ndi" {
			t.Errorf("event %d module = %q, want ndi", i, evt.Module)
		}
		if !evt.OK {
			t.Errorf("event %d ok = false, want true", i)
		}
		if p.retained {
			t.Errorf("event %d published retained, want not retained", i)
		}
	}
}

func TestResultEventCarriesFailure(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{
		name: "ndi",
		handle: func(module.Command) module.Result {
			return module.Failure("viewer not running")
		},
	}
	a := agent.New("cam-01", nil, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var topics mqtt.Topics
	bus.deliver(t, topics.DeviceCommand("cam-01", "ndi"),
		commandPayload(t, "req-1", "stop_viewer"))
	a.Close()

	events := bus.publishedOn(topics.DeviceEvent("cam-01", "ndi"))
	if len(events) != 1 {
		t.Fatalf("published %d result events, want 1", len(events))
	}
	var evt agent.ResultEvent
	if err := json.Unmarshal(events[0].payload, &evt); err != nil {
		t.Fatalf("unmarshal result event: %v", err)
	}
	if evt.OK {
		t.Error("ok = true, want false")
	}
	if evt.Error != "viewer not running" {
		t.Errorf("error = %q, want %q", evt.Error, "viewer not running")
	}
}

func TestPanicBecomesFailedResult(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{
		name: "ndi",
		handle: func(module.Command) module.Result {
			panic("boom")
		},
	}
	a := agent.New("cam-01", nil, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var topics mqtt.Topics
	bus.deliver(t, topics.DeviceCommand("cam-01", "ndi"),
		commandPayload(t, "req-1", "status"))
	a.Close()

	events := bus.publishedOn(topics.DeviceEvent("cam-01", "ndi"))
	if len(events) != 1 {
		t.Fatalf("published %d result events, want 1", len(events))
	}
	var evt agent.ResultEvent
	if err := json.Unmarshal(events[0].payload, &evt); err != nil {
		t.Fatalf("unmarshal result event: %v", err)
	}
	if evt.OK {
		t.Error("ok = true, want false")
	}
	if !strings.Contains(evt.Error, "internal error") {
		t.Errorf("error = %q, want internal error", evt.Error)
	}
}

func TestModulesQueueIndependently(t *testing.T) {
	bus := newFakeBus()
	ndiMod := &fakeModule{name: "ndi"}
	projMod := &fakeModule{name: "projector"}
	a := agent.New("booth-01", nil, bus, nil)
	if err := a.Register(ndiMod); err != nil {
		t.Fatalf("register ndi failed: %v", err)
	}
	if err := a.Register(projMod); err != nil {
		t.Fatalf("register projector failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var topics mqtt.Topics
	bus.deliver(t, topics.DeviceCommand("booth-01", "ndi"), commandPayload(t, "r1", "status"))
	bus.deliver(t, topics.DeviceCommand("booth-01", "projector"), commandPayload(t, "r2", "power_on"))
	bus.deliver(t, topics.DeviceCommand("booth-01", "ndi"), commandPayload(t, "r3", "start_viewer"))
	bus.deliver(t, topics.DeviceCommand("booth-01", "projector"), commandPayload(t, "r4", "power_off"))
	a.Close()

	gotNDI := ndiMod.handledActions()
	if len(gotNDI) != 2 || gotNDI[0] != "status" || gotNDI[1] != "start_viewer" {
		t.Errorf("ndi handled %v, want [status start_viewer]", gotNDI)
	}
	gotProj := projMod.handledActions()
	if len(gotProj) != 2 || gotProj[0] != "power_on" || gotProj[1] != "power_off" {
		t.Errorf("projector handled %v, want [power_on power_off]", gotProj)
	}
}

func TestStartPublishesRetainedPresence(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{name: "ndi"}
	a := agent.New("cam-01", []string{"rack-3"}, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Close()

	var topics mqtt.Topics
	statuses := bus.publishedOn(topics.DeviceStatus("cam-01"))
	if len(statuses) != 1 {
		t.Fatalf("published %d status documents, want 1", len(statuses))
	}
	if !statuses[0].retained {
		t.Error("presence must be published retained")
	}

	var doc struct {
		Online   bool     `json:"online"`
		DeviceID string   `json:"device_id"`
		Modules  []string `json:"modules"`
		Labels   []string `json:"labels"`
	}
	if err := json.Unmarshal(statuses[0].payload, &doc); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if !doc.Online {
		t.Error("online = false, want true")
	}
	if doc.DeviceID != "cam-01" {
		t.Errorf("device_id = %q, want cam-01", doc.DeviceID)
	}
	if len(doc.Modules) != 1 || doc.Modules[0] != "ndi" {
		t.Errorf("modules = %v, want [ndi]", doc.Modules)
	}
	if len(doc.Labels) != 1 || doc.Labels[0] != "rack-3" {
		t.Errorf("labels = %v, want [rack-3]", doc.Labels)
	}
	if mod.connects != 1 {
		t.Errorf("on-connect hooks ran %d times, want 1", mod.connects)
	}
}

func TestCloseFlipsPresenceOfflineAndClosesModules(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{name: "ndi"}
	a := agent.New("cam-01", nil, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	var topics mqtt.Topics
	cmdTopic := topics.DeviceCommand("cam-01", "ndi")
	bus.deliver(t, cmdTopic, commandPayload(t, "req-1", "status"))
	a.Close()

	// The queued command drains before the offline flip.
	if got := mod.handledActions(); len(got) != 1 {
		t.Fatalf("handled %d commands before shutdown, want 1", len(got))
	}

	statuses := bus.publishedOn(topics.DeviceStatus("cam-01"))
	if len(statuses) != 2 {
		t.Fatalf("published %d status documents, want 2", len(statuses))
	}
	var doc struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(statuses[1].payload, &doc); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if doc.Online {
		t.Error("final presence online = true, want false")
	}
	if !statuses[1].retained {
		t.Error("offline presence must be published retained")
	}
	if !mod.closed {
		t.Error("module not closed on shutdown")
	}

	// A command arriving after shutdown is rejected by the handler.
	bus.mu.Lock()
	handler := bus.handlers[cmdTopic]
	bus.mu.Unlock()
	if err := handler(cmdTopic, commandPayload(t, "req-late", "status")); err == nil {
		t.Error("expected error delivering command to closed agent")
	}
}

func TestHandlerRejectsBadPayloads(t *testing.T) {
	bus := newFakeBus()
	mod := &fakeModule{name: "ndi"}
	a := agent.New("cam-01", nil, bus, nil)
	if err := a.Register(mod); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Close()

	var topics mqtt.Topics
	cmdTopic := topics.DeviceCommand("cam-01", "ndi")
	bus.mu.Lock()
	handler := bus.handlers[cmdTopic]
	bus.mu.Unlock()

	if err := handler(cmdTopic, []byte("{not json")); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if err := handler(cmdTopic, []byte(`{"req_id": "r1"}`)); err == nil {
		t.Error("expected error for command without action")
	}
	if got := mod.handledActions(); len(got) != 0 {
		t.Errorf("handled %d commands, want 0", len(got))
	}
}
