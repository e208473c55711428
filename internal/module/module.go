package module

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// Command is the envelope every transport normalizes to before a module
// sees it. Params stays raw here; each module decodes it into the typed
// parameter struct for the action at hand.
type Command struct {
	ReqID  string          `json:"req_id"`
	Actor  string          `json:"actor,omitempty"`
	TS     string          `json:"ts,omitempty"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Result is the uniform outcome of one module command.
type Result struct {
	OK     bool           `json:"ok"`
	Err    string         `json:"error,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Success builds a passing result carrying fields. A nil fields map is
// replaced with an empty one so serialized results always carry an object.
func Success(fields map[string]any) Result {
	if fields == nil {
		fields = map[string]any{}
	}
	return Result{OK: true, Fields: fields}
}

// Failure builds a failing result with an empty field set.
func Failure(format string, args ...any) Result {
	return Result{Err: fmt.Sprintf(format, args...), Fields: map[string]any{}}
}

// Module is one device-facing command router bound to a single device.
// Implementations are not required to be safe for concurrent use; the
// agent serializes commands per module instance.
type Module interface {
	// Name returns the module identifier used in topics, e.g. "ndi".
	Name() string

	// Handle executes one command to completion and returns its result.
	Handle(cmd Command) Result

	// State returns the module's state document for presence reporting.
	State() any

	// OnConnect runs after the agent's bus connection is established.
	OnConnect()

	// Close releases every resource the module owns.
	Close()
}

// Logger defines the logging interface for command dispatch.
// Compatible with the infrastructure logging package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards all log output. Modules fall back to it when no
// logger is injected.
type NopLogger struct{}

func (NopLogger) Debug(msg string, args ...any) {}
func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}

// Dispatch runs the module's handler and converts any panic into a failed
// result, so the command channel never sees a hard fault from a device
// command.
func Dispatch(m Module, cmd Command, logger Logger) (res Result) {
	if logger == nil {
		logger = NopLogger{}
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("command handler panicked",
				"module", m.Name(),
				"action", cmd.Action,
				"panic", r,
				"stack", string(debug.Stack()))
			res = Failure("internal error: %v", r)
		}
	}()
	return m.Handle(cmd)
}

// DecodeParams unmarshals the command's params into a typed parameter
// struct. Absent params decode to the zero value.
func DecodeParams(cmd Command, v any) error {
	if len(cmd.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// secretParams lists parameter keys whose values never reach a log line.
var secretParams = map[string]struct{}{
	"password": {},
	"token":    {},
}

// MaskParams renders raw params for logging with secret values hidden.
// Unparsable params render as an empty map rather than failing the log call.
func MaskParams(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	for k := range m {
		if _, secret := secretParams[k]; secret {
			m[k] = "***"
		}
	}
	return m
}
