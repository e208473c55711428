package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Stagehand MQTT namespace.
//
// All topics use the lab scheme with a leading slash, matching the broker
// ACLs deployed alongside the orchestrator:
//
//	/lab/orchestrator/{module}/cmd    commands addressed to the relay
//	/lab/orchestrator/{module}/evt    acks and events from the relay
//	/lab/device/{device}/{module}/cmd commands addressed to a device agent
//	/lab/device/{device}/{module}/evt results from a device agent
//	/lab/device/{device}/status       retained device presence
const (
	// TopicPrefixLab is the root of the lab namespace.
	TopicPrefixLab = "/lab"

	// TopicPrefixOrchestrator is the base for relay-facing topics.
	TopicPrefixOrchestrator = "/lab/orchestrator"

	// TopicPrefixDevice is the base for device-facing topics.
	TopicPrefixDevice = "/lab/device"
)

// Topics provides builders for Stagehand MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.DeviceCommand("cam-01", "ndi")
//	// Returns: "/lab/device/cam-01/ndi/cmd"
type Topics struct{}

// =============================================================================
// Orchestrator Topics
// =============================================================================

// OrchestratorCommand returns the topic callers use to address the relay.
//
// Example: /lab/orchestrator/ndi/cmd
func (Topics) OrchestratorCommand(module string) string {
	return fmt.Sprintf("%s/%s/cmd", TopicPrefixOrchestrator, module)
}

// OrchestratorEvent returns the topic the relay publishes acks and events on.
//
// Example: /lab/orchestrator/ndi/evt
func (Topics) OrchestratorEvent(module string) string {
	return fmt.Sprintf("%s/%s/evt", TopicPrefixOrchestrator, module)
}

// OrchestratorStatus returns the relay's availability topic.
//
// Example: /lab/orchestrator/status
func (Topics) OrchestratorStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixOrchestrator)
}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceCommand returns the topic for commands to a device module.
//
// Example: /lab/device/cam-01/ndi/cmd
func (Topics) DeviceCommand(deviceID, module string) string {
	return fmt.Sprintf("%s/%s/%s/cmd", TopicPrefixDevice, deviceID, module)
}

// DeviceEvent returns the topic for command results from a device module.
//
// Example: /lab/device/cam-01/ndi/evt
func (Topics) DeviceEvent(deviceID, module string) string {
	return fmt.Sprintf("%s/%s/%s/evt", TopicPrefixDevice, deviceID, module)
}

// DeviceStatus returns the retained presence topic for a device.
//
// Example: /lab/device/cam-01/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllOrchestratorCommands returns a pattern matching commands for every
// relay module.
//
// Pattern: /lab/orchestrator/+/cmd
func (Topics) AllOrchestratorCommands() string {
	return fmt.Sprintf("%s/+/cmd", TopicPrefixOrchestrator)
}

// AllOrchestratorEvents returns a pattern matching acks from every relay
// module.
//
// Pattern: /lab/orchestrator/+/evt
func (Topics) AllOrchestratorEvents() string {
	return fmt.Sprintf("%s/+/evt", TopicPrefixOrchestrator)
}

// DeviceCommands returns a pattern matching commands for every module of
// one device. Agents subscribe to this once and route internally.
//
// Pattern: /lab/device/cam-01/+/cmd
func (Topics) DeviceCommands(deviceID string) string {
	return fmt.Sprintf("%s/%s/+/cmd", TopicPrefixDevice, deviceID)
}

// AllDeviceEvents returns a pattern matching results from every device
// module.
//
// Pattern: /lab/device/+/+/evt
func (Topics) AllDeviceEvents() string {
	return fmt.Sprintf("%s/+/+/evt", TopicPrefixDevice)
}

// AllDeviceStatuses returns a pattern matching every device presence topic.
//
// Pattern: /lab/device/+/status
func (Topics) AllDeviceStatuses() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixDevice)
}

// AllTopics returns a pattern matching the entire lab namespace.
// Use with caution - this receives ALL traffic.
//
// Pattern: /lab/#
func (Topics) AllTopics() string {
	return TopicPrefixLab + "/#"
}

// =============================================================================
// Topic Parsing
// =============================================================================

// ParseDeviceCommand extracts the device ID and module name from a device
// command topic. Returns ok=false for topics outside the device command
// scheme.
func ParseDeviceCommand(topic string) (deviceID, module string, ok bool) {
	tail, found := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(tail, "/")
	if len(parts) != 3 || parts[2] != "cmd" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseOrchestratorCommand extracts the module name from an orchestrator
// command topic. Returns ok=false for topics outside the orchestrator
// command scheme.
func ParseOrchestratorCommand(topic string) (module string, ok bool) {
	tail, found := strings.CutPrefix(topic, TopicPrefixOrchestrator+"/")
	if !found {
		return "", false
	}
	parts := strings.Split(tail, "/")
	if len(parts) != 2 || parts[1] != "cmd" || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

// ParseDeviceStatus extracts the device ID from a presence topic.
func ParseDeviceStatus(topic string) (deviceID string, ok bool) {
	tail, found := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !found {
		return "", false
	}
	parts := strings.Split(tail, "/")
	if len(parts) != 2 || parts[1] != "status" || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}
