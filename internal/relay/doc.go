// Package relay implements the orchestrator-side command relay.
//
// The relay listens on the orchestrator command topics, forwards
// passthrough actions to the addressed device agent, and handles the
// coordination actions itself: reserve/release against the reservation
// registry and schedule against the command scheduler. Every handled
// command is acknowledged on the matching orchestrator event topic with
// a result code (OK, IN_USE, NOT_OWNER, ERROR, BAD_ACTION, DISPATCHED,
// SCHEDULED) and appended to the command audit trail.
//
// The relay also mirrors the device side of the bus: retained presence
// documents feed the registry's device tracker, and device result
// events are fanned out to registered sinks (websocket clients,
// telemetry).
package relay
