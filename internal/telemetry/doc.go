// Package telemetry records command outcomes to InfluxDB.
//
// The relay feeds one point per device result event through a Writer.
// Writes are batched and asynchronous; a broken telemetry backend never
// slows down or fails command handling. The whole package is optional
// and config-gated: when telemetry is disabled the relay simply carries
// a nil Writer.
package telemetry
