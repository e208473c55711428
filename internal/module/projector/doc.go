// Package projector exposes an RS-232 controlled projector as a command
// module. Commands are rendered from a fixed wire table (power, input,
// aspect, navigation, parametric image adjustments) and pushed down a
// lazily connected serial link; raw passthrough with a timed response
// read is available for everything the table does not cover.
package projector
