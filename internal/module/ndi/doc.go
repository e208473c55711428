// Package ndi exposes an NDI viewer and recorder as a command module.
//
// The module owns at most two external processes, "viewer" and
// "recorder", launched from configured command templates and supervised
// as process groups. Commands adjust which source plays, start and stop
// recordings, and report process state. The viewer is replaced rather
// than reconfigured: changing input kills the old process group and
// launches a fresh one when the restart policy is enabled.
package ndi
