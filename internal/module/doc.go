// Package module defines the contract between transports and device
// modules: the command envelope, the uniform result triple, and the
// Module interface every device-facing router implements.
//
// Transports (bus, HTTP) normalize inbound requests into a Command and
// hand it to Dispatch, which guarantees the caller gets a Result back
// even if a handler fails internally. Concrete modules live in the
// subpackages and decode Command.Params into their own typed parameter
// structs per action.
package module
