// Package serial manages the RS-232 line to a hardware device.
//
// A Link owns at most one open port: it resolves the endpoint (configured
// path or first USB adapter glob match), opens it lazily at 8N1, writes
// raw wire strings, and accumulates timed responses. Callers never touch
// the descriptor directly.
package serial
