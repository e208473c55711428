// Package registry tracks who may use which device and which devices
// are online.
//
// Reservations are leases in SQLite keyed "<module>:<deviceID>": a lock
// is granted to one actor at a time, extends on re-acquire by the same
// actor, and becomes claimable once its lease window passes without a
// release. Presence is an in-memory map fed from the retained device
// status topics; it restores itself from the broker on reconnect, so it
// carries no persistence of its own.
package registry
