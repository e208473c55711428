package registry

import (
	"context"
	"database/sql"
	"time"
)

// Snapshot is the combined registry view served to API callers.
type Snapshot struct {
	Devices map[string]Presence `json:"devices"`
	Leases  []Lease             `json:"leases"`
}

// Registry combines the persistent lease store with the in-memory
// device presence tracker. One instance serves every relay module.
type Registry struct {
	leases   *LeaseStore
	presence *Tracker
}

// New creates a registry on an open database.
func New(db *sql.DB) *Registry {
	return &Registry{
		leases:   NewLeaseStore(db),
		presence: NewTracker(),
	}
}

// Lock acquires or extends a reservation. See LeaseStore.Lock.
func (r *Registry) Lock(ctx context.Context, key, actor string, lease time.Duration) (bool, error) {
	return r.leases.Lock(ctx, key, actor, lease)
}

// Release drops a reservation held by actor. See LeaseStore.Release.
func (r *Registry) Release(ctx context.Context, key, actor string) (bool, error) {
	return r.leases.Release(ctx, key, actor)
}

// CanUse reports whether actor may command the resource behind key.
func (r *Registry) CanUse(ctx context.Context, key, actor string) (bool, error) {
	return r.leases.CanUse(ctx, key, actor)
}

// Sweep removes expired lease rows.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	return r.leases.Sweep(ctx)
}

// UpdatePresence records the latest status document for a device.
func (r *Registry) UpdatePresence(deviceID string, doc StatusDoc) {
	r.presence.Update(deviceID, doc)
}

// Device returns the tracked presence for one device.
func (r *Registry) Device(deviceID string) (Presence, bool) {
	return r.presence.Get(deviceID)
}

// Devices returns every tracked device presence.
func (r *Registry) Devices() map[string]Presence {
	return r.presence.Devices()
}

// DevicesWithModule returns the devices exposing the named module.
func (r *Registry) DevicesWithModule(module string) map[string]Presence {
	return r.presence.WithModule(module)
}

// Snapshot returns the current devices and live leases.
func (r *Registry) Snapshot(ctx context.Context) (Snapshot, error) {
	leases, err := r.leases.Live(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Devices: r.presence.Devices(),
		Leases:  leases,
	}, nil
}
