package registry

import (
	"slices"
	"sync"
	"time"
)

// StatusDoc is the retained presence document a device agent publishes
// on its status topic.
type StatusDoc struct {
	Online   bool           `json:"online"`
	DeviceID string         `json:"device_id"`
	Modules  []string       `json:"modules"`
	Labels   []string       `json:"labels,omitempty"`
	State    map[string]any `json:"state,omitempty"`
	TS       string         `json:"ts,omitempty"`
}

// Presence is the tracked view of one device.
type Presence struct {
	DeviceID string         `json:"device_id"`
	Online   bool           `json:"online"`
	Modules  []string       `json:"modules"`
	Labels   []string       `json:"labels,omitempty"`
	State    map[string]any `json:"state,omitempty"`
	LastSeen time.Time      `json:"last_seen"`
}

// Tracker keeps the last known presence per device. It is fed from the
// retained device status topics and read by the HTTP layer, so it must
// tolerate concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]Presence
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{devices: make(map[string]Presence)}
}

// Update replaces the tracked presence for a device. The topic's device
// segment wins over any device_id inside the document.
func (t *Tracker) Update(deviceID string, doc StatusDoc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[deviceID] = Presence{
		DeviceID: deviceID,
		Online:   doc.Online,
		Modules:  doc.Modules,
		Labels:   doc.Labels,
		State:    doc.State,
		LastSeen: time.Now().UTC(),
	}
}

// Get returns the tracked presence for one device.
func (t *Tracker) Get(deviceID string) (Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.devices[deviceID]
	return p, ok
}

// Devices returns a copy of every tracked presence.
func (t *Tracker) Devices() map[string]Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Presence, len(t.devices))
	for id, p := range t.devices {
		out[id] = p
	}
	return out
}

// WithModule returns the devices that expose the named module.
func (t *Tracker) WithModule(module string) map[string]Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Presence)
	for id, p := range t.devices {
		if slices.Contains(p.Modules, module) {
			out[id] = p
		}
	}
	return out
}
