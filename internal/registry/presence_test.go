package registry

import (
	"testing"
	"time"
)

func TestTracker_UpdateAndGet(t *testing.T) {
	tr := NewTracker()

	tr.Update("bench-a", StatusDoc{
		Online:  true,
		Modules: []string{"ndi"},
		Labels:  []string{"ndi", "lab-3"},
		State:   map[string]any{"ndi": map[string]any{"state": "idle"}},
	})

	p, ok := tr.Get("bench-a")
	if !ok {
		t.Fatal("device not tracked")
	}
	if !p.Online {
		t.Error("Online = false, want true")
	}
	if p.DeviceID != "bench-a" {
		t.Errorf("DeviceID = %q, want bench-a", p.DeviceID)
	}
	if p.LastSeen.IsZero() || time.Since(p.LastSeen) > time.Minute {
		t.Errorf("LastSeen = %v, want recent", p.LastSeen)
	}

	if _, ok := tr.Get("bench-b"); ok {
		t.Error("unknown device tracked")
	}
}

func TestTracker_OfflineFlip(t *testing.T) {
	tr := NewTracker()

	tr.Update("bench-a", StatusDoc{Online: true, Modules: []string{"ndi"}})
	tr.Update("bench-a", StatusDoc{Online: false, Modules: []string{"ndi"}})

	p, _ := tr.Get("bench-a")
	if p.Online {
		t.Error("device still online after offline status")
	}
}

func TestTracker_WithModule(t *testing.T) {
	tr := NewTracker()

	tr.Update("bench-a", StatusDoc{Online: true, Modules: []string{"ndi"}})
	tr.Update("booth-1", StatusDoc{Online: true, Modules: []string{"projector"}})
	tr.Update("bench-b", StatusDoc{Online: true, Modules: []string{"ndi", "projector"}})

	ndi := tr.WithModule("ndi")
	if len(ndi) != 2 {
		t.Fatalf("WithModule(ndi) = %d devices, want 2", len(ndi))
	}
	if _, ok := ndi["booth-1"]; ok {
		t.Error("projector-only device listed under ndi")
	}

	if got := tr.WithModule("missing"); len(got) != 0 {
		t.Errorf("WithModule(missing) = %v, want empty", got)
	}
}

func TestTracker_DevicesIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Update("bench-a", StatusDoc{Online: true})

	snapshot := tr.Devices()
	delete(snapshot, "bench-a")

	if _, ok := tr.Get("bench-a"); !ok {
		t.Error("mutating the snapshot changed the tracker")
	}
}
