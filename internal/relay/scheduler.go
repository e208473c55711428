package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stagehand-av/stagehand/internal/module"
	"github.com/stagehand-av/stagehand/internal/registry"
)

// ScheduledCommand is one device command inside a schedule.
type ScheduledCommand struct {
	Module   string          `json:"module"`
	DeviceID string          `json:"device_id"`
	Action   string          `json:"action"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// ScheduleRequest is the params payload of a schedule action. Exactly
// one of At (RFC3339, one-shot) or Cron (standard 5-field expression,
// recurring) must be set.
type ScheduleRequest struct {
	At       string             `json:"at,omitempty"`
	Cron     string             `json:"cron,omitempty"`
	Commands []ScheduledCommand `json:"commands"`
}

// ScheduleEntry describes one registered schedule.
type ScheduleEntry struct {
	ID       string             `json:"id"`
	Actor    string             `json:"actor"`
	At       string             `json:"at,omitempty"`
	Cron     string             `json:"cron,omitempty"`
	Commands []ScheduledCommand `json:"commands"`
	Created  time.Time          `json:"created"`
}

// DispatchFunc delivers one command envelope to a device.
type DispatchFunc func(moduleName, deviceID string, cmd module.Command) error

// CanUseFunc reports whether actor may command the resource behind key
// at fire time.
type CanUseFunc func(key, actor string) (bool, error)

// Scheduler registers one-shot and cron schedules of device commands.
// At fire time each command is dispatched only if the scheduling actor
// still holds (or nobody holds) the device's reservation.
type Scheduler struct {
	dispatch DispatchFunc
	canUse   CanUseFunc
	logger   Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]ScheduleEntry
	cronIDs map[string]cron.EntryID
	timers  map[string]*time.Timer
	stopped bool
}

// NewScheduler creates a started scheduler.
func NewScheduler(dispatch DispatchFunc, canUse CanUseFunc, logger Logger) *Scheduler {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Scheduler{
		dispatch: dispatch,
		canUse:   canUse,
		logger:   logger,
		cron:     cron.New(),
		entries:  make(map[string]ScheduleEntry),
		cronIDs:  make(map[string]cron.EntryID),
		timers:   make(map[string]*time.Timer),
	}
	s.cron.Start()
	return s
}

// Schedule validates and registers a schedule, returning its ID.
func (s *Scheduler) Schedule(actor string, req ScheduleRequest) (string, error) {
	if actor == "" {
		return "", fmt.Errorf("actor is required to schedule")
	}
	if err := validateRequest(req); err != nil {
		return "", err
	}

	id := uuid.NewString()
	entry := ScheduleEntry{
		ID:       id,
		Actor:    actor,
		At:       req.At,
		Cron:     req.Cron,
		Commands: req.Commands,
		Created:  time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", fmt.Errorf("scheduler stopped")
	}

	if req.At != "" {
		at, _ := time.Parse(time.RFC3339, req.At)
		s.timers[id] = time.AfterFunc(time.Until(at), func() {
			s.fire(id, true)
		})
	} else {
		cronID, err := s.cron.AddFunc(req.Cron, func() {
			s.fire(id, false)
		})
		if err != nil {
			return "", fmt.Errorf("registering cron schedule: %w", err)
		}
		s.cronIDs[id] = cronID
	}

	s.entries[id] = entry
	s.logger.Info("schedule registered",
		"schedule_id", id,
		"actor", actor,
		"at", req.At,
		"cron", req.Cron,
		"commands", len(req.Commands))
	return id, nil
}

// validateRequest checks a schedule request without registering it.
func validateRequest(req ScheduleRequest) error {
	if (req.At == "") == (req.Cron == "") {
		return fmt.Errorf("exactly one of at or cron is required")
	}
	if req.At != "" {
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return fmt.Errorf("invalid at time %q: %w", req.At, err)
		}
		if !at.After(time.Now()) {
			return fmt.Errorf("at time %q is in the past", req.At)
		}
	}
	if req.Cron != "" {
		if _, err := cron.ParseStandard(req.Cron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", req.Cron, err)
		}
	}
	if len(req.Commands) == 0 {
		return fmt.Errorf("at least one command is required")
	}
	for i, c := range req.Commands {
		if c.Module == "" || c.DeviceID == "" || c.Action == "" {
			return fmt.Errorf("command %d: module, device_id and action are required", i)
		}
		if _, known := passthrough[c.Module]; !known {
			return fmt.Errorf("command %d: unknown module %q", i, c.Module)
		}
		if _, forwarded := passthrough[c.Module][c.Action]; !forwarded {
			return fmt.Errorf("command %d: action %q cannot be scheduled for module %q", i, c.Action, c.Module)
		}
	}
	return nil
}

// fire dispatches every command of one schedule. One-shot entries are
// removed afterwards.
func (s *Scheduler) fire(id string, oneShot bool) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if oneShot {
		delete(s.entries, id)
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, c := range entry.Commands {
		key := registry.LeaseKey(c.Module, c.DeviceID)
		allowed, err := s.canUse(key, entry.Actor)
		if err != nil {
			s.logger.Error("schedule lease check failed",
				"schedule_id", id, "key", key, "error", err)
			continue
		}
		if !allowed {
			s.logger.Warn("scheduled command skipped, device reserved elsewhere",
				"schedule_id", id, "key", key, "actor", entry.Actor)
			continue
		}

		cmd := module.Command{
			ReqID:  uuid.NewString(),
			Actor:  "host:" + entry.Actor,
			TS:     time.Now().UTC().Format(time.RFC3339),
			Action: c.Action,
			Params: c.Params,
		}
		if err := s.dispatch(c.Module, c.DeviceID, cmd); err != nil {
			s.logger.Error("scheduled dispatch failed",
				"schedule_id", id,
				"module", c.Module,
				"device_id", c.DeviceID,
				"action", c.Action,
				"error", err)
			continue
		}
		s.logger.Info("scheduled command dispatched",
			"schedule_id", id,
			"module", c.Module,
			"device_id", c.DeviceID,
			"action", c.Action,
			"req_id", cmd.ReqID)
	}
}

// Cancel removes a schedule. Unknown IDs report false.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	if cronID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(cronID)
		delete(s.cronIDs, id)
	}
	return true
}

// Entries returns a copy of the registered schedules.
func (s *Scheduler) Entries() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Stop halts the cron runner and every pending one-shot timer. Fires
// already in flight run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}
