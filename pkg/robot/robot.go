// Package robot holds the shared robot status record and the outbound
// command link to the robot.
//
// Status is the single source of truth for the behavioral state. Every
// worker reads it through the accessors here; writes go through the named
// transitions so that the invariants (one state at a time, a move target
// only while Moving) hold under concurrent access.
package robot

import (
	"sync"
	"time"
)

// Well-known locations.
const (
	LocationA    = "A"
	LocationB    = "B"
	LocationBase = "BASE"
)

// StopSignal carries the final artifact paths for an incident. It is set by
// the persistence layer and consumed once by the merge engine.
type StopSignal struct {
	FinalImagePath string `json:"final_image_path"`
	FinalVideoPath string `json:"final_video_path"`
}

// Snapshot is a consistent copy of the status record.
type Snapshot struct {
	State          State     `json:"state"`
	TargetMarkerID *int      `json:"target_marker_id,omitempty"`
	Location       string    `json:"location"`
	IncidentLabel  string    `json:"incident_label,omitempty"`
	StopPending    bool      `json:"stop_pending"`
	Since          time.Time `json:"since"`
}

// Status is the mutex-guarded robot status record.
type Status struct {
	mu       sync.RWMutex
	state    State
	since    time.Time
	target   int
	hasTgt   bool
	location string
	label    string
	stop     *StopSignal
	moveGen  uint64
	patrols  uint64
}

// NewStatus returns a status record in Idle at BASE.
func NewStatus() *Status {
	return &Status{
		state:    Idle,
		since:    time.Now(),
		location: LocationBase,
	}
}

// State returns the current state.
func (s *Status) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Location returns the current location label.
func (s *Status) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

// Snapshot returns a consistent copy of the record.
func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		State:         s.state,
		Location:      s.location,
		IncidentLabel: s.label,
		StopPending:   s.stop != nil,
		Since:         s.since,
	}
	if s.state == Moving && s.hasTgt {
		id := s.target
		snap.TargetMarkerID = &id
	}
	return snap
}

// Target returns the marker the robot is moving toward, valid only while Moving.
func (s *Status) Target() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Moving || !s.hasTgt {
		return 0, false
	}
	return s.target, true
}

// Promote moves Patrolling to Alert and records the incident label.
// It reports whether the transition happened.
func (s *Status) Promote(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Patrolling {
		return false
	}
	s.setStateLocked(Alert)
	s.label = label
	return true
}

// Resolve moves Alert back to Patrolling after an operator decision.
// It reports whether the transition happened.
func (s *Status) Resolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Alert {
		return false
	}
	s.setStateLocked(Patrolling)
	s.label = ""
	return true
}

// BeginMove enters Moving toward markerID. The returned generation
// identifies this move; a later BeginMove supersedes it.
func (s *Status) BeginMove(markerID int, transit string) (gen uint64, prev State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.state
	s.moveGen++
	s.setStateLocked(Moving)
	s.target = markerID
	s.hasTgt = true
	s.location = transit
	s.label = ""
	return s.moveGen, prev
}

// MoveCurrent reports whether gen is the active move and the robot is still Moving.
func (s *Status) MoveCurrent(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.moveGen == gen && s.state == Moving
}

// FinishMove ends move gen at location with the given final state. It does
// nothing and returns false when gen has been superseded.
func (s *Status) FinishMove(gen uint64, location string, final State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.moveGen != gen {
		return false
	}
	s.hasTgt = false
	s.target = 0
	s.location = location
	s.setStateLocked(final)
	return true
}

// Halt forces the robot to Idle from any state. A move waiting for arrival
// observes this and abandons the move.
func (s *Status) Halt() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.setStateLocked(Idle)
	s.hasTgt = false
	s.target = 0
	s.label = ""
	return prev
}

// SetRecordingStop records the final artifact paths for the open incident.
func (s *Status) SetRecordingStop(sig StopSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = &sig
}

// TakeRecordingStop returns and clears the pending stop signal.
func (s *Status) TakeRecordingStop() (StopSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return StopSignal{}, false
	}
	sig := *s.stop
	s.stop = nil
	return sig, true
}

// PatrolEntry returns the current state together with the number of times
// the robot has entered Patrolling. The count changes on every entry, even
// when no one observed the states in between.
func (s *Status) PatrolEntry() (State, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.patrols
}

func (s *Status) setStateLocked(next State) {
	if s.state != next {
		s.since = time.Now()
		if next == Patrolling {
			s.patrols++
		}
	}
	s.state = next
}
