package robot

import (
	"fmt"
	"strings"
)

// State is the robot's behavioral state.
type State int

const (
	Idle State = iota
	Moving
	Patrolling
	Alert
)

var stateNames = [...]string{
	Idle:       "idle",
	Moving:     "moving",
	Patrolling: "patrolling",
	Alert:      "alert",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Scanning reports whether frames go to the detection service in this state.
func (s State) Scanning() bool {
	return s == Patrolling || s == Alert
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState parses a state name. "detected" is accepted for Alert.
func ParseState(name string) (State, error) {
	switch strings.ToLower(name) {
	case "idle":
		return Idle, nil
	case "moving":
		return Moving, nil
	case "patrolling":
		return Patrolling, nil
	case "alert", "detected":
		return Alert, nil
	}
	return Idle, fmt.Errorf("unknown robot state %q", name)
}
