package client

import (
	"fmt"
	"time"
)

// State is the connectivity state of a Synchronizer.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the connectivity indicator shown to the user.
type Status struct {
	State State
	// Err is the error behind the last disconnect or failed attempt.
	Err error
	// Attempt counts consecutive failed connection attempts.
	Attempt   int
	Transport string
	SessionID string
	Since     time.Time
}

func (s Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s (attempt %d): %v", s.State, s.Attempt, s.Err)
	}
	return s.State.String()
}
