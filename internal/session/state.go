package session

import (
	"fmt"
	"time"
)

// State is a lifecycle phase of the [Manager].
type State int

const (
	// Idle holds no resources. It is the only state that accepts Connect.
	Idle State = iota

	// Connecting is acquiring devices and opening the remote session.
	Connecting

	// Open streams audio both ways and dispatches tool calls.
	Open

	// Closing is releasing resources. It always ends in Idle.
	Closing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is the observable state of the [Manager] at one point in time.
type Snapshot struct {
	// State is the current lifecycle phase.
	State State `json:"state"`

	// Connected is true exactly while State is Open.
	Connected bool `json:"connected"`

	// Talking is true while at least one inbound buffer is playing.
	Talking bool `json:"talking"`

	// InputVolume is the latest microphone RMS energy (unitless, 0..1).
	InputVolume float64 `json:"input_volume"`

	// SessionID identifies the current session; empty while Idle.
	SessionID string `json:"session_id,omitempty"`

	// Since is when State was entered.
	Since time.Time `json:"since"`
}
