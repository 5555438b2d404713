package transport

import (
	"fmt"
	"time"
)

// State is the connection state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateError
	StateReconnecting
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateOpen:         "open",
	StateClosing:      "closing",
	StateClosed:       "closed",
	StateError:        "error",
	StateReconnecting: "reconnecting",
}

// String returns the lowercase wire name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseState maps a wire name back to a [State].
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return StateIdle, false
}

// Transition is one observed state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Backoff returns the reconnect delay for the given zero-based attempt:
// min(base * 2^attempt, max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for range attempt {
		if d >= max {
			return max
		}
		d *= 2
	}
	return min(d, max)
}
