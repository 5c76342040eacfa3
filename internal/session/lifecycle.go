// Package session implements the client side of a live rehearsal: the
// lifecycle of one conversation attempt, microphone forwarding, gapless
// playback of persona audio, transcript assembly and the dynamic instruction
// channel.
//
// A [Pipeline] owns exactly one session. Every input (commands, upstream
// events, link closure, playback status, the elapsed-time ticker and connect
// results) is a message on the pipeline's inbox and is handled by a single
// goroutine, so state transitions are strictly serialized. [Manager] enforces
// that at most one pipeline is live at a time.
package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateReady is the initial state; no devices or link are held.
	StateReady State = iota

	// StateRinging plays the ringtone until the participant accepts or
	// declines. Only call sessions ring.
	StateRinging

	// StateConnecting acquires devices, dials the relay and waits for the
	// upstream to acknowledge the setup message.
	StateConnecting

	// StateActive is the live conversation.
	StateActive

	// StateEnded is terminal. All resources have been released.
	StateEnded
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions enumerates every legal state change.
var transitions = map[State][]State{
	StateReady:      {StateRinging, StateConnecting},
	StateRinging:    {StateReady, StateConnecting, StateEnded},
	StateConnecting: {StateActive, StateReady, StateEnded},
	StateActive:     {StateEnded},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidTransition is returned when a command is not valid in the
	// current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")

	// ErrNotActive is returned by operations that need a live conversation.
	ErrNotActive = errors.New("session: not active")

	// ErrClosed is returned after the pipeline has been closed.
	ErrClosed = errors.New("session: pipeline closed")

	// ErrConnectTimeout is reported when the upstream does not acknowledge
	// setup within the connect timeout.
	ErrConnectTimeout = errors.New("session: timed out waiting for upstream")

	// ErrLinkClosed is reported when the relay link ends.
	ErrLinkClosed = errors.New("session: link closed")
)

// transitionError describes a rejected command.
func transitionError(op string, from State) error {
	return fmt.Errorf("%w: %s not allowed while %s", ErrInvalidTransition, op, from)
}
