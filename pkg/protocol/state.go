// Package protocol defines the wire-level vocabulary shared between the
// TU state machine and the client sessions: TU states and their
// notification line forms, and the line-oriented command grammar.
package protocol

import "fmt"

// State is a TU's position in the call state machine.
type State int

const (
	StateOnHook State = iota
	StateRinging
	StateDialTone
	StateRingBack
	StateBusySignal
	StateConnected
	StateError
)

// String returns the state's name, used in logging and tests.
func (s State) String() string {
	switch s {
	case StateOnHook:
		return "ON_HOOK"
	case StateRinging:
		return "RINGING"
	case StateDialTone:
		return "DIAL_TONE"
	case StateRingBack:
		return "RING_BACK"
	case StateBusySignal:
		return "BUSY_SIGNAL"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// HasPeer reports whether a TU in this state is required to hold a non-nil peer.
func (s State) HasPeer() bool {
	switch s {
	case StateRinging, StateRingBack, StateConnected:
		return true
	default:
		return false
	}
}

// NotifyLine renders the wire form of a state notification line (§4.4).
// ext is the extension relevant to the state: the TU's own extension for
// ON_HOOK, the peer's extension for CONNECTED, and is ignored otherwise.
func NotifyLine(s State, ext int) string {
	switch s {
	case StateOnHook:
		return fmt.Sprintf("ON HOOK %d\n", ext)
	case StateRinging:
		return "RINGING\n"
	case StateDialTone:
		return "DIAL TONE\n"
	case StateRingBack:
		return "RING BACK\n"
	case StateBusySignal:
		return "BUSY SIGNAL\n"
	case StateConnected:
		return fmt.Sprintf("CONNECTED %d\n", ext)
	case StateError:
		return "ERROR\n"
	default:
		return "ERROR\n"
	}
}

// ChatLine renders the wire form of a chat payload delivered to the
// CONNECTED peer of the sender (§4.4).
func ChatLine(msg string) string {
	return fmt.Sprintf("CHAT %s\n", msg)
}
