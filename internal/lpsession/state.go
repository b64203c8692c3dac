// Package lpsession implements the link-protocol session: the control-plane
// handshake/registration exchange, the per-session finite-state machine,
// the sliding receive window, and the manager that owns the TCP control
// listener, UDP data listener, and the receiver_idx -> session map.
package lpsession

// LpState is a state of the LpSession finite-state machine.
type LpState uint8

const (
	// StateIdle is the state of a session before any handshake message has
	// been processed.
	StateIdle LpState = iota

	// StateHandshake is entered on Init and persists across the three
	// handshake messages until key derivation completes.
	StateHandshake

	// StateRegistration is entered once outer keys are derived; the client
	// has one shot to complete the one-time registration exchange.
	StateRegistration

	// StateTransport is the steady state: ReceivePacket and SendData are
	// accepted and processed against the outer AEAD and receive window.
	StateTransport

	// StateReKey is entered from Transport while a subsession rekey
	// exchange is in flight on the control channel.
	StateReKey

	// StateSubsession is entered from Transport while the inner Noise
	// subsession handshake is in flight.
	StateSubsession

	// StateClosed is terminal. No further input produces a transition.
	StateClosed
)

// String returns the human-readable name of the state.
func (s LpState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshake:
		return "Handshake"
	case StateRegistration:
		return "Registration"
	case StateTransport:
		return "Transport"
	case StateReKey:
		return "ReKey"
	case StateSubsession:
		return "Subsession"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
