package lpsession

// This file implements the LpSession control finite-state machine as a pure
// function over a transition table, in the same style as the BFD session
// FSM: no side effects, no Session dependency, trivially testable.
//
// State diagram:
//
//	Idle --Init--> Handshake --DerivedKeys--> Registration --RegistrationOK--> Transport
//	Transport --BeginReKey--> ReKey --ReKeyComplete--> Transport
//	Transport --BeginSubsession--> Subsession --SubsessionComplete--> Transport
//	(any non-terminal state) --Close--> Closed
//
// ReceivePacket and SendData are deliberately not modeled here: their
// outcome depends on packet/window/AEAD state the pure FSM has no access
// to. They are handled by Session.ReceivePacket and Session.SendData in
// session.go, which first check that the session is in StateTransport
// before touching the window or outer cipher.

// LpInput is a control event driving the LpSession FSM.
type LpInput uint8

const (
	// InputInit starts the handshake: the control listener accepted a new
	// connection and read the client's first handshake message.
	InputInit LpInput = iota

	// InputDerivedKeys fires once the three-message handshake completes
	// and outer AEAD keys have been derived via HKDF.
	InputDerivedKeys

	// InputRegistrationOK fires once the one-shot registration exchange
	// succeeds.
	InputRegistrationOK

	// InputBeginReKey fires when the control channel starts a subsession
	// rekey exchange.
	InputBeginReKey

	// InputReKeyComplete fires when the rekey exchange finishes.
	InputReKeyComplete

	// InputBeginSubsession fires when the control channel starts an inner
	// Noise subsession handshake.
	InputBeginSubsession

	// InputSubsessionComplete fires when the subsession handshake
	// finishes.
	InputSubsessionComplete

	// InputClose fires on graceful close (control channel EOF, explicit
	// close message) or on a fatal protocol violation (receive-window
	// wrap-around, handshake signature failure).
	InputClose
)

// String returns the human-readable name of the input.
func (i LpInput) String() string {
	switch i {
	case InputInit:
		return "Init"
	case InputDerivedKeys:
		return "DerivedKeys"
	case InputRegistrationOK:
		return "RegistrationOK"
	case InputBeginReKey:
		return "BeginReKey"
	case InputReKeyComplete:
		return "ReKeyComplete"
	case InputBeginSubsession:
		return "BeginSubsession"
	case InputSubsessionComplete:
		return "SubsessionComplete"
	case InputClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// LpAction is a side-effect the caller must execute after a control
// transition.
type LpAction uint8

const (
	// ActionNone signals no side effect beyond the state change itself.
	ActionNone LpAction = iota

	// ActionConnectionClosed signals that the caller must tear down the
	// session: release the receiver_idx, remove the map entry, destroy
	// outer/inner key material.
	ActionConnectionClosed
)

// String returns the human-readable name of the action.
func (a LpAction) String() string {
	switch a {
	case ActionNone:
		return "None"
	case ActionConnectionClosed:
		return "ConnectionClosed"
	default:
		return "Unknown"
	}
}

type stateInput struct {
	state LpState
	input LpInput
}

type transition struct {
	newState LpState
	action   LpAction
}

// FSMResult holds the outcome of applying a control input to the FSM.
type FSMResult struct {
	OldState LpState
	NewState LpState
	Action   LpAction
	Changed  bool
}

//nolint:gochecknoglobals // transition table is intentionally package-level.
var fsmTable = map[stateInput]transition{
	{StateIdle, InputInit}: {newState: StateHandshake, action: ActionNone},

	{StateHandshake, InputDerivedKeys}: {newState: StateRegistration, action: ActionNone},
	{StateHandshake, InputClose}:       {newState: StateClosed, action: ActionConnectionClosed},

	{StateRegistration, InputRegistrationOK}: {newState: StateTransport, action: ActionNone},
	{StateRegistration, InputClose}:          {newState: StateClosed, action: ActionConnectionClosed},

	{StateTransport, InputBeginReKey}:      {newState: StateReKey, action: ActionNone},
	{StateTransport, InputBeginSubsession}: {newState: StateSubsession, action: ActionNone},
	{StateTransport, InputClose}:           {newState: StateClosed, action: ActionConnectionClosed},

	{StateReKey, InputReKeyComplete}: {newState: StateTransport, action: ActionNone},
	{StateReKey, InputClose}:         {newState: StateClosed, action: ActionConnectionClosed},

	{StateSubsession, InputSubsessionComplete}: {newState: StateTransport, action: ActionNone},
	{StateSubsession, InputClose}:               {newState: StateClosed, action: ActionConnectionClosed},
}

// ApplyEvent applies a control input to the given state and returns the
// result. Pure function; the caller executes Action. An input with no
// table entry for the current state is silently ignored.
func ApplyEvent(currentState LpState, input LpInput) FSMResult {
	tr, ok := fsmTable[stateInput{state: currentState, input: input}]
	if !ok {
		return FSMResult{OldState: currentState, NewState: currentState, Changed: false}
	}

	return FSMResult{
		OldState: currentState,
		NewState: tr.newState,
		Action:   tr.action,
		Changed:  currentState != tr.newState,
	}
}
