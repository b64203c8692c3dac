package lpsession

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/flynn/noise"
)

// TransportOutcomeKind names the result of processing a transport-state
// input against the LpSession.
type TransportOutcomeKind uint8

const (
	// OutcomeNoOp indicates the input produced no observable effect.
	OutcomeNoOp TransportOutcomeKind = iota

	// OutcomeDeliverData indicates decrypted application bytes are ready
	// for delivery to the packet plane.
	OutcomeDeliverData

	// OutcomeSendPacket indicates a ciphertext must be sent back to the
	// peer.
	OutcomeSendPacket

	// OutcomeConnectionClosed indicates the session has been torn down.
	OutcomeConnectionClosed
)

// TransportOutcome is the result of ReceivePacket, SendData, or Close.
// Counter is only meaningful alongside OutcomeSendPacket: the caller
// combines it with Payload and the session's ReceiverIdx via
// EncodeDataFrame to build the outbound UDP datagram.
type TransportOutcome struct {
	Kind    TransportOutcomeKind
	Payload []byte
	Counter uint32
}

// Session is a single LP session: the control FSM, the per-session
// receive window, and the outer AEAD key derived during the handshake.
//
// State is held in an atomic for lock-free reads (State()); structural
// transitions and packet processing are serialized by mu, mirroring the
// BFD session's single-writer discipline.
type Session struct {
	ReceiverIdx uint32

	mu                sync.Mutex
	state             atomic.Uint32
	window            *ReceiveWindow
	outerKey          *memguard.LockedBuffer
	sendCounter       atomic.Uint32
	lastActive        atomic.Int64 // unix nanos
	clientIDKey       ed25519.PublicKey
	negotiatedVersion atomic.Uint32

	subsessionSend *noise.CipherState
	subsessionRecv *noise.CipherState

	logger *slog.Logger
}

// NewSession constructs a Session in StateIdle with the given
// receiver_idx and receive-window size.
func NewSession(receiverIdx uint32, windowSize uint32, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ReceiverIdx: receiverIdx,
		window:      NewReceiveWindow(windowSize),
		logger:      logger,
	}
	s.state.Store(uint32(StateIdle))
	s.touch()
	return s
}

// State returns the session's current control state. Lock-free.
func (s *Session) State() LpState {
	return LpState(s.state.Load())
}

// LastActivity returns the timestamp of the last successfully processed
// packet, used by the idle sweeper.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// applyControl applies a control-plane input (handshake/registration/rekey
// /subsession/close progression) to the FSM and logs state changes.
func (s *Session) applyControl(input LpInput) FSMResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := ApplyEvent(s.State(), input)
	if result.Changed {
		s.state.Store(uint32(result.NewState))
		s.logger.Debug("lp session state transition",
			"receiver_idx", s.ReceiverIdx, "from", result.OldState, "to", result.NewState, "input", input)
	}

	if result.Action == ActionConnectionClosed {
		s.destroyLocked()
	}

	return result
}

// Init fires InputInit, moving the session from Idle into Handshake.
func (s *Session) Init() FSMResult { return s.applyControl(InputInit) }

// CompleteHandshake installs the outer AEAD key derived during the
// handshake and fires InputDerivedKeys.
func (s *Session) CompleteHandshake(outerKey []byte, clientIDKey ed25519.PublicKey, negotiatedVersion uint32) FSMResult {
	s.mu.Lock()
	s.outerKey = memguard.NewBufferFromBytes(outerKey)
	s.clientIDKey = clientIDKey
	s.mu.Unlock()
	s.negotiatedVersion.Store(negotiatedVersion)

	return s.applyControl(InputDerivedKeys)
}

// NegotiatedVersion returns the protocol version agreed on during the
// handshake. Zero before the handshake completes.
func (s *Session) NegotiatedVersion() uint32 {
	return s.negotiatedVersion.Load()
}

// CompleteRegistration fires InputRegistrationOK, entering Transport.
func (s *Session) CompleteRegistration() FSMResult {
	return s.applyControl(InputRegistrationOK)
}

// BeginReKey fires InputBeginReKey.
func (s *Session) BeginReKey() FSMResult { return s.applyControl(InputBeginReKey) }

// CompleteReKey fires InputReKeyComplete.
func (s *Session) CompleteReKey() FSMResult { return s.applyControl(InputReKeyComplete) }

// BeginSubsession fires InputBeginSubsession.
func (s *Session) BeginSubsession() FSMResult { return s.applyControl(InputBeginSubsession) }

// CompleteSubsession fires InputSubsessionComplete.
func (s *Session) CompleteSubsession() FSMResult { return s.applyControl(InputSubsessionComplete) }

// Close fires InputClose from any non-terminal state and destroys the
// session's key material.
func (s *Session) Close() TransportOutcome {
	s.applyControl(InputClose)
	return TransportOutcome{Kind: OutcomeConnectionClosed}
}

// ReceivePacket processes an inbound ciphertext against the receive
// window and outer AEAD key. Only valid while State() == StateTransport;
// any other state yields OutcomeNoOp. A window rejection (stale or
// duplicate counter) also yields OutcomeNoOp. Wrap-around is fatal and
// closes the session, yielding OutcomeConnectionClosed.
func (s *Session) ReceivePacket(counter uint32, ciphertext []byte) (TransportOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateTransport {
		return TransportOutcome{Kind: OutcomeNoOp}, nil
	}

	accepted, err := s.window.Accept(uint64(counter))
	if err != nil {
		s.destroyLocked()
		s.state.Store(uint32(StateClosed))
		return TransportOutcome{Kind: OutcomeConnectionClosed}, fmt.Errorf("receive window: %w", err)
	}
	if !accepted {
		return TransportOutcome{Kind: OutcomeNoOp}, nil
	}

	ad := associatedData(s.ReceiverIdx, counter)
	plaintext, err := openWithKeyAD(s.outerKey.Bytes(), ciphertext, ad)
	if err != nil {
		return TransportOutcome{Kind: OutcomeNoOp}, fmt.Errorf("decrypt transport packet: %w", err)
	}

	s.touch()

	return TransportOutcome{Kind: OutcomeDeliverData, Payload: plaintext}, nil
}

// SendData seals bytes for transmission to the peer, stamping the next
// outbound counter. Only valid while State() == StateTransport.
func (s *Session) SendData(plaintext []byte) (TransportOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateTransport {
		return TransportOutcome{Kind: OutcomeNoOp}, nil
	}

	counter := s.sendCounter.Add(1) - 1
	ad := associatedData(s.ReceiverIdx, counter)
	ct, err := sealWithKeyAD(s.outerKey.Bytes(), plaintext, ad)
	if err != nil {
		return TransportOutcome{}, fmt.Errorf("seal transport packet: %w", err)
	}

	return TransportOutcome{Kind: OutcomeSendPacket, Payload: ct, Counter: counter}, nil
}

func (s *Session) destroyLocked() {
	if s.outerKey != nil {
		s.outerKey.Destroy()
		s.outerKey = nil
	}
	s.subsessionSend = nil
	s.subsessionRecv = nil
}
