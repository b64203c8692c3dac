package lpsession

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

// subsessionCipherSuite pins the inner subsession handshake to X25519 /
// ChaChaPoly / SHA256, the same primitive family as the outer handshake
// in handshake.go.
var subsessionCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ErrSubsessionIncomplete indicates the Noise handshake state did not
// complete after the expected number of messages.
var ErrSubsessionIncomplete = errors.New("lpsession: subsession handshake did not complete")

// ErrNoSubsession indicates an inner subsession frame arrived while no
// subsession cipher state was established.
var ErrNoSubsession = errors.New("lpsession: no active subsession")

// The gateway is never the Noise initiator: the client always opens the
// inner subsession, mirroring how it always opens the outer LP handshake
// (handshake.go's ClientHello). A fresh Noise_NN exchange is used rather
// than reusing the outer identity keys — the outer handshake has already
// authenticated both peers, so the subsession only needs forward-secret
// key separation for whatever the control channel carries over it
// (bandwidth top-ups, rekey material), not a second authentication.
func newResponderHandshakeState() (*noise.HandshakeState, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: subsessionCipherSuite,
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("construct subsession responder state: %w", err)
	}
	return hs, nil
}

// EstablishSubsession runs the responder side of the one-round-trip
// Noise_NN subsession handshake: it consumes the client's initiator
// message and returns the response message the caller must send back
// over the control channel. On success the session moves
// Transport -> Subsession -> Transport and the derived send/receive
// cipher states are installed for SealSubsession/OpenSubsession.
func (s *Session) EstablishSubsession(initiatorMsg []byte) ([]byte, error) {
	if result := s.BeginSubsession(); result.NewState != StateSubsession {
		return nil, fmt.Errorf("lpsession: cannot begin subsession from state %s", result.OldState)
	}

	hs, err := newResponderHandshakeState()
	if err != nil {
		s.applyControl(InputSubsessionComplete)
		return nil, err
	}

	if _, _, _, err := hs.ReadMessage(nil, initiatorMsg); err != nil {
		s.applyControl(InputSubsessionComplete)
		return nil, fmt.Errorf("read subsession initiator message: %w", err)
	}

	respMsg, csForInitiator, csForResponder, err := hs.WriteMessage(nil, nil)
	if err != nil {
		s.applyControl(InputSubsessionComplete)
		return nil, fmt.Errorf("write subsession response message: %w", err)
	}
	if csForInitiator == nil || csForResponder == nil {
		s.applyControl(InputSubsessionComplete)
		return nil, ErrSubsessionIncomplete
	}

	s.mu.Lock()
	// csForInitiator encrypts messages sent by the initiator (the
	// client), so the gateway uses it to decrypt; csForResponder is the
	// gateway's own send key.
	s.subsessionRecv = csForInitiator
	s.subsessionSend = csForResponder
	s.mu.Unlock()

	s.applyControl(InputSubsessionComplete)
	return respMsg, nil
}

// SealSubsession encrypts plaintext under the established subsession
// send key. Returns ErrNoSubsession if no subsession is active.
func (s *Session) SealSubsession(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subsessionSend == nil {
		return nil, ErrNoSubsession
	}
	return s.subsessionSend.Encrypt(nil, nil, plaintext), nil
}

// OpenSubsession decrypts ciphertext under the established subsession
// receive key. Returns ErrNoSubsession if no subsession is active.
func (s *Session) OpenSubsession(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subsessionRecv == nil {
		return nil, ErrNoSubsession
	}
	pt, err := s.subsessionRecv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open subsession frame: %w", err)
	}
	return pt, nil
}
