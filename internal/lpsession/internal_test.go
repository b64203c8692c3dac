package lpsession

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestHandshakeThreeMessageRoundTrip(t *testing.T) {
	t.Parallel()

	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}
	clientPub, clientPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}

	clientScalar, clientEphemeral, err := generateEphemeral()
	if err != nil {
		t.Fatalf("generate client ephemeral: %v", err)
	}

	hello := ClientHello{ClientIDKey: clientPub, Ephemeral: clientEphemeral}

	serverHello, serverKey, negotiated, err := ServerRespond(hello, serverPriv, 1, 1)
	if err != nil {
		t.Fatalf("ServerRespond: %v", err)
	}

	finish, clientKey, err := ClientFinalize(clientScalar, clientEphemeral, serverHello, serverPub, clientPriv)
	if err != nil {
		t.Fatalf("ClientFinalize: %v", err)
	}

	if !bytes.Equal(serverKey, clientKey) {
		t.Fatal("server and client derived different outer keys")
	}

	if err := ServerVerifyFinish(finish, serverKey, clientEphemeral, serverHello.Ephemeral, negotiated, clientPub); err != nil {
		t.Fatalf("ServerVerifyFinish: %v", err)
	}
}

func TestHandshakeRejectsForgedServerSignature(t *testing.T) {
	t.Parallel()

	_, serverPriv, _ := ed25519.GenerateKey(nil)
	impostorPub, _, _ := ed25519.GenerateKey(nil)
	clientPub, clientPriv, _ := ed25519.GenerateKey(nil)

	clientScalar, clientEphemeral, err := generateEphemeral()
	if err != nil {
		t.Fatalf("generate client ephemeral: %v", err)
	}

	hello := ClientHello{ClientIDKey: clientPub, Ephemeral: clientEphemeral}
	serverHello, _, _, err := ServerRespond(hello, serverPriv, 1, 1)
	if err != nil {
		t.Fatalf("ServerRespond: %v", err)
	}

	_, _, err = ClientFinalize(clientScalar, clientEphemeral, serverHello, impostorPub, clientPriv)
	if err != ErrHandshakeSignature {
		t.Fatalf("ClientFinalize with wrong server identity: err = %v, want ErrHandshakeSignature", err)
	}
}

func TestNegotiateVersion(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                                  string
		offered, serverCurrent, serverMinimum uint32
		want                                  uint32
	}{
		{"no client offer accepts server current", 0, 5, 1, 5},
		{"client offers lower, negotiate down", 2, 5, 1, 2},
		{"client offers higher, clamp to server current", 9, 5, 1, 5},
		{"negotiated never below server minimum", 2, 5, 3, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := NegotiateVersion(tc.offered, tc.serverCurrent, tc.serverMinimum)
			if got != tc.want {
				t.Fatalf("NegotiateVersion(%d,%d,%d) = %d, want %d", tc.offered, tc.serverCurrent, tc.serverMinimum, got, tc.want)
			}
		})
	}
}

func TestServerRespondNegotiatesVersion(t *testing.T) {
	t.Parallel()

	_, serverPriv, _ := ed25519.GenerateKey(nil)
	clientPub, _, _ := ed25519.GenerateKey(nil)
	_, clientEphemeral, err := generateEphemeral()
	if err != nil {
		t.Fatalf("generate client ephemeral: %v", err)
	}

	hello := ClientHello{ClientIDKey: clientPub, Ephemeral: clientEphemeral, ProtocolVersion: 2}
	resp, _, negotiated, err := ServerRespond(hello, serverPriv, 5, 1)
	if err != nil {
		t.Fatalf("ServerRespond: %v", err)
	}
	if negotiated != 2 {
		t.Fatalf("negotiated = %d, want 2", negotiated)
	}
	if resp.NegotiatedVersion != 2 {
		t.Fatalf("resp.NegotiatedVersion = %d, want 2", resp.NegotiatedVersion)
	}
}

func TestServerRespondRejectsVersionWithNoOverlap(t *testing.T) {
	t.Parallel()

	_, serverPriv, _ := ed25519.GenerateKey(nil)
	clientPub, _, _ := ed25519.GenerateKey(nil)
	_, clientEphemeral, err := generateEphemeral()
	if err != nil {
		t.Fatalf("generate client ephemeral: %v", err)
	}

	hello := ClientHello{ClientIDKey: clientPub, Ephemeral: clientEphemeral, ProtocolVersion: 1}
	_, _, _, err = ServerRespond(hello, serverPriv, 5, 3)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("ServerRespond: err = %v, want ErrVersionMismatch", err)
	}
}

func TestReceiverIdxAllocatorNeverReturnsZero(t *testing.T) {
	t.Parallel()

	a := NewReceiverIdxAllocator()
	for range 1000 {
		idx, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if idx == 0 {
			t.Fatal("Allocate returned reserved zero value")
		}
	}
}

func TestReceiverIdxAllocatorRejectsDuplicates(t *testing.T) {
	t.Parallel()

	a := NewReceiverIdxAllocator()
	seen := make(map[uint32]struct{})
	for range 500 {
		idx, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if _, dup := seen[idx]; dup {
			t.Fatalf("Allocate returned duplicate %d", idx)
		}
		seen[idx] = struct{}{}
	}
}

func TestReceiverIdxAllocatorReleaseAllowsReuse(t *testing.T) {
	t.Parallel()

	a := NewReceiverIdxAllocator()
	idx, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	a.Release(idx)

	if _, exists := a.allocated[idx]; exists {
		t.Fatalf("receiver_idx %d still marked allocated after Release", idx)
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}

	sess := NewSession(1, 64, nil)
	sess.Init()

	key := make([]byte, 32)
	sess.CompleteHandshake(key, pub, 1)
	sess.CompleteRegistration()

	if sess.State() != StateTransport {
		t.Fatalf("session state = %v, want Transport", sess.State())
	}

	return sess
}

func TestSessionSendThenReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)

	out, err := sess.SendData([]byte("hello gateway"))
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if out.Kind != OutcomeSendPacket {
		t.Fatalf("SendData outcome = %v, want OutcomeSendPacket", out.Kind)
	}

	recv, err := sess.ReceivePacket(out.Counter, out.Payload)
	if err != nil {
		t.Fatalf("ReceivePacket: %v", err)
	}
	if recv.Kind != OutcomeDeliverData {
		t.Fatalf("ReceivePacket outcome = %v, want OutcomeDeliverData", recv.Kind)
	}
	if string(recv.Payload) != "hello gateway" {
		t.Fatalf("payload = %q, want %q", recv.Payload, "hello gateway")
	}
}

func TestSessionReceivePacketBeforeTransportIsNoOp(t *testing.T) {
	t.Parallel()

	sess := NewSession(2, 64, nil)
	sess.Init()

	out, err := sess.ReceivePacket(1, []byte("garbage"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != OutcomeNoOp {
		t.Fatalf("outcome = %v, want OutcomeNoOp before Transport", out.Kind)
	}
}

func TestSessionDuplicateCounterRejected(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)

	out, err := sess.SendData([]byte("ping"))
	if err != nil {
		t.Fatalf("SendData: %v", err)
	}

	if _, err := sess.ReceivePacket(out.Counter, out.Payload); err != nil {
		t.Fatalf("first ReceivePacket: %v", err)
	}
	dup, err := sess.ReceivePacket(out.Counter, out.Payload)
	if err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if dup.Kind != OutcomeNoOp {
		t.Fatalf("duplicate counter outcome = %v, want OutcomeNoOp", dup.Kind)
	}
}

func TestSessionCloseDestroysKeyMaterial(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t)

	outcome := sess.Close()
	if outcome.Kind != OutcomeConnectionClosed {
		t.Fatalf("Close outcome = %v, want OutcomeConnectionClosed", outcome.Kind)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state after Close = %v, want Closed", sess.State())
	}
}
