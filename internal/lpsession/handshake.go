package lpsession

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// protocolSalt is the fixed HKDF salt binding derived keys to this
// protocol; it is not a secret, only a domain separator.
var protocolSalt = []byte("lp-gateway/handshake/v1")

// ErrHandshakeSignature indicates a peer's handshake signature failed
// verification. Fatal: the caller must close the connection.
var ErrHandshakeSignature = errors.New("lpsession: handshake signature verification failed")

// ErrVersionMismatch indicates a client-offered protocol version shares no
// overlap with the gateway's supported range. Fatal: the caller must close
// the connection without completing the handshake.
var ErrVersionMismatch = errors.New("lpsession: no overlapping protocol version")

// ClientHello is the first handshake message, C -> G:
// client_id_key ‖ g^x. ProtocolVersion == 0 means "accept whatever the
// gateway offers" (the upgrade path); a nonzero value pins the highest
// version the client is willing to speak.
type ClientHello struct {
	ClientIDKey     ed25519.PublicKey
	Ephemeral       [32]byte // g^x
	ProtocolVersion uint32
}

// ServerHello is the second handshake message, G -> C:
// g^y ‖ AEAD(k, Sig_G(g^y ‖ g^x ‖ negotiated_version)). NegotiatedVersion
// is sent in the clear alongside the signature so the client can decide
// whether to proceed, but it is bound into the signed transcript so
// neither side can have it tampered with in transit.
type ServerHello struct {
	Ephemeral         [32]byte // g^y
	NegotiatedVersion uint32
	Ciphertext        []byte
}

// ClientFinish is the third handshake message, C -> G:
// AEAD(k, Sig_C(g^x ‖ g^y ‖ negotiated_version)).
type ClientFinish struct {
	Ciphertext []byte
}

// generateEphemeral draws a fresh X25519 scalar and returns it alongside
// its public point. The scalar is returned by value; this package does
// not wipe it after the shared secret has been derived.
func generateEphemeral() (scalar [32]byte, public [32]byte, err error) {
	if _, err = rand.Read(scalar[:]); err != nil {
		return scalar, public, fmt.Errorf("generate ephemeral scalar: %w", err)
	}

	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return scalar, public, fmt.Errorf("derive ephemeral public point: %w", err)
	}
	copy(public[:], pub)

	return scalar, public, nil
}

// deriveOuterKey runs HKDF-SHA256 over the X25519 shared secret g^xy and
// returns a 32-byte chacha20poly1305 key.
func deriveOuterKey(sharedSecret []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, protocolSalt, []byte("outer-aead"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive outer key: %w", err)
	}
	return key, nil
}

func sealWithKey(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openWithKey(key, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("lpsession: ciphertext shorter than nonce")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open handshake ciphertext: %w", err)
	}
	return pt, nil
}

// sealWithKeyAD is sealWithKey with non-empty associated data. Used only
// on the data plane, where the ciphertext is bound to (receiver_idx,
// counter) so that it cannot be replayed under a different session or
// sequence position even if the bare key material were reused.
func sealWithKeyAD(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// openWithKeyAD is openWithKey with non-empty associated data.
func openWithKeyAD(key, blob, ad []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("lpsession: ciphertext shorter than nonce")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("open transport ciphertext: %w", err)
	}
	return pt, nil
}

// handshakeTranscript builds the transcript bound by each handshake
// signature: the two ephemeral public points (ordered signer-first) plus
// the negotiated protocol version, so a version downgraded or forged in
// transit invalidates the signature.
func handshakeTranscript(first, second [32]byte, negotiatedVersion uint32) []byte {
	t := make([]byte, 0, 32+32+4)
	t = append(t, first[:]...)
	t = append(t, second[:]...)
	var vb [4]byte
	binary.BigEndian.PutUint32(vb[:], negotiatedVersion)
	return append(t, vb[:]...)
}

// ServerRespond consumes a ClientHello and the gateway's long-term ed25519
// identity key, negotiates the protocol version per NegotiateVersion, and
// produces the ServerHello plus the derived outer key. Implements
// G -> C : g^y ‖ AEAD(k, Sig_G(g^y ‖ g^x ‖ negotiated_version)).
//
// Returns ErrVersionMismatch without doing any further cryptographic work
// if the client's offered version shares no overlap with
// [serverMinimum, serverCurrent].
func ServerRespond(hello ClientHello, serverIdentity ed25519.PrivateKey, serverCurrent, serverMinimum uint32) (ServerHello, []byte, uint32, error) {
	if hello.ProtocolVersion != 0 && hello.ProtocolVersion < serverMinimum {
		return ServerHello{}, nil, 0, ErrVersionMismatch
	}
	negotiated := NegotiateVersion(hello.ProtocolVersion, serverCurrent, serverMinimum)

	scalar, serverEphemeral, err := generateEphemeral()
	if err != nil {
		return ServerHello{}, nil, 0, err
	}

	shared, err := curve25519.X25519(scalar[:], hello.Ephemeral[:])
	if err != nil {
		return ServerHello{}, nil, 0, fmt.Errorf("compute shared secret: %w", err)
	}

	key, err := deriveOuterKey(shared)
	if err != nil {
		return ServerHello{}, nil, 0, err
	}

	sig := ed25519.Sign(serverIdentity, handshakeTranscript(serverEphemeral, hello.Ephemeral, negotiated))

	ct, err := sealWithKey(key, sig)
	if err != nil {
		return ServerHello{}, nil, 0, fmt.Errorf("seal server signature: %w", err)
	}

	return ServerHello{Ephemeral: serverEphemeral, NegotiatedVersion: negotiated, Ciphertext: ct}, key, negotiated, nil
}

// ClientFinalize consumes a ServerHello, verifies the gateway's signature
// against serverIdentity, and produces the ClientFinish message along
// with the derived outer key. Implements the client side of message 2 and
// the production of message 3: C -> G : AEAD(k, Sig_C(g^x ‖ g^y ‖
// negotiated_version)).
func ClientFinalize(
	clientEphemeralScalar [32]byte,
	clientEphemeral [32]byte,
	resp ServerHello,
	serverIdentity ed25519.PublicKey,
	clientIdentity ed25519.PrivateKey,
) (ClientFinish, []byte, error) {
	shared, err := curve25519.X25519(clientEphemeralScalar[:], resp.Ephemeral[:])
	if err != nil {
		return ClientFinish{}, nil, fmt.Errorf("compute shared secret: %w", err)
	}

	key, err := deriveOuterKey(shared)
	if err != nil {
		return ClientFinish{}, nil, err
	}

	serverSig, err := openWithKey(key, resp.Ciphertext)
	if err != nil {
		return ClientFinish{}, nil, err
	}

	if !ed25519.Verify(serverIdentity, handshakeTranscript(resp.Ephemeral, clientEphemeral, resp.NegotiatedVersion), serverSig) {
		return ClientFinish{}, nil, ErrHandshakeSignature
	}

	clientSig := ed25519.Sign(clientIdentity, handshakeTranscript(clientEphemeral, resp.Ephemeral, resp.NegotiatedVersion))

	ct, err := sealWithKey(key, clientSig)
	if err != nil {
		return ClientFinish{}, nil, fmt.Errorf("seal client signature: %w", err)
	}

	return ClientFinish{Ciphertext: ct}, key, nil
}

// ServerVerifyFinish opens fin under key and verifies the client's
// signature over g^x ‖ g^y ‖ negotiated_version against clientIdentity.
// Returns ErrHandshakeSignature on failure.
func ServerVerifyFinish(fin ClientFinish, key []byte, clientEphemeral, serverEphemeral [32]byte, negotiatedVersion uint32, clientIdentity ed25519.PublicKey) error {
	clientSig, err := openWithKey(key, fin.Ciphertext)
	if err != nil {
		return err
	}

	if !ed25519.Verify(clientIdentity, handshakeTranscript(clientEphemeral, serverEphemeral, negotiatedVersion), clientSig) {
		return ErrHandshakeSignature
	}

	return nil
}

// NegotiateVersion implements the handshake's version-negotiation rule:
// absence of a client offer (offered == 0) means "accept whatever the
// server offers"; otherwise the negotiated version is min(offered,
// serverCurrent), and never below serverMinimum. Callers that need to
// distinguish a genuine no-overlap mismatch from an in-range clamp should
// check offered < serverMinimum themselves before calling this — see
// ServerRespond, which does exactly that.
func NegotiateVersion(offered, serverCurrent, serverMinimum uint32) uint32 {
	if offered == 0 {
		return serverCurrent
	}
	v := offered
	if serverCurrent < v {
		v = serverCurrent
	}
	if v < serverMinimum {
		v = serverMinimum
	}
	return v
}
