// Package keymanager holds the Sphinx hop-decryption key slots: primary,
// secondary (overlap), and pre-announced. It is mutated exclusively by the
// rotation controller and read concurrently by the packet plane.
package keymanager

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
)

// HopKey is one decryption key used to unwrap a single Sphinx hop.
//
// The secret scalar lives in a memguard.LockedBuffer: mlock'd, guard-paged
// memory that is reliably wiped when Destroy is called, rather than relying
// on a best-effort zeroing loop the compiler is free to eliminate.
type HopKey struct {
	RotationID uint32
	secret     *memguard.LockedBuffer
	public     [32]byte
}

// newHopKey generates a fresh X25519 key pair for rotationID using a
// cryptographically secure RNG. Keys are never derived from a seed.
func newHopKey(rotationID uint32) (*HopKey, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return nil, fmt.Errorf("generate hop key scalar: %w", err)
	}

	pub, err := curve25519.X25519(scalar[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive hop key public point: %w", err)
	}

	hk := &HopKey{
		RotationID: rotationID,
		secret:     memguard.NewBufferFromBytes(scalar[:]),
	}
	copy(hk.public[:], pub)

	return hk, nil
}

// Public returns the key's X25519 public point.
func (k *HopKey) Public() [32]byte {
	return k.public
}

// WithSecret runs fn with the key's secret scalar bytes in scope. The
// slice passed to fn must not be retained past the call.
func (k *HopKey) WithSecret(fn func(secret []byte)) {
	fn(k.secret.Bytes())
}

// Destroy wipes the secret scalar. Safe to call more than once.
func (k *HopKey) Destroy() {
	k.secret.Destroy()
}
