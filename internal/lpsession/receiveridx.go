package lpsession

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// maxAllocAttempts bounds the number of random draws the allocator makes
// before giving up. With a 32-bit random space and realistic session
// counts, collisions are astronomically unlikely; this exists only as a
// safety net against a degenerate RNG or allocation table.
const maxAllocAttempts = 100

// ErrReceiverIdxExhausted indicates the allocator could not produce a
// unique nonzero receiver_idx after maxAllocAttempts draws.
var ErrReceiverIdxExhausted = errors.New("receiveridx: allocator exhausted")

// ReceiverIdxAllocator generates unique, nonzero, random receiver_idx
// values used to route UDP data-plane datagrams to a registered session.
// Modeled directly on the BFD discriminator allocator: random draws via
// crypto/rand checked against an allocation set, zero reserved as
// "unassigned".
type ReceiverIdxAllocator struct {
	mu        sync.Mutex
	allocated map[uint32]struct{}
}

// NewReceiverIdxAllocator constructs an allocator with an empty allocation
// set.
func NewReceiverIdxAllocator() *ReceiverIdxAllocator {
	return &ReceiverIdxAllocator{allocated: make(map[uint32]struct{})}
}

// Allocate generates a unique, nonzero, random receiver_idx.
func (a *ReceiverIdxAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var buf [4]byte

	for range maxAllocAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate random receiver_idx: %w", err)
		}

		idx := binary.BigEndian.Uint32(buf[:])
		if idx == 0 {
			continue
		}
		if _, exists := a.allocated[idx]; exists {
			continue
		}

		a.allocated[idx] = struct{}{}

		return idx, nil
	}

	return 0, fmt.Errorf("allocate receiver_idx after %d attempts: %w", maxAllocAttempts, ErrReceiverIdxExhausted)
}

// Release removes a previously allocated receiver_idx from the allocation
// set. Releasing an unallocated value is a no-op.
func (a *ReceiverIdxAllocator) Release(idx uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.allocated, idx)
}
