package keymanager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Sentinel errors for KeyManager slot-state violations. Per SPEC_FULL.md
// these are treated as fatal programmer errors: the caller (rotation
// controller) cancels the process-wide shutdown token on receipt.
var (
	ErrAlreadyAllocated = errors.New("keymanager: pre_announced slot already occupied")
	ErrSlotEmpty        = errors.New("keymanager: required slot is empty")
)

// KeyManager holds up to three HopKey slots: primary (in use for unwrapping
// forward traffic), secondary (the overlap key from the previous rotation),
// and pre_announced
// (the next rotation's key, published before it becomes primary).
//
// Slot transitions are serialized by mu; reads (CurrentPrimary,
// CandidateKeys) are lock-free atomic.Pointer loads so ingress workers
// never block behind the rotation controller and never hold a lock across
// a suspension point.
type KeyManager struct {
	mu sync.Mutex

	primary      atomic.Pointer[HopKey]
	secondary    atomic.Pointer[HopKey]
	preAnnounced atomic.Pointer[HopKey]
}

// New constructs a KeyManager whose primary slot holds a freshly generated
// key for initialRotationID. This is the only constructor; there is no
// process-wide singleton.
func New(initialRotationID uint32) (*KeyManager, error) {
	hk, err := newHopKey(initialRotationID)
	if err != nil {
		return nil, fmt.Errorf("initialize key manager: %w", err)
	}

	km := &KeyManager{}
	km.primary.Store(hk)

	return km, nil
}

// CurrentPrimary returns the key currently used for forward-hop unwrapping.
// Infallible after construction.
func (km *KeyManager) CurrentPrimary() *HopKey {
	return km.primary.Load()
}

// CandidateKeys returns up to two keys acceptable for a packet whose wire
// rotation tag is the low byte of a rotation id. Each of the primary and
// secondary keys is included iff its rotation id's low byte matches tag;
// a tag matching neither yields no keys.
func (km *KeyManager) CandidateKeys(tag byte) []*HopKey {
	out := make([]*HopKey, 0, 2)

	if p := km.primary.Load(); p != nil && byte(p.RotationID) == tag {
		out = append(out, p)
	}
	if s := km.secondary.Load(); s != nil && byte(s.RotationID) == tag {
		out = append(out, s)
	}

	return out
}

// GenerateForNext places a freshly generated key for rotationID into the
// pre_announced slot. Fails with ErrAlreadyAllocated if one is already
// present — simultaneous pre-announce attempts are an invariant violation.
func (km *KeyManager) GenerateForNext(rotationID uint32) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	if km.preAnnounced.Load() != nil {
		return ErrAlreadyAllocated
	}

	hk, err := newHopKey(rotationID)
	if err != nil {
		return fmt.Errorf("generate pre-announced key: %w", err)
	}

	km.preAnnounced.Store(hk)

	return nil
}

// SwapIntoPrimary atomically moves primary -> secondary (the old primary
// becomes the overlap key) and pre_announced -> primary, leaving
// pre_announced empty. Fails with ErrSlotEmpty if pre_announced is absent.
func (km *KeyManager) SwapIntoPrimary() error {
	km.mu.Lock()
	defer km.mu.Unlock()

	next := km.preAnnounced.Load()
	if next == nil {
		return ErrSlotEmpty
	}

	oldPrimary := km.primary.Load()
	km.secondary.Store(oldPrimary)
	km.primary.Store(next)
	km.preAnnounced.Store(nil)

	return nil
}

// PurgeSecondary clears the secondary slot, destroys its secret, and
// returns the purged key's rotation id. Fails with ErrSlotEmpty if absent.
func (km *KeyManager) PurgeSecondary() (uint32, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	old := km.secondary.Load()
	if old == nil {
		return 0, ErrSlotEmpty
	}

	km.secondary.Store(nil)
	old.Destroy()

	return old.RotationID, nil
}

// SecondaryRotationID reports the rotation id held in the secondary slot,
// or (0, false) if the slot is empty. Used by the rotation controller to
// re-derive the next action from ground truth on every wake.
func (km *KeyManager) SecondaryRotationID() (uint32, bool) {
	s := km.secondary.Load()
	if s == nil {
		return 0, false
	}
	return s.RotationID, true
}

// HasPreAnnounced reports whether a pre-announced key is currently held,
// without exposing the key itself.
func (km *KeyManager) HasPreAnnounced() bool {
	return km.preAnnounced.Load() != nil
}

// ForcePurgeSecondary unconditionally clears and destroys the secondary
// slot without requiring it to be present. Used when the rotation
// controller detects a corrupt secondary (a rotation id outside
// {current-1, current, current+1}) and must recover immediately.
func (km *KeyManager) ForcePurgeSecondary() {
	km.mu.Lock()
	defer km.mu.Unlock()

	if old := km.secondary.Load(); old != nil {
		km.secondary.Store(nil)
		old.Destroy()
	}
}
