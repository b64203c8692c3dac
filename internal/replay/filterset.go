package replay

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Sentinel errors for FilterSet slot-state violations.
var (
	ErrAlreadyAllocated = errors.New("replay: pre_announced filter already allocated")
	ErrSlotEmpty        = errors.New("replay: required filter slot is empty")
)

// FilterSet mirrors keymanager.KeyManager's three-slot lifecycle so the
// rotation controller can allocate, promote, and purge replay filters in
// lockstep with hop keys: primary, secondary (overlap), pre_announced.
type FilterSet struct {
	mu sync.Mutex

	primary      atomic.Pointer[Filter]
	secondary    atomic.Pointer[Filter]
	preAnnounced atomic.Pointer[Filter]

	budget  uint64
	epsilon float64
}

// NewFilterSet constructs a FilterSet whose primary slot holds a filter for
// initialRotationID, sized by budget and epsilon.
func NewFilterSet(initialRotationID uint32, budget uint64, epsilon float64) *FilterSet {
	fs := &FilterSet{budget: budget, epsilon: epsilon}
	fs.primary.Store(NewFilter(initialRotationID, budget, epsilon))
	return fs
}

// ForRotation returns the filter matching rotationID among primary and
// secondary, or nil if neither matches.
func (fs *FilterSet) ForRotation(rotationID uint32) *Filter {
	if p := fs.primary.Load(); p != nil && p.RotationID == rotationID {
		return p
	}
	if s := fs.secondary.Load(); s != nil && s.RotationID == rotationID {
		return s
	}
	return nil
}

// AllocatePreAnnounced creates a filter for a future rotation. Fails with
// ErrAlreadyAllocated if one already exists.
func (fs *FilterSet) AllocatePreAnnounced(rotationID uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.preAnnounced.Load() != nil {
		return ErrAlreadyAllocated
	}

	fs.preAnnounced.Store(NewFilter(rotationID, fs.budget, fs.epsilon))
	return nil
}

// PromotePreAnnounced matches KeyManager.SwapIntoPrimary's exact shape:
// the old primary becomes the overlap (secondary) filter, pre_announced
// becomes the new primary, and the pre_announced slot is left empty.
func (fs *FilterSet) PromotePreAnnounced() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	next := fs.preAnnounced.Load()
	if next == nil {
		return ErrSlotEmpty
	}

	fs.secondary.Store(fs.primary.Load())
	fs.primary.Store(next)
	fs.preAnnounced.Store(nil)

	return nil
}

// PurgeSecondary drops the secondary filter, releasing its bitmap.
func (fs *FilterSet) PurgeSecondary() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.secondary.Load() == nil {
		return ErrSlotEmpty
	}
	fs.secondary.Store(nil)

	return nil
}

// SecondaryRotationID reports the rotation id held by the secondary
// filter, or (0, false) if empty.
func (fs *FilterSet) SecondaryRotationID() (uint32, bool) {
	s := fs.secondary.Load()
	if s == nil {
		return 0, false
	}
	return s.RotationID, true
}
