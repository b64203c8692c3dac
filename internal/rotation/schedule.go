// Package rotation drives the KeyManager and replay filter set through the
// PreAnnounce -> SwapDefault -> PurgeOld cycle described in SPEC_FULL.md
// §4.2, re-deriving the next action from ground truth on every wake
// exactly as original_source/nym-node/src/node/key_rotation/controller.rs
// does.
package rotation

import (
	"context"
	"time"
)

// EpochSchedule is the directory-reported epoch/rotation configuration.
// Refreshed periodically; never mutated locally.
type EpochSchedule struct {
	CurrentEpochID uint64
	EpochStartTS   time.Time
	EpochDuration  time.Duration
	ValidityEpochs uint64
}

// RotationID returns the rotation id containing the current epoch.
func (s EpochSchedule) RotationID() uint32 {
	if s.ValidityEpochs == 0 {
		return 0
	}
	return uint32(s.CurrentEpochID / s.ValidityEpochs)
}

// NextRotationEpoch returns the epoch id at which the next rotation
// becomes primary.
func (s EpochSchedule) NextRotationEpoch() uint64 {
	if s.ValidityEpochs == 0 {
		return s.CurrentEpochID
	}
	rotation := s.CurrentEpochID / s.ValidityEpochs
	return (rotation + 1) * s.ValidityEpochs
}

// CurrentRotationStartEpoch returns the epoch id at which the current
// rotation became primary.
func (s EpochSchedule) CurrentRotationStartEpoch() uint64 {
	if s.ValidityEpochs == 0 {
		return s.CurrentEpochID
	}
	return s.RotationID() * s.ValidityEpochs
}

// RotationLifetime is the duration a rotation's artifacts (keys, filters)
// must remain valid: (validity_epochs + 1) * epoch_duration, covering the
// one-epoch overlap after a rotation is superseded.
func (s EpochSchedule) RotationLifetime() time.Duration {
	return time.Duration(s.ValidityEpochs+1) * s.EpochDuration
}

// DirectoryClient is the external collaborator the rotation controller
// polls for epoch/rotation configuration. Out of scope per spec.md §1;
// this is the minimal pull interface the controller consumes.
type DirectoryClient interface {
	FetchEpochSchedule(ctx context.Context) (EpochSchedule, error)
}
