package rotation

import (
	"testing"
	"time"

	"github.com/nymgate/lp-gateway/internal/keymanager"
	"github.com/nymgate/lp-gateway/internal/replay"
)

func TestDetermineNextActionStartsWithPreAnnounce(t *testing.T) {
	t.Parallel()

	km, _ := keymanager.New(5)
	fs := replay.NewFilterSet(5, 1000, 0.001)
	ctrl := &Controller{KeyManager: km, Filters: fs}

	schedule := EpochSchedule{
		CurrentEpochID: 10,
		EpochStartTS:   time.Now(),
		EpochDuration:  time.Second,
		ValidityEpochs: 2, // rotation id = 5
	}

	action := ctrl.determineNextAction(schedule)

	if action.Kind != PreAnnounce {
		t.Fatalf("action.Kind = %v, want PreAnnounce", action.Kind)
	}
	if action.RotationID != 6 {
		t.Fatalf("action.RotationID = %d, want 6", action.RotationID)
	}
}

func TestDetermineNextActionAfterPreAnnounceIsSwap(t *testing.T) {
	t.Parallel()

	km, _ := keymanager.New(5)
	fs := replay.NewFilterSet(5, 1000, 0.001)
	ctrl := &Controller{KeyManager: km, Filters: fs}

	schedule := EpochSchedule{CurrentEpochID: 10, EpochStartTS: time.Now(), EpochDuration: time.Second, ValidityEpochs: 2}

	if err := ctrl.preAnnounce(6); err != nil {
		t.Fatalf("preAnnounce: %v", err)
	}

	action := ctrl.determineNextAction(schedule)
	if action.Kind != SwapDefault {
		t.Fatalf("action.Kind = %v, want SwapDefault", action.Kind)
	}
}

func TestDetermineNextActionAfterSwapIsPurgeOld(t *testing.T) {
	t.Parallel()

	km, _ := keymanager.New(5)
	fs := replay.NewFilterSet(5, 1000, 0.001)
	ctrl := &Controller{KeyManager: km, Filters: fs}

	schedule := EpochSchedule{CurrentEpochID: 12, EpochStartTS: time.Now(), EpochDuration: time.Second, ValidityEpochs: 2}

	_ = ctrl.preAnnounce(6)
	if err := ctrl.swapDefault(); err != nil {
		t.Fatalf("swapDefault: %v", err)
	}

	action := ctrl.determineNextAction(schedule)
	if action.Kind != PurgeOld {
		t.Fatalf("action.Kind = %v, want PurgeOld", action.Kind)
	}
	if action.RotationID != 5 {
		t.Fatalf("action.RotationID = %d, want 5 (the purged overlap key)", action.RotationID)
	}
}

func TestDetermineNextActionRecoversFromCorruptSecondary(t *testing.T) {
	t.Parallel()

	km, _ := keymanager.New(5)
	fs := replay.NewFilterSet(5, 1000, 0.001)
	ctrl := &Controller{KeyManager: km, Filters: fs}

	// Pre-announce and swap once (primary 6, secondary 5), then use a
	// schedule whose current rotation is inconsistent with that secondary
	// slot to simulate corruption.
	_ = ctrl.preAnnounce(6)
	_ = ctrl.swapDefault() // primary=6, secondary=5

	schedule := EpochSchedule{CurrentEpochID: 16, EpochStartTS: time.Now(), EpochDuration: time.Second, ValidityEpochs: 2}
	// rotation id for epoch 16 / validity 2 = 8, so secondary(5) != current-1(7): corrupt.
	action := ctrl.determineNextAction(schedule)

	if _, ok := km.SecondaryRotationID(); ok {
		t.Fatal("corrupt secondary should have been force-purged")
	}
	if action.Kind != PreAnnounce {
		t.Fatalf("action.Kind after corrupt recovery = %v, want PreAnnounce", action.Kind)
	}
}
