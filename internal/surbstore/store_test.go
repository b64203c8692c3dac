package surbstore_test

import (
	"testing"

	"github.com/nymgate/lp-gateway/internal/surbstore"
)

func testTag(b byte) surbstore.SenderTag {
	var tag surbstore.SenderTag
	tag[0] = b
	return tag
}

func surbs(n int) []surbstore.Surb {
	out := make([]surbstore.Surb, n)
	for i := range out {
		out[i] = surbstore.Surb{byte(i)}
	}
	return out
}

// TestTakeManyPrefixLaw covers Scenario 5: a store gated at
// min_threshold=10 holding 12 SURBs serves a take_many(5) (leaving 7,
// still above the threshold would require 15) and rejects a further
// take_one without mutating the remaining inventory.
func TestTakeManyPrefixLaw(t *testing.T) {
	t.Parallel()

	store := surbstore.New(10, 100, nil, nil)
	tag := testTag(1)
	store.Insert(tag, surbs(12)...)

	taken, ok, inventory := store.TakeMany(tag, 5)
	if !ok {
		t.Fatalf("TakeMany(5) over 12 with min_threshold 10 should succeed: 12 >= 10+5")
	}
	if len(taken) != 5 {
		t.Fatalf("len(taken) = %d, want 5", len(taken))
	}
	if inventory != 7 {
		t.Fatalf("reported inventory = %d, want 7", inventory)
	}
	if store.Inventory(tag) != 7 {
		t.Fatalf("store inventory = %d, want 7", store.Inventory(tag))
	}

	// FIFO prefix: the first surb taken must be the first inserted.
	if taken[0][0] != 0 {
		t.Fatalf("first taken surb = %v, want the first inserted (index 0)", taken[0])
	}

	_, ok, inventory = store.TakeMany(tag, 1)
	if ok {
		t.Fatal("TakeMany(1) over remaining 7 with min_threshold 10 must fail (7 < 10+1)")
	}
	if inventory != 7 {
		t.Fatalf("inventory after failed TakeMany must be unchanged: got %d, want 7", inventory)
	}
	if store.Inventory(tag) != 7 {
		t.Fatalf("store inventory after failed TakeMany must be unchanged: got %d, want 7", store.Inventory(tag))
	}
}

func TestTakeOneBelowThresholdReturnsNoneWithoutMutation(t *testing.T) {
	t.Parallel()

	store := surbstore.New(10, 100, nil, nil)
	tag := testTag(2)
	store.Insert(tag, surbs(9)...)

	surb, ok, inventory := store.TakeOne(tag)
	if ok {
		t.Fatal("TakeOne over 9 with min_threshold 10 must fail (9 < 10+1)")
	}
	if surb != nil {
		t.Fatal("failed TakeOne must not return a surb")
	}
	if inventory != 9 {
		t.Fatalf("inventory = %d, want 9 unchanged", inventory)
	}
}

func TestTakeOneUncheckedBypassesThreshold(t *testing.T) {
	t.Parallel()

	store := surbstore.New(10, 100, nil, nil)
	tag := testTag(3)
	store.Insert(tag, surbs(1)...)

	surb, err := store.TakeOneUnchecked(tag)
	if err != nil {
		t.Fatalf("TakeOneUnchecked: %v", err)
	}
	if surb == nil {
		t.Fatal("TakeOneUnchecked returned nil surb")
	}
	if store.Inventory(tag) != 0 {
		t.Fatalf("inventory after unchecked take = %d, want 0", store.Inventory(tag))
	}

	if _, err := store.TakeOneUnchecked(tag); err != surbstore.ErrEmptyInventory {
		t.Fatalf("TakeOneUnchecked on empty deque: err = %v, want ErrEmptyInventory", err)
	}
}

func TestAdjustPendingClampsAtZero(t *testing.T) {
	t.Parallel()

	store := surbstore.New(10, 100, nil, nil)
	tag := testTag(4)

	store.AdjustPending(tag, 3)
	if got := store.PendingReception(tag); got != 3 {
		t.Fatalf("pending = %d, want 3", got)
	}

	store.AdjustPending(tag, -5)
	if got := store.PendingReception(tag); got != 0 {
		t.Fatalf("pending after underflow = %d, want clamped to 0", got)
	}
}

func TestNeedsReplenishmentRespectsMaxThreshold(t *testing.T) {
	t.Parallel()

	store := surbstore.New(10, 20, nil, nil)
	tag := testTag(5)

	if store.NeedsReplenishment(tag, 15) {
		t.Fatal("inventory above min_threshold should not need replenishment")
	}

	if !store.NeedsReplenishment(tag, 5) {
		t.Fatal("inventory below min_threshold with headroom under max_threshold should need replenishment")
	}

	store.AdjustPending(tag, 15)
	if store.NeedsReplenishment(tag, 5) {
		t.Fatal("available + pending already at max_threshold must not request further replenishment")
	}
}
