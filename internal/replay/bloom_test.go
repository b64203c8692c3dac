package replay_test

import (
	"crypto/rand"
	"testing"

	"github.com/nymgate/lp-gateway/internal/replay"
)

func randomTag(t *testing.T) [32]byte {
	t.Helper()
	var tag [32]byte
	if _, err := rand.Read(tag[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return tag
}

func TestCheckAndMarkFreshThenReplay(t *testing.T) {
	t.Parallel()

	f := replay.NewFilter(1, 10_000, 0.001)
	tag := randomTag(t)

	if got := f.CheckAndMark(tag); got != replay.Fresh {
		t.Fatalf("first check = %v, want Fresh", got)
	}

	// Once Replay, every subsequent call with the same tag returns Replay.
	for i := 0; i < 5; i++ {
		if got := f.CheckAndMark(tag); got != replay.Replay {
			t.Fatalf("call %d = %v, want Replay", i, got)
		}
	}
}

func TestCheckAndMarkDistinctTagsIndependent(t *testing.T) {
	t.Parallel()

	f := replay.NewFilter(1, 10_000, 0.001)

	a, b := randomTag(t), randomTag(t)
	if got := f.CheckAndMark(a); got != replay.Fresh {
		t.Fatalf("tag a first check = %v, want Fresh", got)
	}
	if got := f.CheckAndMark(b); got != replay.Fresh {
		t.Fatalf("tag b first check = %v, want Fresh (independent of tag a)", got)
	}
}

// TestFilterSaturationFalsePositiveRate is the §8 boundary behaviour: at B
// insertions with distinct tags, the false-positive rate on fresh tags must
// be <= 2*epsilon, measured over >= 10*B probes.
func TestFilterSaturationFalsePositiveRate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping saturation probe in -short mode")
	}

	const budget = 2000
	const epsilon = 0.01

	f := replay.NewFilter(1, budget, epsilon)

	for i := 0; i < budget; i++ {
		tag := randomTag(t)
		if got := f.CheckAndMark(tag); got != replay.Fresh {
			t.Fatalf("insertion %d = %v, want Fresh", i, got)
		}
	}

	const probes = 10 * budget
	falsePositives := 0
	for i := 0; i < probes; i++ {
		tag := randomTag(t)
		if f.CheckAndMark(tag) == replay.Replay {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(probes)
	if rate > 2*epsilon {
		t.Fatalf("false positive rate %.5f exceeds 2*epsilon (%.5f)", rate, 2*epsilon)
	}
}

func TestFilterSetRotationLifecycle(t *testing.T) {
	t.Parallel()

	fs := replay.NewFilterSet(5, 1000, 0.001)

	if err := fs.AllocatePreAnnounced(6); err != nil {
		t.Fatalf("AllocatePreAnnounced: %v", err)
	}
	if err := fs.PromotePreAnnounced(); err != nil {
		t.Fatalf("PromotePreAnnounced: %v", err)
	}

	if got, ok := fs.SecondaryRotationID(); !ok || got != 5 {
		t.Fatalf("secondary rotation id = (%d, %v), want (5, true)", got, ok)
	}
	if fs.ForRotation(6) == nil {
		t.Fatal("expected filter for rotation 6 (promoted primary)")
	}
	if fs.ForRotation(5) == nil {
		t.Fatal("expected filter for rotation 5 (overlap secondary)")
	}

	if err := fs.PurgeSecondary(); err != nil {
		t.Fatalf("PurgeSecondary: %v", err)
	}
	if fs.ForRotation(5) != nil {
		t.Fatal("rotation 5 filter should be gone after purge")
	}
}
