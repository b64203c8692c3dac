package lpsession_test

import (
	"testing"

	"github.com/nymgate/lp-gateway/internal/lpsession"
)

func TestReceiveWindowAcceptsFirstPacketAtAnyCounter(t *testing.T) {
	t.Parallel()

	rw := lpsession.NewReceiveWindow(1024)
	accepted, err := rw.Accept(500)
	if err != nil || !accepted {
		t.Fatalf("first packet: accepted=%v err=%v, want true, nil", accepted, err)
	}
	hw, ok := rw.HighWater()
	if !ok || hw != 500 {
		t.Fatalf("HighWater = (%d, %v), want (500, true)", hw, ok)
	}
}

func TestReceiveWindowRejectsDuplicate(t *testing.T) {
	t.Parallel()

	rw := lpsession.NewReceiveWindow(1024)
	mustAccept(t, rw, 10)

	accepted, err := rw.Accept(10)
	if err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if accepted {
		t.Fatal("duplicate counter must be rejected")
	}
}

func TestReceiveWindowAllowsOutOfOrderWithinWindow(t *testing.T) {
	t.Parallel()

	rw := lpsession.NewReceiveWindow(64)
	mustAccept(t, rw, 100)
	mustAccept(t, rw, 90) // behind high water, but within window

	accepted, err := rw.Accept(90)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accepted {
		t.Fatal("re-delivering 90 must be rejected as a duplicate")
	}
}

func TestReceiveWindowRejectsStaleBelowWindow(t *testing.T) {
	t.Parallel()

	rw := lpsession.NewReceiveWindow(64)
	mustAccept(t, rw, 1000)

	accepted, err := rw.Accept(900) // 100 behind, window is 64
	if err != nil {
		t.Fatalf("stale-but-silently-dropped should not error: %v", err)
	}
	if accepted {
		t.Fatal("counter far behind high water must be rejected, not accepted")
	}
}

func TestReceiveWindowAdvanceShiftsWindowForward(t *testing.T) {
	t.Parallel()

	rw := lpsession.NewReceiveWindow(64)
	mustAccept(t, rw, 10)
	mustAccept(t, rw, 50) // advances window forward by 40

	accepted, err := rw.Accept(10)
	if err != nil {
		t.Fatalf("unexpected error re-accepting 10: %v", err)
	}
	if accepted {
		t.Fatal("10 was already marked; re-delivery must be rejected")
	}
}

func TestReceiveWindowBigForwardJumpIsWrapAround(t *testing.T) {
	t.Parallel()

	rw := lpsession.NewReceiveWindow(64)
	mustAccept(t, rw, 10)

	accepted, err := rw.Accept(10 + 64) // advance == w: wrap-around
	if err == nil {
		t.Fatal("expected wrap-around error for advance >= window size")
	}
	if accepted {
		t.Fatal("wrap-around must not be reported as accepted")
	}
}

func mustAccept(t *testing.T, rw *lpsession.ReceiveWindow, c uint64) {
	t.Helper()
	accepted, err := rw.Accept(c)
	if err != nil || !accepted {
		t.Fatalf("Accept(%d) = (%v, %v), want (true, nil)", c, accepted, err)
	}
}
