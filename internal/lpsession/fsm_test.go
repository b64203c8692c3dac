package lpsession_test

import (
	"testing"

	"github.com/nymgate/lp-gateway/internal/lpsession"
)

func TestApplyEventHandshakeProgression(t *testing.T) {
	t.Parallel()

	r := lpsession.ApplyEvent(lpsession.StateIdle, lpsession.InputInit)
	if r.NewState != lpsession.StateHandshake || !r.Changed {
		t.Fatalf("Idle+Init = %v, want Handshake", r.NewState)
	}

	r = lpsession.ApplyEvent(lpsession.StateHandshake, lpsession.InputDerivedKeys)
	if r.NewState != lpsession.StateRegistration {
		t.Fatalf("Handshake+DerivedKeys = %v, want Registration", r.NewState)
	}

	r = lpsession.ApplyEvent(lpsession.StateRegistration, lpsession.InputRegistrationOK)
	if r.NewState != lpsession.StateTransport {
		t.Fatalf("Registration+RegistrationOK = %v, want Transport", r.NewState)
	}
}

func TestApplyEventReKeyAndSubsessionReturnToTransport(t *testing.T) {
	t.Parallel()

	r := lpsession.ApplyEvent(lpsession.StateTransport, lpsession.InputBeginReKey)
	if r.NewState != lpsession.StateReKey {
		t.Fatalf("Transport+BeginReKey = %v, want ReKey", r.NewState)
	}
	r = lpsession.ApplyEvent(lpsession.StateReKey, lpsession.InputReKeyComplete)
	if r.NewState != lpsession.StateTransport {
		t.Fatalf("ReKey+ReKeyComplete = %v, want Transport", r.NewState)
	}

	r = lpsession.ApplyEvent(lpsession.StateTransport, lpsession.InputBeginSubsession)
	if r.NewState != lpsession.StateSubsession {
		t.Fatalf("Transport+BeginSubsession = %v, want Subsession", r.NewState)
	}
	r = lpsession.ApplyEvent(lpsession.StateSubsession, lpsession.InputSubsessionComplete)
	if r.NewState != lpsession.StateTransport {
		t.Fatalf("Subsession+SubsessionComplete = %v, want Transport", r.NewState)
	}
}

func TestApplyEventCloseFromAnyNonTerminalState(t *testing.T) {
	t.Parallel()

	states := []lpsession.LpState{
		lpsession.StateHandshake,
		lpsession.StateRegistration,
		lpsession.StateTransport,
		lpsession.StateReKey,
		lpsession.StateSubsession,
	}

	for _, s := range states {
		r := lpsession.ApplyEvent(s, lpsession.InputClose)
		if r.NewState != lpsession.StateClosed {
			t.Fatalf("%v+Close = %v, want Closed", s, r.NewState)
		}
		if r.Action != lpsession.ActionConnectionClosed {
			t.Fatalf("%v+Close action = %v, want ActionConnectionClosed", s, r.Action)
		}
	}
}

func TestApplyEventUnknownTransitionIsIgnored(t *testing.T) {
	t.Parallel()

	r := lpsession.ApplyEvent(lpsession.StateIdle, lpsession.InputRegistrationOK)
	if r.Changed {
		t.Fatal("Idle+RegistrationOK should be ignored, not change state")
	}
	if r.NewState != lpsession.StateIdle {
		t.Fatalf("NewState = %v, want Idle unchanged", r.NewState)
	}
}
