package session

import (
	"testing"
	"time"
)

func TestStateStartsUnauthenticated(t *testing.T) {
	state := NewState()

	snap := state.Snapshot()
	if snap.LoggedIn {
		t.Fatalf("expected new session to be logged out")
	}
	if !snap.LastSuccessAt.IsZero() {
		t.Fatalf("expected no last success, got %v", snap.LastSuccessAt)
	}
	if !state.NeedsReauth(3) {
		t.Fatalf("expected unauthenticated session to need reauth")
	}
}

func TestLoginSuccessResetsFailures(t *testing.T) {
	state := NewState()
	state.RecordSubmissionFailure(false)
	state.RecordSubmissionFailure(false)

	state.RecordLoginSuccess("UNIT-7")

	snap := state.Snapshot()
	if !snap.LoggedIn {
		t.Fatalf("expected logged in")
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset, got %d", snap.ConsecutiveFailures)
	}
	if snap.DeploymentCode != "UNIT-7" {
		t.Fatalf("expected deployment code UNIT-7, got %s", snap.DeploymentCode)
	}
	if state.NeedsReauth(3) {
		t.Fatalf("fresh login should not need reauth")
	}
}

func TestSubmissionSuccessStampsTime(t *testing.T) {
	state := NewState()
	fixed := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	state.now = func() time.Time { return fixed }

	state.RecordLoginSuccess("UNIT-7")
	state.RecordSubmissionFailure(false)
	state.RecordSubmissionSuccess()

	snap := state.Snapshot()
	if !snap.LastSuccessAt.Equal(fixed) {
		t.Fatalf("expected last success %v, got %v", fixed, snap.LastSuccessAt)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset, got %d", snap.ConsecutiveFailures)
	}
}

func TestAuthFailureDropsLogin(t *testing.T) {
	state := NewState()
	state.RecordLoginSuccess("UNIT-7")

	state.RecordSubmissionFailure(true)

	snap := state.Snapshot()
	if snap.LoggedIn {
		t.Fatalf("auth failure should drop logged-in flag")
	}
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 failure, got %d", snap.ConsecutiveFailures)
	}
	if !state.NeedsReauth(3) {
		t.Fatalf("expected reauth after auth failure")
	}
}

func TestNeedsReauthAfterThreshold(t *testing.T) {
	state := NewState()
	state.RecordLoginSuccess("UNIT-7")

	for i := 0; i < 3; i++ {
		state.RecordSubmissionFailure(false)
	}
	if state.NeedsReauth(3) {
		t.Fatalf("failures at threshold should not force reauth yet")
	}

	state.RecordSubmissionFailure(false)
	if !state.NeedsReauth(3) {
		t.Fatalf("failures above threshold should force reauth")
	}
}
