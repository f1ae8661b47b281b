package session

import (
	"sync"
	"time"
)

// Snapshot is a copy of the session state at one point in time.
type Snapshot struct {
	LoggedIn            bool
	LastSuccessAt       time.Time // zero when no submission has succeeded yet
	ConsecutiveFailures uint
	DeploymentCode      string
}

// State tracks authentication and submission outcomes for the current run.
// It is the only mutable state shared between scheduler and watchdog; all
// writes happen from the result-handling step after a transport call.
type State struct {
	mu                  sync.RWMutex
	loggedIn            bool
	lastSuccessAt       time.Time
	consecutiveFailures uint
	deploymentCode      string

	now func() time.Time
}

// NewState returns an unauthenticated session.
func NewState() *State {
	return &State{now: func() time.Time { return time.Now().UTC() }}
}

// RecordLoginSuccess marks the session authenticated and clears the failure streak.
func (s *State) RecordLoginSuccess(deploymentCode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = true
	s.deploymentCode = deploymentCode
	s.consecutiveFailures = 0
}

// RecordLoginFailure marks the session unauthenticated.
func (s *State) RecordLoginFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = false
}

// RecordSubmissionSuccess stamps the last successful update and clears the failure streak.
func (s *State) RecordSubmissionSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSuccessAt = s.now()
	s.consecutiveFailures = 0
}

// RecordSubmissionFailure increments the failure streak. An auth failure also
// drops the logged-in flag so the next tick re-authenticates.
func (s *State) RecordSubmissionFailure(isAuthFailure bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	if isAuthFailure {
		s.loggedIn = false
	}
}

// NeedsReauth reports whether the caller should log in before submitting again.
func (s *State) NeedsReauth(failureThreshold uint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.loggedIn || s.consecutiveFailures > failureThreshold
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		LoggedIn:            s.loggedIn,
		LastSuccessAt:       s.lastSuccessAt,
		ConsecutiveFailures: s.consecutiveFailures,
		DeploymentCode:      s.deploymentCode,
	}
}
