package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spectrial01/projext-nexusv2/internal/client"
	"github.com/spectrial01/projext-nexusv2/internal/model"
	"github.com/spectrial01/projext-nexusv2/internal/session"
	"github.com/spectrial01/projext-nexusv2/internal/store"
)

// State names the scheduler's position in its lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateAuthenticating State = "authenticating"
	StateReporting      State = "reporting"
	StateBackoff        State = "backoff"
	StateStopped        State = "stopped"
)

// Transport is the subset of the transport client the scheduler drives.
type Transport interface {
	Login(ctx context.Context, token, deploymentCode string) (client.Ack, error)
	SubmitTelemetry(ctx context.Context, token, deploymentCode string, snap model.TelemetrySnapshot) (client.Ack, error)
	CheckStatus(ctx context.Context, token, deploymentCode string) (client.StatusInfo, error)
}

// SnapshotSource supplies the latest telemetry snapshot without blocking.
type SnapshotSource interface {
	CurrentSnapshot() model.TelemetrySnapshot
}

// Config carries the scheduler timings.
type Config struct {
	ReportInterval   time.Duration // cadence of telemetry submissions
	StatusInterval   time.Duration // cadence of the read-only status check; 0 disables
	RequestTimeout   time.Duration
	FailureThreshold uint
	BackoffMin       time.Duration // first retry delay; doubles up to ReportInterval
}

func (c *Config) applyDefaults() {
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 2 * time.Second
	}
}

// Hooks escalate conditions the scheduler cannot resolve itself. Either field may be nil.
type Hooks struct {
	// OnReauthRequired fires when the endpoint rejects the credentials; the
	// execution host should surface a re-login prompt.
	OnReauthRequired func()
}

// Scheduler is the single authoritative report loop. One clock, one decision
// point per tick; ticks are strictly sequential and a new tick never starts
// while the previous tick's request is in flight.
type Scheduler struct {
	cfg       Config
	transport Transport
	snapshots SnapshotSource
	session   *session.State
	hooks     Hooks
	logger    *zap.Logger

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	done            chan struct{}
	creds           store.Credentials
	backoff         time.Duration
	lastStatusCheck time.Time

	now func() time.Time
}

// New returns an idle scheduler.
func New(cfg Config, transport Transport, snapshots SnapshotSource, sess *session.State, hooks Hooks, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:       cfg,
		transport: transport,
		snapshots: snapshots,
		session:   sess,
		hooks:     hooks,
		logger:    logger,
		state:     StateIdle,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start transitions to Authenticating and begins the report loop. Calling
// Start while already running is a no-op.
func (s *Scheduler) Start(ctx context.Context, creds store.Credentials) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.creds = creds
	s.state = StateAuthenticating
	s.backoff = 0
	done := s.done
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		zap.String("deploymentCode", creds.DeploymentCode),
		zap.Duration("reportInterval", s.cfg.ReportInterval))

	go s.run(runCtx, done)
}

// Stop cancels the loop and transitions to Stopped. An in-flight request from
// the last tick is allowed to complete; its result is discarded. Safe to call
// when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return
		case <-timer.C:
		}

		var delay time.Duration
		switch s.State() {
		case StateAuthenticating, StateBackoff:
			delay = s.authenticate(ctx)
		case StateReporting:
			delay = s.tick(ctx)
		default:
			s.setState(StateStopped)
			return
		}

		if ctx.Err() != nil {
			s.setState(StateStopped)
			return
		}
		timer.Reset(delay)
	}
}

// authenticate performs the login step for the Authenticating and Backoff states.
func (s *Scheduler) authenticate(ctx context.Context) time.Duration {
	ack, err := s.login()
	if ctx.Err() != nil {
		return s.cfg.ReportInterval
	}

	if err == nil && ack.Success {
		s.session.RecordLoginSuccess(s.creds.DeploymentCode)
		s.resetBackoff()
		s.setState(StateReporting)
		s.logger.Info("login accepted", zap.String("deploymentCode", s.creds.DeploymentCode))
		return s.cfg.ReportInterval
	}

	s.session.RecordLoginFailure()
	s.setState(StateBackoff)
	delay := s.nextBackoff()

	if client.KindOf(err) == client.KindAuthRejected || (err == nil && !ack.Success) {
		s.logger.Warn("login rejected", zap.String("message", ack.Message), zap.Error(err))
		if s.hooks.OnReauthRequired != nil {
			s.hooks.OnReauthRequired()
		}
	} else {
		s.logger.Warn("login failed", zap.Error(err), zap.Duration("retryIn", delay))
	}
	return delay
}

// tick runs one Reporting cycle: pull snapshot, maybe re-login, submit, record outcome.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	snap := s.snapshots.CurrentSnapshot()
	if !snap.HasPosition() {
		// No fix yet: skip the whole tick. Never submit placeholder coordinates.
		s.logger.Debug("no position fix, skipping tick", zap.Uint64("seq", snap.Seq))
		s.statusCheckIfDue(ctx)
		return s.cfg.ReportInterval
	}

	if s.session.NeedsReauth(s.cfg.FailureThreshold) {
		ack, err := s.login()
		if ctx.Err() != nil {
			return s.cfg.ReportInterval
		}
		if err != nil || !ack.Success {
			s.session.RecordLoginFailure()
			s.setState(StateBackoff)
			s.logger.Warn("re-login failed", zap.Error(err))
			return s.nextBackoff()
		}
		s.session.RecordLoginSuccess(s.creds.DeploymentCode)
	}

	ack, err := s.submit(snap)
	if ctx.Err() != nil {
		return s.cfg.ReportInterval
	}

	switch {
	case err == nil && ack.Success:
		s.session.RecordSubmissionSuccess()
		s.logger.Debug("telemetry submitted", zap.Uint64("seq", snap.Seq))
	case client.KindOf(err) == client.KindAuthRejected:
		s.session.RecordSubmissionFailure(true)
		s.setState(StateBackoff)
		s.logger.Warn("telemetry rejected, re-authenticating", zap.Error(err))
		if s.hooks.OnReauthRequired != nil {
			s.hooks.OnReauthRequired()
		}
		return s.nextBackoff()
	default:
		// Transient failure: the next tick is the retry, no special loop needed.
		s.session.RecordSubmissionFailure(false)
		s.logger.Warn("telemetry submission failed",
			zap.Uint64("seq", snap.Seq),
			zap.String("message", ack.Message),
			zap.Error(err))
	}

	s.statusCheckIfDue(ctx)
	return s.cfg.ReportInterval
}

// statusCheckIfDue runs the secondary read-only health check. It never submits
// telemetry and never mutates session state.
func (s *Scheduler) statusCheckIfDue(ctx context.Context) {
	if s.cfg.StatusInterval <= 0 {
		return
	}
	s.mu.Lock()
	due := s.lastStatusCheck.IsZero() || s.now().Sub(s.lastStatusCheck) >= s.cfg.StatusInterval
	if due {
		s.lastStatusCheck = s.now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	info, err := s.transport.CheckStatus(reqCtx, s.creds.Token, s.creds.DeploymentCode)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Warn("status check failed", zap.Error(err))
		return
	}
	s.logger.Info("status check",
		zap.Bool("isLoggedIn", info.IsLoggedIn),
		zap.Time("lastActivity", info.LastActivity))
}

// login and submit run against a background context bounded only by the request
// timeout, so Stop never truncates an in-flight request; the run loop discards
// the result instead.
func (s *Scheduler) login() (client.Ack, error) {
	reqCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	return s.transport.Login(reqCtx, s.creds.Token, s.creds.DeploymentCode)
}

func (s *Scheduler) submit(snap model.TelemetrySnapshot) (client.Ack, error) {
	reqCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	return s.transport.SubmitTelemetry(reqCtx, s.creds.Token, s.creds.DeploymentCode, snap)
}

func (s *Scheduler) nextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff <= 0 {
		s.backoff = s.cfg.BackoffMin
	} else {
		s.backoff *= 2
	}
	if s.backoff > s.cfg.ReportInterval {
		s.backoff = s.cfg.ReportInterval
	}
	return s.backoff
}

func (s *Scheduler) resetBackoff() {
	s.mu.Lock()
	s.backoff = 0
	s.mu.Unlock()
}
