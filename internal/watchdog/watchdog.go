package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LivenessStore is the durable record the watchdog pings. Implemented by internal/store.
type LivenessStore interface {
	LastAlive(ctx context.Context) (time.Time, bool, error)
	SetLastAlive(ctx context.Context, t time.Time) error
}

// Status is a point-in-time view of the watchdog.
type Status struct {
	Running     bool
	LastAliveAt time.Time
}

// Watchdog periodically stamps a durable liveness record and, at startup,
// detects whether the previous run ended ungracefully.
type Watchdog struct {
	store  LivenessStore
	logger *zap.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastAliveAt time.Time

	now func() time.Time
}

// New returns a stopped watchdog.
func New(store LivenessStore, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Initialize reads the liveness record and decides whether the previous run died.
// On first run it seeds the record and reports wasDead=false. When the stored
// timestamp is older than deadThreshold it reports wasDead=true and invokes
// onDead exactly once. The record is re-stamped in every case.
func (w *Watchdog) Initialize(ctx context.Context, deadThreshold time.Duration, onDead func()) (bool, error) {
	now := w.now()

	lastAlive, found, err := w.store.LastAlive(ctx)
	if err != nil {
		// A broken record degrades to first-run behavior for this run.
		w.logger.Warn("failed to read liveness record", zap.Error(err))
		found = false
	}

	wasDead := false
	if found && now.Sub(lastAlive) > deadThreshold {
		wasDead = true
		w.logger.Warn("previous run ended ungracefully",
			zap.Time("lastAliveAt", lastAlive),
			zap.Duration("deadThreshold", deadThreshold))
	}

	w.MarkAlive(ctx)

	if wasDead && onDead != nil {
		onDead()
	}
	return wasDead, nil
}

// MarkAlive writes the current timestamp to the liveness record. Persistence
// errors are swallowed and logged: a failed write means a slightly stale
// record, not a crash.
func (w *Watchdog) MarkAlive(ctx context.Context) {
	now := w.now()
	if err := w.store.SetLastAlive(ctx, now); err != nil {
		w.logger.Warn("failed to write liveness record", zap.Error(err))
	}
	w.mu.Lock()
	w.lastAliveAt = now
	w.mu.Unlock()
}

// Start begins the periodic ping loop. Calling Start while already running is a no-op.
func (w *Watchdog) Start(ctx context.Context, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 5 * time.Minute
	}

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.logger.Info("watchdog started", zap.Duration("pingInterval", pingInterval))

	go func() {
		defer close(done)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				// Parent cancellation ends the loop without Stop; keep Status honest.
				w.mu.Lock()
				w.running = false
				w.mu.Unlock()
				return
			case <-ticker.C:
				w.MarkAlive(runCtx)
			}
		}
	}()
}

// Stop cancels the ping loop. Safe to call when not running.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("watchdog stopped")
}

// Status returns the current run state without side effects.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{Running: w.running, LastAliveAt: w.lastAliveAt}
}
