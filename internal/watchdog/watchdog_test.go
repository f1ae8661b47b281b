package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeLivenessStore struct {
	mu        sync.Mutex
	lastAlive time.Time
	found     bool
	readErr   error
	writeErr  error
	writes    int
}

func (f *fakeLivenessStore) LastAlive(ctx context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return time.Time{}, false, f.readErr
	}
	return f.lastAlive, f.found, nil
}

func (f *fakeLivenessStore) SetLastAlive(ctx context.Context, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.lastAlive = t
	f.found = true
	f.writes++
	return nil
}

func (f *fakeLivenessStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func TestInitializeFirstRun(t *testing.T) {
	fake := &fakeLivenessStore{}
	w := New(fake, zap.NewNop())

	deadCalls := 0
	wasDead, err := w.Initialize(context.Background(), 15*time.Minute, func() { deadCalls++ })
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if wasDead {
		t.Fatalf("first run must not report dead")
	}
	if deadCalls != 0 {
		t.Fatalf("onDead must not fire on first run")
	}
	if !fake.found {
		t.Fatalf("expected record seeded on first run")
	}
}

func TestInitializeDeadDetection(t *testing.T) {
	threshold := 15 * time.Minute
	base := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		elapsed time.Duration
		dead    bool
	}{
		{"just inside threshold", threshold - time.Second, false},
		{"just past threshold", threshold + time.Second, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeLivenessStore{lastAlive: base, found: true}
			w := New(fake, zap.NewNop())
			w.now = func() time.Time { return base.Add(tc.elapsed) }

			deadCalls := 0
			wasDead, err := w.Initialize(context.Background(), threshold, func() { deadCalls++ })
			if err != nil {
				t.Fatalf("initialize: %v", err)
			}
			if wasDead != tc.dead {
				t.Fatalf("expected wasDead=%v, got %v", tc.dead, wasDead)
			}
			wantCalls := 0
			if tc.dead {
				wantCalls = 1
			}
			if deadCalls != wantCalls {
				t.Fatalf("expected onDead called %d times, got %d", wantCalls, deadCalls)
			}
		})
	}
}

func TestInitializeReadErrorDegradesToFirstRun(t *testing.T) {
	fake := &fakeLivenessStore{readErr: errors.New("disk gone")}
	w := New(fake, zap.NewNop())

	wasDead, err := w.Initialize(context.Background(), 15*time.Minute, nil)
	if err != nil {
		t.Fatalf("initialize should not fail on read error: %v", err)
	}
	if wasDead {
		t.Fatalf("unreadable record must not report dead")
	}
}

func TestMarkAliveSwallowsWriteError(t *testing.T) {
	fake := &fakeLivenessStore{writeErr: errors.New("disk full")}
	w := New(fake, zap.NewNop())

	w.MarkAlive(context.Background())

	status := w.Status()
	if status.LastAliveAt.IsZero() {
		t.Fatalf("in-memory timestamp should update even when the write fails")
	}
}

func TestStartPingsPeriodically(t *testing.T) {
	fake := &fakeLivenessStore{}
	w := New(fake, zap.NewNop())

	w.Start(context.Background(), 10*time.Millisecond)
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return fake.writeCount() >= 2 })

	if !w.Status().Running {
		t.Fatalf("expected running watchdog")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	fake := &fakeLivenessStore{}
	w := New(fake, zap.NewNop())

	w.Start(context.Background(), time.Hour)
	w.Start(context.Background(), time.Hour)
	w.Stop()

	if w.Status().Running {
		t.Fatalf("expected stopped after single Stop despite double Start")
	}
}

func TestParentContextCancelUpdatesStatus(t *testing.T) {
	fake := &fakeLivenessStore{}
	w := New(fake, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx, 10*time.Millisecond)
	waitFor(t, time.Second, func() bool { return w.Status().Running })

	cancel()
	waitFor(t, time.Second, func() bool { return !w.Status().Running })

	// Stop after parent cancellation must still be safe.
	w.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	w := New(&fakeLivenessStore{}, zap.NewNop())
	w.Stop() // must not panic or block
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
