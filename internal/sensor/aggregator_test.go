package sensor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/spectrial01/projext-nexusv2/internal/model"
)

type fakeDeviceSensors struct {
	mu            sync.Mutex
	onUpdate      func(model.PositionSample)
	subscribes    int
	unsubscribes  int
	requestSample model.PositionSample
	requestErr    error
	requestDelay  time.Duration
	battery       int
	batteryState  model.BatteryState
	connectivity  model.ConnectivityClass
}

func (f *fakeDeviceSensors) Subscribe(onUpdate func(model.PositionSample)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onUpdate = onUpdate
	f.subscribes++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribes++
	}, nil
}

func (f *fakeDeviceSensors) RequestPosition(ctx context.Context) (model.PositionSample, error) {
	if f.requestDelay > 0 {
		select {
		case <-ctx.Done():
			return model.PositionSample{}, ctx.Err()
		case <-time.After(f.requestDelay):
		}
	}
	if f.requestErr != nil {
		return model.PositionSample{}, f.requestErr
	}
	return f.requestSample, nil
}

func (f *fakeDeviceSensors) BatteryLevel() int { return f.battery }

func (f *fakeDeviceSensors) BatteryState() model.BatteryState { return f.batteryState }

func (f *fakeDeviceSensors) ConnectivityClass() model.ConnectivityClass { return f.connectivity }

func (f *fakeDeviceSensors) activeSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribes - f.unsubscribes
}

func (f *fakeDeviceSensors) push(sample model.PositionSample) {
	f.mu.Lock()
	onUpdate := f.onUpdate
	f.mu.Unlock()
	if onUpdate != nil {
		onUpdate(sample)
	}
}

func newTestAggregator(t *testing.T) (*Aggregator, *fakeDeviceSensors) {
	t.Helper()
	fake := &fakeDeviceSensors{
		battery:      87,
		batteryState: model.BatteryStateDischarging,
		connectivity: model.ConnectivityStrong,
	}
	return NewAggregator(fake, 10, zap.NewNop()), fake
}

func TestSnapshotWithoutFixHasNoPosition(t *testing.T) {
	agg, _ := newTestAggregator(t)

	snap := agg.CurrentSnapshot()
	if snap.HasPosition() {
		t.Fatalf("expected no position before first fix")
	}
	if snap.Status.BatteryLevel != 87 {
		t.Fatalf("battery must be read even without a fix, got %d", snap.Status.BatteryLevel)
	}
	if snap.Status.Connectivity != model.ConnectivityStrong {
		t.Fatalf("unexpected connectivity %s", snap.Status.Connectivity)
	}
}

func TestSubscribedUpdatesLandInSnapshot(t *testing.T) {
	agg, fake := newTestAggregator(t)
	if err := agg.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fake.push(model.PositionSample{Latitude: 14.5995, Longitude: 120.9842, Accuracy: 8})
	fake.push(model.PositionSample{Latitude: 14.6000, Longitude: 120.9850, Accuracy: 6})

	snap := agg.CurrentSnapshot()
	if !snap.HasPosition() {
		t.Fatalf("expected a position")
	}
	if snap.Position.Latitude != 14.6000 {
		t.Fatalf("expected latest sample, got lat %f", snap.Position.Latitude)
	}
	if snap.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", snap.Seq)
	}
	if snap.Position.CapturedAt.IsZero() {
		t.Fatalf("expected captured-at stamped")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	agg, fake := newTestAggregator(t)
	if err := agg.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := agg.Subscribe(); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if fake.subscribes != 1 {
		t.Fatalf("expected a single upstream subscription, got %d", fake.subscribes)
	}

	agg.Unsubscribe()
	if fake.unsubscribes != 1 {
		t.Fatalf("expected one unsubscribe, got %d", fake.unsubscribes)
	}
}

func TestRefreshPositionNowPublishes(t *testing.T) {
	agg, fake := newTestAggregator(t)
	fake.requestSample = model.PositionSample{Latitude: 1, Longitude: 2, Accuracy: 5}

	sample, err := agg.RefreshPositionNow(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if sample.Latitude != 1 {
		t.Fatalf("unexpected sample: %+v", sample)
	}

	snap := agg.CurrentSnapshot()
	if !snap.HasPosition() || snap.Position.Longitude != 2 {
		t.Fatalf("refresh result must land in the cached snapshot")
	}
}

func TestConcurrentSubscribeKeepsOneRegistration(t *testing.T) {
	agg, fake := newTestAggregator(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := agg.Subscribe(); err != nil {
				t.Errorf("subscribe: %v", err)
			}
		}()
	}
	wg.Wait()

	if active := fake.activeSubscriptions(); active != 1 {
		t.Fatalf("expected exactly one live upstream subscription, got %d", active)
	}

	agg.Unsubscribe()
	if active := fake.activeSubscriptions(); active != 0 {
		t.Fatalf("expected no live subscriptions after Unsubscribe, got %d", active)
	}
}

func TestRefreshPositionNowTimeout(t *testing.T) {
	agg, fake := newTestAggregator(t)
	fake.requestDelay = time.Second

	_, err := agg.RefreshPositionNow(context.Background(), 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	if agg.CurrentSnapshot().HasPosition() {
		t.Fatalf("timed-out refresh must not publish a sample")
	}
}

func TestRefreshPositionNowClassifiesBindingErrors(t *testing.T) {
	t.Run("unknown failure wraps as unavailable", func(t *testing.T) {
		agg, fake := newTestAggregator(t)
		fake.requestErr = errors.New("gps radio off")

		_, err := agg.RefreshPositionNow(context.Background(), time.Second)
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	})

	t.Run("permission refusal passes through", func(t *testing.T) {
		agg, fake := newTestAggregator(t)
		fake.requestErr = ErrPermissionDenied

		_, err := agg.RefreshPositionNow(context.Background(), time.Second)
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("expected ErrPermissionDenied, got %v", err)
		}
		if errors.Is(err, ErrUnavailable) {
			t.Fatalf("permission refusal must keep its own classification")
		}
	})
}

func TestHighAccuracyClassification(t *testing.T) {
	sample := model.PositionSample{Accuracy: 8}
	if !sample.HighAccuracy(10) {
		t.Fatalf("8m should be high accuracy at a 10m threshold")
	}
	sample.Accuracy = 12
	if sample.HighAccuracy(10) {
		t.Fatalf("12m should not be high accuracy at a 10m threshold")
	}
}
