package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spectrial01/projext-nexusv2/internal/model"
)

// Sensor failure taxonomy. A missing fix is not an error at the snapshot level;
// these surface only from one-shot reads. Platform bindings return
// ErrPermissionDenied themselves; any other binding failure is wrapped as
// ErrUnavailable by RefreshPositionNow.
var (
	ErrUnavailable      = errors.New("sensor: unavailable")
	ErrTimeout          = errors.New("sensor: timed out waiting for fix")
	ErrPermissionDenied = errors.New("sensor: permission denied")
)

// DeviceSensors is the narrow capability interface a platform binding implements.
// All reads are best-effort and must not block.
type DeviceSensors interface {
	// Subscribe registers a callback for continuous position updates and returns
	// an unsubscribe function.
	Subscribe(onUpdate func(model.PositionSample)) (func(), error)
	// RequestPosition performs a one-shot high-accuracy read bounded by ctx.
	RequestPosition(ctx context.Context) (model.PositionSample, error)
	BatteryLevel() int
	BatteryState() model.BatteryState
	ConnectivityClass() model.ConnectivityClass
}

// Aggregator caches the most recent sensor readings and fans position updates
// into immutable snapshots. It performs no sensing itself.
type Aggregator struct {
	sensors            DeviceSensors
	logger             *zap.Logger
	highAccuracyMeters float64

	mu          sync.RWMutex
	position    *model.PositionSample
	seq         uint64
	unsubscribe func()

	now func() time.Time
}

// NewAggregator returns an aggregator with no cached readings.
func NewAggregator(sensors DeviceSensors, highAccuracyMeters float64, logger *zap.Logger) *Aggregator {
	if highAccuracyMeters <= 0 {
		highAccuracyMeters = 10
	}
	return &Aggregator{
		sensors:            sensors,
		logger:             logger,
		highAccuracyMeters: highAccuracyMeters,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers for continuous position updates from the device sensors.
// Calling Subscribe while already subscribed is a no-op.
func (a *Aggregator) Subscribe() error {
	a.mu.Lock()
	if a.unsubscribe != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	// The upstream call runs outside the lock: a binding may deliver the first
	// sample synchronously, and publish needs the mutex.
	unsub, err := a.sensors.Subscribe(a.publish)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.unsubscribe != nil {
		// Lost the race to a concurrent Subscribe; keep the first registration.
		a.mu.Unlock()
		unsub()
		return nil
	}
	a.unsubscribe = unsub
	a.mu.Unlock()
	return nil
}

// Unsubscribe stops receiving position updates. Cached readings are kept.
func (a *Aggregator) Unsubscribe() {
	a.mu.Lock()
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (a *Aggregator) publish(sample model.PositionSample) {
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = a.now()
	}

	a.mu.Lock()
	a.position = &sample
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	a.logger.Debug("position update",
		zap.Uint64("seq", seq),
		zap.Float64("accuracy", sample.Accuracy),
		zap.Bool("highAccuracy", sample.HighAccuracy(a.highAccuracyMeters)))
}

// CurrentSnapshot returns the most recently observed values. It never blocks and
// never fails: with no fix yet the snapshot simply has no position.
func (a *Aggregator) CurrentSnapshot() model.TelemetrySnapshot {
	a.mu.RLock()
	position := a.position
	seq := a.seq
	a.mu.RUnlock()

	return model.TelemetrySnapshot{
		Seq:      seq,
		Position: position,
		Status: model.DeviceStatus{
			BatteryLevel: a.sensors.BatteryLevel(),
			BatteryState: a.sensors.BatteryState(),
			Connectivity: a.sensors.ConnectivityClass(),
			CapturedAt:   a.now(),
		},
	}
}

// RefreshPositionNow forces a one-shot high-accuracy read with a deadline.
// It does not retry; the caller decides what to do on error.
func (a *Aggregator) RefreshPositionNow(ctx context.Context, timeout time.Duration) (model.PositionSample, error) {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sample, err := a.sensors.RequestPosition(readCtx)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return model.PositionSample{}, ErrTimeout
		case errors.Is(err, context.Canceled),
			errors.Is(err, ErrTimeout),
			errors.Is(err, ErrPermissionDenied),
			errors.Is(err, ErrUnavailable):
			return model.PositionSample{}, err
		default:
			return model.PositionSample{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	a.publish(sample)
	return sample, nil
}

// HighAccuracyMeters exposes the configured accuracy threshold.
func (a *Aggregator) HighAccuracyMeters() float64 {
	return a.highAccuracyMeters
}
