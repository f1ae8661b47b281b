package sensor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/spectrial01/projext-nexusv2/internal/model"
)

// SimulatedSensors produces jittered positions around a seed coordinate and a
// slowly draining battery, so the agent can run end-to-end without hardware.
// On a real device the execution host supplies the platform binding instead.
type SimulatedSensors struct {
	seedLat  float64
	seedLng  float64
	interval time.Duration

	mu          sync.Mutex
	subscribers []func(model.PositionSample)
	battery     int
	rng         *rand.Rand
}

// NewSimulatedSensors seeds the simulator at the given coordinate.
func NewSimulatedSensors(seedLat, seedLng float64, interval time.Duration) *SimulatedSensors {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SimulatedSensors{
		seedLat:  seedLat,
		seedLng:  seedLng,
		interval: interval,
		battery:  100,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run emits position updates until ctx is cancelled.
func (s *SimulatedSensors) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := s.nextSample()
			s.mu.Lock()
			if s.battery > 1 && s.rng.Intn(10) == 0 {
				s.battery--
			}
			subs := make([]func(model.PositionSample), len(s.subscribers))
			copy(subs, s.subscribers)
			s.mu.Unlock()
			for _, fn := range subs {
				fn(sample)
			}
		}
	}
}

func (s *SimulatedSensors) nextSample() model.PositionSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	// ~11m per 0.0001 degree of latitude; keeps the track near the seed.
	jitter := func() float64 { return (s.rng.Float64() - 0.5) * 0.0002 }
	return model.PositionSample{
		Latitude:   s.seedLat + jitter(),
		Longitude:  s.seedLng + jitter(),
		Accuracy:   4 + s.rng.Float64()*12,
		Altitude:   15 + s.rng.Float64()*5,
		Speed:      s.rng.Float64() * 2,
		Heading:    s.rng.Float64() * 360,
		HasHeading: true,
		CapturedAt: time.Now().UTC(),
	}
}

// Subscribe implements DeviceSensors.
func (s *SimulatedSensors) Subscribe(onUpdate func(model.PositionSample)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.subscribers)
	s.subscribers = append(s.subscribers, onUpdate)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subscribers) {
			s.subscribers[idx] = func(model.PositionSample) {}
		}
	}, nil
}

// RequestPosition implements DeviceSensors.
func (s *SimulatedSensors) RequestPosition(ctx context.Context) (model.PositionSample, error) {
	select {
	case <-ctx.Done():
		return model.PositionSample{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
		return s.nextSample(), nil
	}
}

// BatteryLevel implements DeviceSensors.
func (s *SimulatedSensors) BatteryLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery
}

// BatteryState implements DeviceSensors.
func (s *SimulatedSensors) BatteryState() model.BatteryState {
	return model.BatteryStateDischarging
}

// ConnectivityClass implements DeviceSensors.
func (s *SimulatedSensors) ConnectivityClass() model.ConnectivityClass {
	return model.ConnectivityStrong
}
