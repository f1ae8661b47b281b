package model

import "time"

// BatteryState describes the charging state reported by the device sensors.
type BatteryState string

const (
	BatteryStateUnknown     BatteryState = "unknown"
	BatteryStateCharging    BatteryState = "charging"
	BatteryStateDischarging BatteryState = "discharging"
	BatteryStateFull        BatteryState = "full"
)

// ConnectivityClass buckets the current transport medium by expected quality.
type ConnectivityClass string

const (
	ConnectivityNone   ConnectivityClass = "none"
	ConnectivityWeak   ConnectivityClass = "weak"
	ConnectivityStrong ConnectivityClass = "strong"
)

// PositionSample is a single best-effort position fix (WGS84). Immutable once created.
type PositionSample struct {
	Latitude   float64
	Longitude  float64
	Accuracy   float64 // meters, >= 0
	Altitude   float64 // meters
	Speed      float64 // m/s, >= 0
	Heading    float64 // degrees 0-360, valid only when HasHeading
	HasHeading bool
	CapturedAt time.Time
}

// HighAccuracy reports whether the fix is within the given accuracy threshold in meters.
func (p PositionSample) HighAccuracy(thresholdMeters float64) bool {
	return p.Accuracy >= 0 && p.Accuracy <= thresholdMeters
}

// DeviceStatus is a best-effort snapshot of battery and connectivity state.
type DeviceStatus struct {
	BatteryLevel int // 0-100
	BatteryState BatteryState
	Connectivity ConnectivityClass
	CapturedAt   time.Time
}

// TelemetrySnapshot bundles the latest sensor readings. Position is nil until the
// first fix arrives; such snapshots must never be submitted to the remote endpoint.
type TelemetrySnapshot struct {
	Seq      uint64
	Position *PositionSample
	Status   DeviceStatus
}

// HasPosition reports whether the snapshot carries a usable position fix.
func (s TelemetrySnapshot) HasPosition() bool {
	return s.Position != nil
}
