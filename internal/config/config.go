package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "github.com/spectrial01/projext-nexusv2/libs/config"
)

// Config defines the agent configuration.
type Config struct {
	Server struct {
		BaseURL string `yaml:"baseUrl" env:"NEXUS_SERVER_URL"`
	} `yaml:"server"`
	Credentials struct {
		Token          string `yaml:"token" env:"NEXUS_TOKEN"`
		DeploymentCode string `yaml:"deploymentCode" env:"NEXUS_DEPLOYMENT_CODE"`
	} `yaml:"credentials"`
	Reporting struct {
		IntervalSeconds       int `yaml:"intervalSeconds" env:"NEXUS_REPORT_INTERVAL"`
		StatusIntervalSeconds int `yaml:"statusIntervalSeconds" env:"NEXUS_STATUS_INTERVAL"`
		RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds" env:"NEXUS_REQUEST_TIMEOUT"`
		FailureThreshold      int `yaml:"failureThreshold" env:"NEXUS_FAILURE_THRESHOLD"`
	} `yaml:"reporting"`
	Watchdog struct {
		PingIntervalSeconds  int `yaml:"pingIntervalSeconds" env:"NEXUS_WATCHDOG_PING_INTERVAL"`
		DeadThresholdSeconds int `yaml:"deadThresholdSeconds" env:"NEXUS_DEAD_THRESHOLD"`
	} `yaml:"watchdog"`
	Sensors struct {
		HighAccuracyMeters float64 `yaml:"highAccuracyMeters" env:"NEXUS_HIGH_ACCURACY_METERS"`
		SimulatedSeedLat   float64 `yaml:"simulatedSeedLat" env:"NEXUS_SIM_SEED_LAT"`
		SimulatedSeedLng   float64 `yaml:"simulatedSeedLng" env:"NEXUS_SIM_SEED_LNG"`
	} `yaml:"sensors"`
	Storage struct {
		Path string `yaml:"path" env:"NEXUS_STORAGE_PATH"`
	} `yaml:"storage"`
}

// Load uses the shared config loader and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.Reporting.IntervalSeconds = 5
	cfg.Reporting.StatusIntervalSeconds = 120
	cfg.Reporting.RequestTimeoutSeconds = 15
	cfg.Reporting.FailureThreshold = 3
	cfg.Watchdog.PingIntervalSeconds = 300
	cfg.Watchdog.DeadThresholdSeconds = 900
	cfg.Sensors.HighAccuracyMeters = 10
	cfg.Sensors.SimulatedSeedLat = 14.5995
	cfg.Sensors.SimulatedSeedLng = 120.9842
	cfg.Storage.Path = "data/agent.db"

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		return nil, errors.New("config: server base URL is required")
	}
	if cfg.DeadThreshold() <= cfg.WatchdogPingInterval() {
		return nil, fmt.Errorf("config: dead threshold (%s) must exceed watchdog ping interval (%s)",
			cfg.DeadThreshold(), cfg.WatchdogPingInterval())
	}

	return cfg, nil
}

// ReportInterval returns the telemetry submission cadence.
func (c *Config) ReportInterval() time.Duration {
	if c.Reporting.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Reporting.IntervalSeconds) * time.Second
}

// StatusInterval returns the read-only status check cadence; zero disables it.
func (c *Config) StatusInterval() time.Duration {
	if c.Reporting.StatusIntervalSeconds < 0 {
		return 0
	}
	return time.Duration(c.Reporting.StatusIntervalSeconds) * time.Second
}

// RequestTimeout bounds every transport call.
func (c *Config) RequestTimeout() time.Duration {
	if c.Reporting.RequestTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Reporting.RequestTimeoutSeconds) * time.Second
}

// FailureThreshold is the consecutive-failure count that forces re-login.
func (c *Config) FailureThreshold() uint {
	if c.Reporting.FailureThreshold < 0 {
		return 3
	}
	return uint(c.Reporting.FailureThreshold)
}

// WatchdogPingInterval returns the liveness ping cadence.
func (c *Config) WatchdogPingInterval() time.Duration {
	if c.Watchdog.PingIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Watchdog.PingIntervalSeconds) * time.Second
}

// DeadThreshold returns the staleness window for dead-restart detection.
func (c *Config) DeadThreshold() time.Duration {
	if c.Watchdog.DeadThresholdSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Watchdog.DeadThresholdSeconds) * time.Second
}
