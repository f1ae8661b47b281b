package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spectrial01/projext-nexusv2/internal/client"
	"github.com/spectrial01/projext-nexusv2/internal/config"
	"github.com/spectrial01/projext-nexusv2/internal/scheduler"
	"github.com/spectrial01/projext-nexusv2/internal/sensor"
	"github.com/spectrial01/projext-nexusv2/internal/session"
	"github.com/spectrial01/projext-nexusv2/internal/store"
	"github.com/spectrial01/projext-nexusv2/internal/watchdog"
)

const statusLogInterval = time.Minute

var errNoCredentials = errors.New("app: no credentials configured or persisted")

// App wires all agent dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	store      *store.Store
	sess       *session.State
	sensors    *sensor.SimulatedSensors
	aggregator *sensor.Aggregator
	transport  *client.Client
	watchdog   *watchdog.Watchdog
	scheduler  *scheduler.Scheduler
}

// New builds the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	sess := session.NewState()
	sensors := sensor.NewSimulatedSensors(cfg.Sensors.SimulatedSeedLat, cfg.Sensors.SimulatedSeedLng, 2*time.Second)
	aggregator := sensor.NewAggregator(sensors, cfg.Sensors.HighAccuracyMeters, logger)
	transport := client.New(cfg.Server.BaseURL, cfg.RequestTimeout(), logger)
	wd := watchdog.New(st, logger)

	hooks := scheduler.Hooks{
		OnReauthRequired: func() {
			logger.Warn("re-authentication required, endpoint rejected credentials")
		},
	}
	sched := scheduler.New(scheduler.Config{
		ReportInterval:   cfg.ReportInterval(),
		StatusInterval:   cfg.StatusInterval(),
		RequestTimeout:   cfg.RequestTimeout(),
		FailureThreshold: cfg.FailureThreshold(),
	}, transport, aggregator, sess, hooks, logger)

	return &App{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		sess:       sess,
		sensors:    sensors,
		aggregator: aggregator,
		transport:  transport,
		watchdog:   wd,
		scheduler:  sched,
	}, nil
}

// Run starts watchdog, sensors and scheduler, then blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	wasDead, err := a.watchdog.Initialize(ctx, a.cfg.DeadThreshold(), func() {
		a.logger.Warn("dead-restart detected, resuming reporting from persisted credentials")
	})
	if err != nil {
		return err
	}
	a.watchdog.Start(ctx, a.cfg.WatchdogPingInterval())

	creds, err := a.resolveCredentials(ctx, wasDead)
	if err != nil {
		return err
	}

	go a.sensors.Run(ctx)
	if err := a.aggregator.Subscribe(); err != nil {
		return err
	}

	a.scheduler.Start(ctx, creds)

	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.shutdown(creds)
			return ctx.Err()
		case <-ticker.C:
			a.logStatus()
		}
	}
}

// resolveCredentials prefers configured credentials and falls back to the
// persisted pair from a previous run, so a dead-restart resumes unattended.
func (a *App) resolveCredentials(ctx context.Context, wasDead bool) (store.Credentials, error) {
	creds := store.Credentials{
		Token:          a.cfg.Credentials.Token,
		DeploymentCode: a.cfg.Credentials.DeploymentCode,
	}
	if creds.Token != "" && creds.DeploymentCode != "" {
		if err := a.store.SaveCredentials(ctx, creds); err != nil {
			a.logger.Warn("failed to persist credentials", zap.Error(err))
		}
		return creds, nil
	}

	stored, ok, err := a.store.LoadCredentials(ctx)
	if err != nil {
		return store.Credentials{}, err
	}
	if !ok {
		return store.Credentials{}, errNoCredentials
	}
	if wasDead {
		a.logger.Info("recovered persisted credentials after dead-restart",
			zap.String("deploymentCode", stored.DeploymentCode))
	}
	return stored, nil
}

func (a *App) shutdown(creds store.Credentials) {
	a.scheduler.Stop()
	a.aggregator.Unsubscribe()
	a.watchdog.Stop()

	if a.sess.Snapshot().LoggedIn {
		logoutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.RequestTimeout())
		defer cancel()
		if _, err := a.transport.Logout(logoutCtx, creds.Token, creds.DeploymentCode); err != nil {
			a.logger.Warn("best-effort logout failed", zap.Error(err))
		} else {
			// An explicit logout releases the unit: the next start must not
			// resume with these credentials or treat the gap as a dead-restart.
			clearCtx, cancelClear := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelClear()
			if err := a.store.ClearLastAlive(clearCtx); err != nil {
				a.logger.Warn("failed to clear liveness record", zap.Error(err))
			}
			if err := a.store.ClearCredentials(clearCtx); err != nil {
				a.logger.Warn("failed to clear credentials", zap.Error(err))
			}
		}
	}
}

func (a *App) logStatus() {
	sess := a.sess.Snapshot()
	wd := a.watchdog.Status()
	snap := a.aggregator.CurrentSnapshot()
	a.logger.Info("agent status",
		zap.String("schedulerState", string(a.scheduler.State())),
		zap.Bool("loggedIn", sess.LoggedIn),
		zap.Uint("consecutiveFailures", sess.ConsecutiveFailures),
		zap.Time("lastSuccessAt", sess.LastSuccessAt),
		zap.Bool("watchdogRunning", wd.Running),
		zap.Time("lastAliveAt", wd.LastAliveAt),
		zap.Uint64("snapshotSeq", snap.Seq),
		zap.Bool("hasFix", snap.HasPosition()),
		zap.Int("battery", snap.Status.BatteryLevel))
}

// Close releases resources.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
}
