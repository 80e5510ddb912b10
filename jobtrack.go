package jobtrack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/config"
	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/Deepreo/jobtrack/modules/database"
	"github.com/Deepreo/jobtrack/modules/event"
	"github.com/Deepreo/jobtrack/modules/lock"
	"github.com/Deepreo/jobtrack/modules/scheduler"
	"github.com/Deepreo/jobtrack/modules/servers"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"golang.org/x/sync/errgroup"
)

// Application wires the tracking components around one scheduler. Hosts
// register their jobs through Scheduler before calling Run.
type Application struct {
	cfg       *config.AppConfig
	server    *servers.HttpServer
	eventBus  *event.InMemoryBus
	scheduler *scheduler.InMemoryScheduler
	tracker   *tracking.Tracker
	logger    *slog.Logger
	closers   []func() error
}

type Option func(*Application)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) {
		a.logger = logger
	}
}

func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &Application{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = cfg.Logging.Logger()
	}

	if err := app.build(ctx); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(ctx context.Context) error {
	trackingCfg := app.cfg.Tracking
	backends, err := app.openBackends(ctx)
	if err != nil {
		// Tracking never gates job execution: without storage the jobs run untracked.
		app.logger.Error("tracking storage unavailable, jobs run untracked", slog.Any("error", err))
		trackingCfg.Enabled = false
		trackingCfg.Mode = tracking.ModeInMemory
	}

	bus, err := event.NewInMemory(app.logger)
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	app.eventBus = bus
	if err := core.SubscribeEvent[*tracking.ExecutionFinished](bus, &failureLogger{logger: app.logger}); err != nil {
		return fmt.Errorf("subscribe failure logger: %w", err)
	}

	trackingOpts := []tracking.Option{
		tracking.WithLogger(app.logger),
		tracking.WithEventBus(bus),
		tracking.WithSweepLocks(backends.Locks),
	}
	strategy, err := tracking.NewStrategy(trackingCfg, backends, trackingOpts...)
	if err != nil {
		return err
	}
	app.tracker = tracking.New(trackingCfg, strategy, trackingOpts...)

	app.scheduler, err = scheduler.NewInMemoryScheduler(
		scheduler.WithLogger(app.logger),
		scheduler.WithJobLocks(backends.Locks, app.cfg.Scheduler.JobLockMinHold, app.cfg.Scheduler.JobLockMaxHold),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := app.tracker.Schedule(app.scheduler); err != nil {
		return err
	}

	if app.cfg.Server.Enabled {
		app.server, err = servers.NewHttpServer(servers.WithConfig(&app.cfg.Server), servers.WithLogger(app.logger))
		if err != nil {
			return err
		}
		app.tracker.RegisterEndpoints(app.server)
	}
	return nil
}

// openBackends connects the storage and lock drivers the persisted mode
// needs. In memory mode only a process-local lock provider is returned, for
// distributed jobs and the sweep lock. Locks is always set, even when the
// storage could not be opened.
func (app *Application) openBackends(ctx context.Context) (tracking.Backends, error) {
	cfg := app.cfg
	if !cfg.Tracking.Enabled || cfg.Tracking.Mode == tracking.ModeInMemory {
		return tracking.Backends{Locks: lock.NewLocalProvider()}, nil
	}

	var backends tracking.Backends
	pg, err := app.openStorage(ctx, &backends)
	backends.Locks = app.openLocks(ctx, pg)
	if err != nil {
		return backends, err
	}

	app.logger.Info("tracking backends ready",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("lock", cfg.Lock.Driver))
	return backends, nil
}

// openStorage fills the registry and log stores. An unreachable Postgres is
// only logged: the pool dials again on every use.
func (app *Application) openStorage(ctx context.Context, backends *tracking.Backends) (*database.Database, error) {
	storeOpts := []database.StoreOption{database.WithLogger(app.logger)}

	switch app.cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		db, err := database.Connect(ctx, &app.cfg.Database)
		if err != nil {
			return nil, errors.InfraError(err).WithCode(errors.CodeStorageRead)
		}
		app.closers = append(app.closers, func() error { db.Close(); return nil })
		if err := db.HealthCheck(ctx); err != nil {
			app.logger.Warn("postgres unreachable at startup", slog.Any("error", err))
		}
		backends.Registry, backends.Logs = db.Stores(storeOpts...)
		return db, nil
	case config.StorageDriverSQLite:
		db, err := database.OpenSQLite(ctx, app.cfg.SQLite)
		if err != nil {
			return nil, errors.InfraError(err).WithCode(errors.CodeStorageRead)
		}
		app.closers = append(app.closers, db.Close)
		backends.Registry = database.NewSQLiteRegistryStore(db, storeOpts...)
		backends.Logs = database.NewSQLiteExecutionLogStore(db, storeOpts...)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", app.cfg.Storage.Driver)
	}
}

// openLocks never fails. An unreachable lock backend makes the coordinator
// fall back to unsynchronized creation and DISTRIBUTED jobs skip their trigger.
func (app *Application) openLocks(ctx context.Context, pg *database.Database) core.LockProvider {
	switch app.cfg.Lock.Driver {
	case config.LockDriverRedis:
		client := lock.NewRedisClient(app.cfg.Redis)
		app.closers = append(app.closers, client.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			app.logger.Warn("redis unreachable at startup", slog.Any("error", err))
		}
		return lock.NewRedisProvider(client, app.cfg.Redis.Prefix)
	case config.LockDriverPostgres:
		if pg != nil {
			return lock.NewAdvisoryProvider(pg.Pool)
		}
		app.logger.Warn("postgres advisory locks unavailable, using process-local locks")
		return lock.NewLocalProvider()
	default:
		return lock.NewLocalProvider()
	}
}

func (app *Application) Scheduler() core.Scheduler  { return app.scheduler }
func (app *Application) Tracker() *tracking.Tracker { return app.tracker }
func (app *Application) EventBus() core.EventBus    { return app.eventBus }

// Server is nil when the status API is disabled.
func (app *Application) Server() *servers.HttpServer { return app.server }

// Run starts tracking, the event bus, the scheduler and the status API, and
// blocks until ctx is cancelled or one of them fails.
func (app *Application) Run(ctx context.Context) error {
	if err := app.tracker.Start(ctx); err != nil {
		// The interceptor fails open, so jobs keep running untracked.
		app.logger.Error("tracking initialization failed, starting scheduler anyway", slog.Any("error", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.eventBus.Run(gctx); err != nil {
			app.logger.Error("Event bus failed", slog.Any("error", err))
			return err
		}
		return nil
	})
	select {
	case <-app.eventBus.Running():
	case <-gctx.Done():
		return g.Wait()
	}

	app.scheduler.Start()

	if app.server != nil {
		g.Go(app.server.Run)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), servers.DefaultShutdownTimeout)
			defer cancel()
			return app.server.Shutdown(shutdownCtx)
		})
		app.logger.Info("status api listening", slog.String("addr", app.server.Addr()))
	}
	return g.Wait()
}

func (app *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if app.scheduler != nil {
		if err := app.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if app.tracker != nil {
		if err := app.tracker.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracker: %w", err))
		}
	}
	if err := app.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (app *Application) close() error {
	var errs []error
	if app.eventBus != nil {
		if err := app.eventBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
		app.eventBus = nil
	}
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}

type failureLogger struct {
	logger *slog.Logger
}

func (h *failureLogger) Handle(ctx context.Context, e *tracking.ExecutionFinished) error {
	if e.Status == core.StatusSuccess {
		return nil
	}
	h.logger.WarnContext(ctx, "job execution did not succeed",
		slog.String("job", e.Name),
		slog.String("execution_id", e.ExecutionID),
		slog.String("status", string(e.Status)),
		slog.Int64("duration_ms", e.DurationMs),
		slog.String("error", e.ErrorMessage))
	return nil
}
