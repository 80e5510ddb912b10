package tracking

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

// Backends are the collaborators of the persisted mode. They are ignored in memory mode.
type Backends struct {
	Registry core.RegistryStore
	Logs     core.ExecutionLogStore
	Locks    core.LockProvider
}

// NewStrategy selects the single active strategy for this process.
func NewStrategy(cfg Config, backends Backends, opts ...Option) (core.TrackingStrategy, error) {
	switch cfg.Mode {
	case ModeInMemory:
		return NewMemoryStrategy(opts...), nil
	case ModePersisted:
		if backends.Registry == nil || backends.Logs == nil || backends.Locks == nil {
			return nil, errors.ValidationError(fmt.Errorf("persisted mode needs registry, log and lock backends")).
				WithCode(errors.CodeInvalidConfig)
		}
		return NewPersistedStrategy(backends.Registry, backends.Logs, backends.Locks, cfg.Lock, opts...), nil
	default:
		return nil, errors.ValidationError(fmt.Errorf("%w: %q", errors.ErrUnknownMode, cfg.Mode)).
			WithCode(errors.CodeInvalidConfig)
	}
}

// Tracker bundles the tracking components around one strategy.
type Tracker struct {
	cfg         Config
	strategy    core.TrackingStrategy
	manager     *Manager
	interceptor *Interceptor
	detector    *StuckDetector
	cleaner     *RetentionCleaner
	logger      *slog.Logger
}

func New(cfg Config, strategy core.TrackingStrategy, opts ...Option) *Tracker {
	o := buildOptions(opts)
	manager := NewManager(strategy, cfg.ExcludedNames, opts...)
	return &Tracker{
		cfg:         cfg,
		strategy:    strategy,
		manager:     manager,
		interceptor: NewInterceptor(cfg, manager, opts...),
		detector:    NewStuckDetector(strategy, cfg.StuckThreshold(), opts...),
		cleaner:     NewRetentionCleaner(strategy, cfg.RetentionDays, opts...),
		logger:      o.logger,
	}
}

func (t *Tracker) Config() Config                       { return t.cfg }
func (t *Tracker) Strategy() core.TrackingStrategy      { return t.strategy }
func (t *Tracker) Manager() *Manager                    { return t.manager }
func (t *Tracker) Interceptor() *Interceptor            { return t.interceptor }
func (t *Tracker) Detector() *StuckDetector             { return t.detector }
func (t *Tracker) Cleaner() *RetentionCleaner           { return t.cleaner }
func (t *Tracker) Middleware() core.SchedulerMiddleware { return t.interceptor.Middleware() }

func (t *Tracker) Start(ctx context.Context) error {
	if !t.cfg.Enabled {
		t.logger.Info("job tracking disabled")
		return nil
	}
	return t.strategy.Initialize(ctx)
}

func (t *Tracker) Stop(ctx context.Context) error {
	if !t.cfg.Enabled {
		return nil
	}
	return t.strategy.Shutdown(ctx)
}

// Schedule installs the interceptor on s and registers the stuck detector
// and retention sweeps. The sweeps carry the internal prefix, which the
// default exclusion list keeps out of the registry.
func (t *Tracker) Schedule(s core.Scheduler) error {
	if !t.cfg.Enabled {
		return nil
	}
	s.Use(t.Middleware())

	if err := s.RegisterJob(StuckDetectorJobName, t.detector.Job(), t.cfg.StuckCheckInterval); err != nil {
		return fmt.Errorf("schedule stuck detector: %w", err)
	}
	if t.cleaner.Enabled() {
		if err := s.RegisterCron(RetentionJobName, t.cfg.CleanupSchedule, t.cleaner.Job()); err != nil {
			return fmt.Errorf("schedule retention cleanup: %w", err)
		}
	}
	return nil
}
