package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/modules/lock"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

var _ core.Scheduler = (*InMemoryScheduler)(nil)

type InMemoryScheduler struct {
	scheduler   gocron.Scheduler
	jobs        map[string]registeredJob
	middlewares []core.SchedulerMiddleware
	mu          sync.RWMutex

	locks   core.LockProvider
	minHold time.Duration
	maxHold time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

type registeredJob struct {
	id   uuid.UUID
	meta core.JobMetadata
}

type Option func(*InMemoryScheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *InMemoryScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJobLocks runs DISTRIBUTED jobs under their lock name on provider, so
// only one instance executes a given trigger.
func WithJobLocks(provider core.LockProvider, minHold, maxHold time.Duration) Option {
	return func(s *InMemoryScheduler) {
		s.locks = provider
		s.minHold = minHold
		s.maxHold = maxHold
	}
}

func NewInMemoryScheduler(opts ...Option) (*InMemoryScheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &InMemoryScheduler{
		jobs:   make(map[string]registeredJob),
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gs, err := gocron.NewScheduler(gocron.WithLogger(s.logger))
	if err != nil {
		cancel()
		return nil, err
	}
	s.scheduler = gs
	return s, nil
}

func (s *InMemoryScheduler) Start() {
	s.scheduler.Start()
}

// Shutdown cancels the context of running jobs and waits for them to return.
func (s *InMemoryScheduler) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}

// Use appends middlewares. They apply to every job, including jobs
// registered before the call.
func (s *InMemoryScheduler) Use(middleware ...core.SchedulerMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, middleware...)
}

func (s *InMemoryScheduler) chain(meta core.JobMetadata, fn core.JobFunc) core.JobFunc {
	s.mu.RLock()
	middlewares := make([]core.SchedulerMiddleware, len(s.middlewares))
	copy(middlewares, s.middlewares)
	s.mu.RUnlock()
	return core.Chain(meta, fn, middlewares...)
}

func (s *InMemoryScheduler) RegisterJob(name string, fn core.JobFunc, interval time.Duration) error {
	return s.Register(core.DescribeJob(name, fn, core.EverySchedule(interval)), fn)
}

func (s *InMemoryScheduler) RegisterCron(name string, cronExpr string, fn core.JobFunc) error {
	return s.Register(core.DescribeJob(name, fn, cronExpr), fn)
}

// Register schedules fn under meta. ScheduleExpression is either
// "@every <duration>" or a 5 or 6 field cron expression.
func (s *InMemoryScheduler) Register(meta core.JobMetadata, fn core.JobFunc) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	definition, err := jobDefinition(meta.ScheduleExpression)
	if err != nil {
		return fmt.Errorf("job %s: %w", meta.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[meta.Name]; exists {
		return fmt.Errorf("job with name %s already exists", meta.Name)
	}

	jobOpts := []gocron.JobOption{gocron.WithName(meta.Name)}
	if meta.Kind == core.JobKindDistributed && s.locks != nil {
		jobOpts = append(jobOpts, gocron.WithDistributedJobLocker(
			lock.NewJobLocker(s.locks, meta.LockName, s.minHold, s.maxHold)))
	}

	job, err := s.scheduler.NewJob(definition, gocron.NewTask(func() {
		if err := s.chain(meta, fn)(s.ctx); err != nil {
			s.logger.Error("scheduled job failed", slog.String("job", meta.Name), slog.Any("error", err))
		}
	}), jobOpts...)
	if err != nil {
		return err
	}

	s.jobs[meta.Name] = registeredJob{id: job.ID(), meta: meta}
	return nil
}

func jobDefinition(expr string) (gocron.JobDefinition, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		return gocron.DurationJob(interval), nil
	}
	if expr == "" {
		return nil, fmt.Errorf("empty schedule expression")
	}
	// Six fields means the expression carries seconds.
	withSeconds := len(strings.Fields(expr)) == 6
	return gocron.CronJob(expr, withSeconds), nil
}

func (s *InMemoryScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("job with name %s not found", name)
	}

	if err := s.scheduler.RemoveJob(job.id); err != nil {
		return err
	}

	delete(s.jobs, name)
	return nil
}

func (s *InMemoryScheduler) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, job := range s.jobs {
		if err := s.scheduler.RemoveJob(job.id); err != nil {
			return fmt.Errorf("failed to remove job %s: %w", name, err)
		}
		delete(s.jobs, name)
	}
	return nil
}

// Jobs returns the metadata of every registered job, sorted by name.
func (s *InMemoryScheduler) Jobs() []core.JobMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.JobMetadata, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
