package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"golang.org/x/sync/singleflight"
)

// CoordinationLockName is the single lock shared by all registry creations.
// Creation is rare, so one lock for every job name is enough.
const CoordinationLockName = "job-registry-creation"

// Coordinator resolves the first-registration race between instances. Once a
// name is cached no lock is ever taken for it again.
type Coordinator struct {
	cache    *RegistryCache
	registry core.RegistryStore
	locks    core.LockProvider
	cfg      LockConfig
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(cache *RegistryCache, registry core.RegistryStore, locks core.LockProvider, cfg LockConfig, opts ...Option) *Coordinator {
	o := buildOptions(opts)
	return &Coordinator{
		cache:    cache,
		registry: registry,
		locks:    locks,
		cfg:      cfg,
		logger:   o.logger,
		now:      o.now,
		sleep:    o.sleep,
	}
}

func (c *Coordinator) GetOrCreate(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	if entry, ok := c.cache.Get(job.Name); ok {
		return entry, nil
	}
	v, err, _ := c.group.Do(job.Name, func() (any, error) {
		if entry, ok := c.cache.Get(job.Name); ok {
			return entry, nil
		}
		return c.coldPath(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.RegistryEntry), nil
}

func (c *Coordinator) coldPath(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.RetryDelay(attempt)); err != nil {
				return nil, fmt.Errorf("waiting for %s: %w", CoordinationLockName, err)
			}
		}

		var entry *core.RegistryEntry
		acquired, err := WithLock(ctx, c.locks, CoordinationLockName, c.cfg.MinHold, c.cfg.MaxHold, func(ctx context.Context) error {
			var createErr error
			entry, createErr = c.createOrFetch(ctx, job)
			return createErr
		})
		if entry != nil {
			if err != nil {
				c.logger.Warn("registry entry resolved with lock errors",
					slog.String("job", job.Name), slog.Any("error", err))
			}
			return entry, nil
		}
		if acquired {
			return nil, err
		}
		if err != nil {
			c.logger.Warn("coordination lock unavailable",
				slog.String("job", job.Name), slog.Int("attempt", attempt+1), slog.Any("error", err))
		} else {
			c.logger.Debug("coordination lock busy",
				slog.String("job", job.Name), slog.Int("attempt", attempt+1))
		}
	}

	// Tracking must never gate the job: accept the small race window instead of blocking.
	c.logger.Warn("coordination lock retries exhausted, creating registry entry without lock",
		slog.String("job", job.Name), slog.Int("attempts", c.cfg.MaxRetries+1))
	return c.createOrFetch(ctx, job)
}

// createOrFetch is the double-checked create. Under the lock the duplicate
// branch only fires when a writer bypassed the lock through the fallback.
func (c *Coordinator) createOrFetch(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	existing, err := c.registry.FindByName(ctx, job.Name)
	if err != nil {
		return nil, storageReadError(err, job.Name)
	}
	if existing != nil {
		return c.cache.Put(existing), nil
	}

	saved, err := c.registry.Save(ctx, core.NewRegistryEntry(job, c.now()))
	if errors.Is(errors.ErrDuplicateEntry, err) {
		existing, err = c.registry.FindByName(ctx, job.Name)
		if err != nil {
			return nil, storageReadError(err, job.Name)
		}
		if existing == nil {
			return nil, errors.InfraError(fmt.Errorf("registry entry %s vanished after duplicate insert", job.Name)).
				WithCode(errors.CodeRegistryCreate).WithJob(job.Name)
		}
		return c.cache.Put(existing), nil
	}
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("save registry entry: %w", err)).
			WithCode(errors.CodeRegistryCreate).WithJob(job.Name)
	}
	c.logger.Info("registered job", slog.String("job", job.Name), slog.String("registry_id", saved.ID.String()))
	return c.cache.Put(saved), nil
}

func storageReadError(err error, name string) error {
	return errors.InfraError(fmt.Errorf("find registry entry: %w", err)).WithCode(errors.CodeStorageRead).WithJob(name)
}
