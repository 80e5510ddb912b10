package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

var _ core.TrackingStrategy = (*PersistedStrategy)(nil)

// PersistedStrategy owns the registry cache and the coordinator and hands
// durable storage to the registry and log stores.
type PersistedStrategy struct {
	registry    core.RegistryStore
	logs        core.ExecutionLogStore
	cache       *RegistryCache
	coordinator *Coordinator

	// inflight holds the RUNNING log of every context this process started.
	inflight sync.Map

	host   string
	now    func() time.Time
	logger *slog.Logger
}

func NewPersistedStrategy(registry core.RegistryStore, logs core.ExecutionLogStore, locks core.LockProvider, lockCfg LockConfig, opts ...Option) *PersistedStrategy {
	o := buildOptions(opts)
	cache := NewRegistryCache()
	return &PersistedStrategy{
		registry:    registry,
		logs:        logs,
		cache:       cache,
		coordinator: NewCoordinator(cache, registry, locks, lockCfg, opts...),
		host:        o.hostIdentity,
		now:         o.now,
		logger:      o.logger,
	}
}

func (s *PersistedStrategy) Initialize(ctx context.Context) error {
	seen := map[any]bool{}
	for _, store := range []any{s.registry, s.logs} {
		m, ok := store.(core.Migrator)
		if !ok || seen[m] {
			continue
		}
		seen[m] = true
		if err := m.Migrate(ctx); err != nil {
			return errors.InfraError(fmt.Errorf("migrate tracking schema: %w", err)).WithCode(errors.CodeStorageWrite)
		}
	}
	s.logger.Info("job tracking initialized", slog.String("mode", string(ModePersisted)))
	return nil
}

func (s *PersistedStrategy) Shutdown(ctx context.Context) error {
	if pending := s.RunningCount(); pending > 0 {
		s.logger.Warn("shutting down with running executions; the stuck detector will time them out",
			slog.Int("running", pending))
	}
	return nil
}

func (s *PersistedStrategy) EnsureRegistryEntry(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	return s.coordinator.GetOrCreate(ctx, job)
}

func (s *PersistedStrategy) CreateExecutionContext(ctx context.Context, entry *core.RegistryEntry, serviceIdentity string) (*core.ExecutionContext, error) {
	execCtx := core.NewExecutionContext(entry, serviceIdentity, s.host, s.now())
	record, err := s.logs.CreateFromContext(ctx, execCtx)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("create execution log: %w", err)).
			WithCode(errors.CodeStorageWrite).WithJob(entry.Name)
	}
	s.inflight.Store(execCtx.ID, record)
	return execCtx, nil
}

func (s *PersistedStrategy) ApplyResult(ctx context.Context, execCtx *core.ExecutionContext, result core.ExecutionResult) error {
	var record *core.ExecutionLog
	if v, ok := s.inflight.LoadAndDelete(execCtx.ID); ok {
		record = v.(*core.ExecutionLog)
	} else {
		record = core.NewExecutionLog(execCtx, s.now())
	}

	if err := s.logs.ApplyResult(record, result); err != nil {
		return errors.DomainError(err).WithJob(execCtx.Name)
	}
	if _, err := s.logs.Save(ctx, record); err != nil {
		if errors.Is(errors.ErrAlreadyTerminal, err) {
			return err
		}
		return errors.InfraError(fmt.Errorf("save execution log: %w", err)).
			WithCode(errors.CodeStorageWrite).WithJob(execCtx.Name)
	}

	updated, err := s.registry.UpdateLastExecution(ctx, execCtx.RegistryID, result.EndTime, result.DurationMs)
	if err != nil {
		return errors.InfraError(fmt.Errorf("update last execution: %w", err)).
			WithCode(errors.CodeStorageWrite).WithJob(execCtx.Name)
	}
	if updated == 0 {
		s.logger.Warn("registry entry missing while recording execution",
			slog.String("job", execCtx.Name), slog.String("registry_id", execCtx.RegistryID.String()))
	}
	return nil
}

func (s *PersistedStrategy) ClearCache() {
	s.cache.Clear()
}

func (s *PersistedStrategy) FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*core.ExecutionLog, error) {
	return s.logs.FindRunningStartedBefore(ctx, cutoff)
}

func (s *PersistedStrategy) MarkTimedOut(ctx context.Context, log *core.ExecutionLog, result core.ExecutionResult) error {
	record := log.Clone()
	if err := s.logs.ApplyResult(record, result); err != nil {
		return errors.DomainError(err).WithJob(log.Name)
	}
	if _, err := s.logs.Save(ctx, record); err != nil {
		return err
	}
	return nil
}

func (s *PersistedStrategy) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.logs.DeleteBefore(ctx, cutoff)
}

func (s *PersistedStrategy) ListEntries(ctx context.Context) ([]*core.RegistryEntry, error) {
	return s.registry.List(ctx)
}

func (s *PersistedStrategy) ListLogs(ctx context.Context, name string, limit int) ([]*core.ExecutionLog, error) {
	return s.logs.ListByName(ctx, name, limit)
}

// Cache exposes the registry cache, mostly for diagnostics.
func (s *PersistedStrategy) Cache() *RegistryCache {
	return s.cache
}

// RunningCount reports how many contexts this process started and has not finished.
func (s *PersistedStrategy) RunningCount() int {
	n := 0
	s.inflight.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
