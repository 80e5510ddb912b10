package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/google/uuid"
)

var _ core.TrackingStrategy = (*MemoryStrategy)(nil)

// MemoryStrategy keeps registry entries and logs in process memory. There is
// only one process to coordinate, so a mutex replaces the distributed lock.
// Everything is lost on restart.
type MemoryStrategy struct {
	mu      sync.Mutex
	entries map[string]*core.RegistryEntry
	logs    map[uuid.UUID]*core.ExecutionLog
	order   []uuid.UUID

	host   string
	now    func() time.Time
	logger *slog.Logger
}

func NewMemoryStrategy(opts ...Option) *MemoryStrategy {
	o := buildOptions(opts)
	return &MemoryStrategy{
		entries: make(map[string]*core.RegistryEntry),
		logs:    make(map[uuid.UUID]*core.ExecutionLog),
		host:    o.hostIdentity,
		now:     o.now,
		logger:  o.logger,
	}
}

func (s *MemoryStrategy) Initialize(ctx context.Context) error {
	s.logger.Info("job tracking initialized", slog.String("mode", string(ModeInMemory)))
	return nil
}

func (s *MemoryStrategy) Shutdown(ctx context.Context) error {
	return nil
}

func (s *MemoryStrategy) EnsureRegistryEntry(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[job.Name]; ok {
		return entry.Clone(), nil
	}
	entry := core.NewRegistryEntry(job, s.now())
	s.entries[job.Name] = entry
	s.logger.Info("registered job", slog.String("job", job.Name), slog.String("registry_id", entry.ID.String()))
	return entry.Clone(), nil
}

func (s *MemoryStrategy) CreateExecutionContext(ctx context.Context, entry *core.RegistryEntry, serviceIdentity string) (*core.ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.Name]; !ok {
		return nil, errors.DomainError(fmt.Errorf("%w: %s", errors.ErrEntryNotFound, entry.Name))
	}
	now := s.now()
	execCtx := core.NewExecutionContext(entry, serviceIdentity, s.host, now)
	s.logs[execCtx.ID] = core.NewExecutionLog(execCtx, now)
	s.order = append(s.order, execCtx.ID)
	return execCtx, nil
}

func (s *MemoryStrategy) ApplyResult(ctx context.Context, execCtx *core.ExecutionContext, result core.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[execCtx.ID]
	if !ok {
		// Pruned or cleared while the job was running.
		log = core.NewExecutionLog(execCtx, s.now())
		s.logs[log.ID] = log
		s.order = append(s.order, log.ID)
	}
	if log.Status.IsTerminal() {
		return errors.ErrAlreadyTerminal
	}
	if err := log.Apply(result); err != nil {
		return errors.DomainError(err)
	}
	if entry, ok := s.entries[execCtx.Name]; ok {
		entry.RecordExecution(result.EndTime, result.DurationMs)
	}
	return nil
}

// ClearCache drops every entry and log: in this mode the maps are the only state.
func (s *MemoryStrategy) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*core.RegistryEntry)
	s.logs = make(map[uuid.UUID]*core.ExecutionLog)
	s.order = nil
}

func (s *MemoryStrategy) FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*core.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.ExecutionLog
	for _, id := range s.order {
		log := s.logs[id]
		if log.Status == core.StatusRunning && log.StartTime.Before(cutoff) {
			out = append(out, log.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStrategy) MarkTimedOut(ctx context.Context, log *core.ExecutionLog, result core.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.logs[log.ID]
	if !ok {
		return errors.DomainError(fmt.Errorf("execution log %s not found", log.ID))
	}
	if stored.Status.IsTerminal() {
		return errors.ErrAlreadyTerminal
	}
	return stored.Apply(result)
}

func (s *MemoryStrategy) DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	kept := s.order[:0]
	for _, id := range s.order {
		log := s.logs[id]
		if log.Status.IsTerminal() && log.StartTime.Before(cutoff) {
			delete(s.logs, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return deleted, nil
}

func (s *MemoryStrategy) ListEntries(ctx context.Context) ([]*core.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*core.RegistryEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListLogs returns the newest logs first. An empty name matches every job.
func (s *MemoryStrategy) ListLogs(ctx context.Context, name string, limit int) ([]*core.ExecutionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.ExecutionLog
	for i := len(s.order) - 1; i >= 0; i-- {
		log := s.logs[s.order[i]]
		if name != "" && log.Name != name {
			continue
		}
		out = append(out, log.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
