package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

// Manager drives the execution lifecycle on top of whichever strategy is active.
type Manager struct {
	strategy core.TrackingStrategy
	excluded []string
	logger   *slog.Logger
}

// NewManager excludes the given prefixes plus InternalJobPrefix, which is
// always excluded so the module's own sweeps never enter the registry.
func NewManager(strategy core.TrackingStrategy, excludedNames []string, opts ...Option) *Manager {
	o := buildOptions(opts)
	excluded := []string{InternalJobPrefix}
	for _, prefix := range excludedNames {
		if prefix != "" && prefix != InternalJobPrefix {
			excluded = append(excluded, prefix)
		}
	}
	return &Manager{
		strategy: strategy,
		excluded: excluded,
		logger:   o.logger,
	}
}

func (m *Manager) Strategy() core.TrackingStrategy {
	return m.strategy
}

// IsExcluded reports whether name starts with any configured prefix. Matching is case-sensitive.
func (m *Manager) IsExcluded(name string) bool {
	for _, prefix := range m.excluded {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (m *Manager) EnsureRegistryEntry(ctx context.Context, job core.JobMetadata) (*core.RegistryEntry, error) {
	if err := job.Validate(); err != nil {
		return nil, errors.ValidationError(err).WithJob(job.Name)
	}
	entry, err := m.strategy.EnsureRegistryEntry(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("ensure registry entry %s: %w", job.Name, err)
	}
	return entry, nil
}

func (m *Manager) CreateExecutionContext(ctx context.Context, entry *core.RegistryEntry, serviceIdentity string) (*core.ExecutionContext, error) {
	if entry == nil {
		return nil, errors.ValidationError(errors.ErrEntryNotFound)
	}
	execCtx, err := m.strategy.CreateExecutionContext(ctx, entry, serviceIdentity)
	if err != nil {
		return nil, fmt.Errorf("create execution context %s: %w", entry.Name, err)
	}
	return execCtx, nil
}

// ApplyResult records the terminal result of execCtx. A second termination,
// in process or already present in storage, is logged as an anomaly and
// dropped; the first terminal write wins.
func (m *Manager) ApplyResult(ctx context.Context, execCtx *core.ExecutionContext, result core.ExecutionResult) error {
	if !result.Status.IsTerminal() {
		return errors.ValidationError(fmt.Errorf("%w: %s is not terminal", errors.ErrInvalidStatus, result.Status))
	}
	if current, ok := execCtx.TryTerminate(result.Status); !ok {
		m.logger.Warn("execution already terminated, ignoring result",
			slog.String("job", execCtx.Name),
			slog.String("execution_id", execCtx.ID.String()),
			slog.String("current_status", current.String()),
			slog.String("rejected_status", result.Status.String()))
		return nil
	}
	err := m.strategy.ApplyResult(ctx, execCtx, result)
	if errors.Is(errors.ErrAlreadyTerminal, err) {
		m.logger.Warn("execution log terminated elsewhere first, ignoring result",
			slog.String("job", execCtx.Name),
			slog.String("execution_id", execCtx.ID.String()),
			slog.String("rejected_status", result.Status.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply result %s: %w", execCtx.Name, err)
	}
	return nil
}
