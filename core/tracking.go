package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TrackingStrategy is the storage strategy behind execution tracking. Exactly
// one implementation is active per process, selected once at startup.
type TrackingStrategy interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// EnsureRegistryEntry is an idempotent get-or-create keyed on job.Name.
	EnsureRegistryEntry(ctx context.Context, job JobMetadata) (*RegistryEntry, error)
	CreateExecutionContext(ctx context.Context, entry *RegistryEntry, serviceIdentity string) (*ExecutionContext, error)
	// ApplyResult persists a terminal result. It returns errors.ErrAlreadyTerminal
	// when the stored record was terminated first by someone else.
	ApplyResult(ctx context.Context, execCtx *ExecutionContext, result ExecutionResult) error
	ClearCache()

	FindRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*ExecutionLog, error)
	MarkTimedOut(ctx context.Context, log *ExecutionLog, result ExecutionResult) error
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListEntries(ctx context.Context) ([]*RegistryEntry, error)
	ListLogs(ctx context.Context, name string, limit int) ([]*ExecutionLog, error)
}

// RegistryStore persists registry rows for the persisted strategy.
type RegistryStore interface {
	// FindByName returns nil, nil when no row exists.
	FindByName(ctx context.Context, name string) (*RegistryEntry, error)
	// Save returns errors.ErrDuplicateEntry when another row already owns entry.Name.
	Save(ctx context.Context, entry *RegistryEntry) (*RegistryEntry, error)
	UpdateLastExecution(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64) (int64, error)
	List(ctx context.Context) ([]*RegistryEntry, error)
}

// ExecutionLogStore persists execution logs for the persisted strategy.
type ExecutionLogStore interface {
	// CreateFromContext stores a RUNNING record for a fresh context.
	CreateFromContext(ctx context.Context, execCtx *ExecutionContext) (*ExecutionLog, error)
	// ApplyResult maps a result onto a record without touching storage.
	ApplyResult(record *ExecutionLog, result ExecutionResult) error
	// Save writes a terminal record only if the stored row is still RUNNING,
	// otherwise it returns errors.ErrAlreadyTerminal.
	Save(ctx context.Context, record *ExecutionLog) (*ExecutionLog, error)
	FindRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*ExecutionLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListByName(ctx context.Context, name string, limit int) ([]*ExecutionLog, error)
}

// LockProvider is a cross-process mutual exclusion backend. A lock is held
// for at least minHold and at most maxHold, whatever the holder does.
type LockProvider interface {
	TryAcquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (bool, error)
	Release(ctx context.Context, lockName string) error
}

// Lease is one acquisition of a named lock. Releasing a lease never frees a
// later acquisition of the same name, even after this one outlived maxHold.
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseProvider is a LockProvider that can tie a release to the acquisition
// that made it. Acquire returns a nil Lease when the lock is busy.
type LeaseProvider interface {
	LockProvider
	Acquire(ctx context.Context, lockName string, minHold, maxHold time.Duration) (Lease, error)
}

// AcquireLease takes lockName from provider. Providers without leases fall
// back to a name-keyed Release. The returned Lease is nil when the lock is busy.
func AcquireLease(ctx context.Context, provider LockProvider, lockName string, minHold, maxHold time.Duration) (Lease, error) {
	if lp, ok := provider.(LeaseProvider); ok {
		return lp.Acquire(ctx, lockName, minHold, maxHold)
	}
	ok, err := provider.TryAcquire(ctx, lockName, minHold, maxHold)
	if err != nil || !ok {
		return nil, err
	}
	return &namedLease{provider: provider, lockName: lockName}, nil
}

type namedLease struct {
	provider LockProvider
	lockName string
}

func (l *namedLease) Release(ctx context.Context) error {
	return l.provider.Release(ctx, l.lockName)
}

// Migrator is implemented by stores that manage their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}
