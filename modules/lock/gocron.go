package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/go-co-op/gocron/v2"
)

var _ gocron.Locker = (*JobLocker)(nil)

// JobLocker lets gocron run a DISTRIBUTED job on one instance at a time.
// The lock is held for the run, bounded by maxHold.
type JobLocker struct {
	provider core.LockProvider
	lockName string
	minHold  time.Duration
	maxHold  time.Duration
}

// NewJobLocker returns a gocron.Locker over provider. When lockName is
// empty the key gocron passes (the job name) is used.
func NewJobLocker(provider core.LockProvider, lockName string, minHold, maxHold time.Duration) *JobLocker {
	return &JobLocker{
		provider: provider,
		lockName: lockName,
		minHold:  minHold,
		maxHold:  maxHold,
	}
}

func (l *JobLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	name := l.lockName
	if name == "" {
		name = key
	}
	lease, err := core.AcquireLease(ctx, l.provider, name, l.minHold, l.maxHold)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrLockNotAcquired, name)
	}
	return &jobLock{lease: lease}, nil
}

type jobLock struct {
	lease core.Lease
}

func (l *jobLock) Unlock(ctx context.Context) error {
	return l.lease.Release(ctx)
}
