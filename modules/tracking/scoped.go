package tracking

import (
	"context"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

// WithLock runs fn while holding lockName and releases it on every exit
// path, panics included. acquired is false when the lock was busy, in which
// case fn is not called.
func WithLock(ctx context.Context, provider core.LockProvider, lockName string, minHold, maxHold time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	lease, err := core.AcquireLease(ctx, provider, lockName, minHold, maxHold)
	if err != nil {
		return false, errors.InfraError(err).WithCode(errors.CodeLockUnavailable).WithMetadata("lock", lockName)
	}
	if lease == nil {
		return false, nil
	}
	defer func() {
		// Release even when ctx was cancelled while fn ran.
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, errors.InfraError(relErr).WithCode(errors.CodeLockRelease).WithMetadata("lock", lockName))
		}
	}()
	return true, fn(ctx)
}
