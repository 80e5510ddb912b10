package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

const (
	StuckDetectorJobName  = InternalJobPrefix + "stuck-detector"
	StuckDetectorLockName = "job-stuck-detector"
)

// StuckDetector times out executions whose owning instance died before
// recording a result. It detects staleness after the fact and never cancels
// a running job body.
type StuckDetector struct {
	strategy  core.TrackingStrategy
	threshold time.Duration
	locks     core.LockProvider
	now       func() time.Time
	logger    *slog.Logger
}

func NewStuckDetector(strategy core.TrackingStrategy, threshold time.Duration, opts ...Option) *StuckDetector {
	o := buildOptions(opts)
	return &StuckDetector{
		strategy:  strategy,
		threshold: threshold,
		locks:     o.sweepLocks,
		now:       o.now,
		logger:    o.logger,
	}
}

func (d *StuckDetector) timeoutMessage() string {
	return fmt.Sprintf("execution exceeded stuck threshold of %s; owning instance presumed dead", d.threshold)
}

// Sweep transitions every RUNNING log older than the threshold to TIMEOUT
// and returns how many it changed.
func (d *StuckDetector) Sweep(ctx context.Context) (int, error) {
	if d.locks == nil {
		return d.sweep(ctx)
	}
	var n int
	acquired, err := WithLock(ctx, d.locks, StuckDetectorLockName, 0, d.threshold, func(ctx context.Context) error {
		var sweepErr error
		n, sweepErr = d.sweep(ctx)
		return sweepErr
	})
	if !acquired && err == nil {
		d.logger.Debug("stuck detector sweep skipped, another instance holds the lock")
	}
	return n, err
}

func (d *StuckDetector) sweep(ctx context.Context) (int, error) {
	now := d.now()
	stale, err := d.strategy.FindRunningOlderThan(ctx, now.Add(-d.threshold))
	if err != nil {
		return 0, errors.InfraError(fmt.Errorf("find stuck executions: %w", err)).WithCode(errors.CodeStuckSweep)
	}

	var (
		timedOut int
		errs     []error
	)
	msg := d.timeoutMessage()
	for _, log := range stale {
		err := d.strategy.MarkTimedOut(ctx, log, core.TimedOut(log.StartTime, now, msg))
		switch {
		case err == nil:
			timedOut++
			d.logger.Warn("execution timed out by stuck detector",
				slog.String("job", log.Name),
				slog.String("execution_id", log.ID.String()),
				slog.String("host", log.HostIdentity),
				slog.Time("started_at", log.StartTime))
		case errors.Is(errors.ErrAlreadyTerminal, err):
			// Finished between the scan and the update.
		default:
			errs = append(errs, fmt.Errorf("time out %s: %w", log.ID, err))
		}
	}
	if len(errs) > 0 {
		return timedOut, errors.InfraError(errors.Join(errs...)).WithCode(errors.CodeStuckSweep)
	}
	return timedOut, nil
}

// Job adapts Sweep to the scheduler. Failures are logged and the next trigger retries.
func (d *StuckDetector) Job() core.JobFunc {
	return func(ctx context.Context) error {
		n, err := d.Sweep(ctx)
		if err != nil {
			d.logger.Error("stuck detector sweep failed", slog.Any("error", err))
			return nil
		}
		if n > 0 {
			d.logger.Info("stuck detector sweep finished", slog.Int("timed_out", n))
		}
		return nil
	}
}
