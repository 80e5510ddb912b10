package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
)

const RetentionJobName = InternalJobPrefix + "retention-cleanup"

// RetentionCleaner prunes terminal execution logs older than the retention window.
type RetentionCleaner struct {
	strategy core.TrackingStrategy
	days     int
	now      func() time.Time
	logger   *slog.Logger
}

func NewRetentionCleaner(strategy core.TrackingStrategy, retentionDays int, opts ...Option) *RetentionCleaner {
	o := buildOptions(opts)
	return &RetentionCleaner{
		strategy: strategy,
		days:     retentionDays,
		now:      o.now,
		logger:   o.logger,
	}
}

func (c *RetentionCleaner) Enabled() bool {
	return c.days > 0
}

// Prune deletes terminal logs started before now minus the retention window.
// RUNNING logs are left for the stuck detector.
func (c *RetentionCleaner) Prune(ctx context.Context) (int64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	cutoff := c.now().Add(-time.Duration(c.days) * 24 * time.Hour)
	n, err := c.strategy.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.InfraError(fmt.Errorf("prune execution logs: %w", err)).WithCode(errors.CodeRetentionPrune)
	}
	return n, nil
}

func (c *RetentionCleaner) Job() core.JobFunc {
	return func(ctx context.Context) error {
		n, err := c.Prune(ctx)
		if err != nil {
			c.logger.Error("execution log retention failed", slog.Any("error", err))
			return nil
		}
		c.logger.Info("execution log retention finished",
			slog.Int64("deleted", n), slog.Int("retention_days", c.days))
		return nil
	}
}
