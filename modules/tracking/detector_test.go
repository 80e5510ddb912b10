package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/modules/lock"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

// startRun creates a RUNNING execution that started at the clock's current time.
func startRun(t *testing.T, s core.TrackingStrategy, name string) *core.ExecutionContext {
	t.Helper()
	ctx := context.Background()
	entry, err := s.EnsureRegistryEntry(ctx, localJob(name))
	require.NoError(t, err)
	execCtx, err := s.CreateExecutionContext(ctx, entry, "svc")
	require.NoError(t, err)
	return execCtx
}

func TestStuckDetector_Sweep(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	strategy := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger), tracking.WithClock(c.Now))

	old := startRun(t, strategy, "hung-export")
	c.now = c.now.Add(50 * time.Minute)
	young := startRun(t, strategy, "fresh-export")
	c.now = c.now.Add(15 * time.Minute)

	detector := tracking.NewStuckDetector(strategy, time.Hour,
		tracking.WithLogger(quietLogger), tracking.WithClock(c.Now))
	n, err := detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hung := onlyLog(t, strategy, "hung-export")
	assert.Equal(t, old.ID, hung.ID)
	assert.Equal(t, core.StatusTimeout, hung.Status)
	require.NotNil(t, hung.ErrorMessage)
	assert.Equal(t, "execution exceeded stuck threshold of 1h0m0s; owning instance presumed dead", *hung.ErrorMessage)
	require.NotNil(t, hung.DurationMs)
	assert.Equal(t, (65 * time.Minute).Milliseconds(), *hung.DurationMs)

	fresh := onlyLog(t, strategy, "fresh-export")
	assert.Equal(t, young.ID, fresh.ID)
	assert.Equal(t, core.StatusRunning, fresh.Status)

	n, err = detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds nothing new")

	entries, err := strategy.ListEntries(ctx)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Nil(t, e.LastExecutionAt, "timeouts do not count as executions")
	}
}

func TestStuckDetector_LateResultAfterTimeout(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	strategy := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger), tracking.WithClock(c.Now))
	manager := tracking.NewManager(strategy, nil, tracking.WithLogger(quietLogger))

	execCtx := startRun(t, strategy, "slowpoke")
	c.now = c.now.Add(2 * time.Hour)

	detector := tracking.NewStuckDetector(strategy, time.Hour, tracking.WithLogger(quietLogger), tracking.WithClock(c.Now))
	_, err := detector.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, manager.ApplyResult(ctx, execCtx, core.Succeeded(execCtx.StartTime, c.now)))
	assert.Equal(t, core.StatusTimeout, onlyLog(t, strategy, "slowpoke").Status)
}

func TestStuckDetector_SweepLock(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	strategy := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger), tracking.WithClock(c.Now))
	startRun(t, strategy, "stalled")
	c.now = c.now.Add(3 * time.Hour)

	locks := lock.NewLocalProvider()
	detector := tracking.NewStuckDetector(strategy, time.Hour,
		tracking.WithLogger(quietLogger), tracking.WithClock(c.Now), tracking.WithSweepLocks(locks))

	ok, err := locks.TryAcquire(ctx, tracking.StuckDetectorLockName, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "another instance holds the sweep lock")

	require.NoError(t, locks.Release(ctx, tracking.StuckDetectorLockName))
	n, err = detector.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, locks.Held(tracking.StuckDetectorLockName))
}

func TestRetentionCleaner(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	strategy := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger), tracking.WithClock(c.Now))
	manager := tracking.NewManager(strategy, nil)

	oldDone := startRun(t, strategy, "archive")
	require.NoError(t, manager.ApplyResult(ctx, oldDone, core.Succeeded(oldDone.StartTime, c.now)))
	startRun(t, strategy, "forever-running")

	c.now = c.now.Add(40 * 24 * time.Hour)
	recent := startRun(t, strategy, "archive")
	require.NoError(t, manager.ApplyResult(ctx, recent, core.Succeeded(recent.StartTime, c.now)))

	t.Run("disabled", func(t *testing.T) {
		cleaner := tracking.NewRetentionCleaner(strategy, 0, tracking.WithClock(c.Now))
		assert.False(t, cleaner.Enabled())
		n, err := cleaner.Prune(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("prunes old terminal logs only", func(t *testing.T) {
		cleaner := tracking.NewRetentionCleaner(strategy, 30, tracking.WithClock(c.Now), tracking.WithLogger(quietLogger))
		n, err := cleaner.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		assert.Equal(t, recent.ID, onlyLog(t, strategy, "archive").ID)
		assert.Equal(t, core.StatusRunning, onlyLog(t, strategy, "forever-running").Status)
		assert.NoError(t, cleaner.Job()(ctx))
	})
}
