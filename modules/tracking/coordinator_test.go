package tracking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Deepreo/jobtrack/core"
	jterrors "github.com/Deepreo/jobtrack/errors"
	"github.com/Deepreo/jobtrack/modules/lock"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLockConfig() tracking.LockConfig {
	return tracking.LockConfig{
		MaxHold:       5 * time.Second,
		MinHold:       0,
		MaxRetries:    3,
		RetryDelaysMs: []int{1, 2, 5},
	}
}

func TestCoordinator_ConcurrentInstancesCreateOneEntry(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	registry.delay = 5 * time.Millisecond
	locks := lock.NewLocalProvider()

	const instances = 10
	coords := make([]*tracking.Coordinator, instances)
	for i := range coords {
		coords[i] = tracking.NewCoordinator(tracking.NewRegistryCache(), registry, locks, testLockConfig(),
			tracking.WithLogger(quietLogger))
	}

	results := make([]*core.RegistryEntry, instances)
	var wg sync.WaitGroup
	for i, c := range coords {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := c.GetOrCreate(ctx, localJob("cache-warmup"))
			assert.NoError(t, err)
			results[i] = entry
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, registry.count())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ID, r.ID)
	}
}

func TestCoordinator_CacheHitSkipsStorageAndLock(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	locks := &busyLocks{}
	cache := tracking.NewRegistryCache()
	coord := tracking.NewCoordinator(cache, registry, locks, testLockConfig(),
		tracking.WithLogger(quietLogger), tracking.WithSleep(noSleep))

	first, err := coord.GetOrCreate(ctx, localJob("report"))
	require.NoError(t, err)
	finds, attempts := registry.finds.Load(), locks.attempts.Load()

	for i := 0; i < 5; i++ {
		again, err := coord.GetOrCreate(ctx, localJob("report"))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
	}
	assert.Equal(t, finds, registry.finds.Load())
	assert.Equal(t, attempts, locks.attempts.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestCoordinator_LockUnavailableFallsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("busy lock", func(t *testing.T) {
		registry := newFakeRegistry()
		locks := &busyLocks{}
		cfg := testLockConfig()
		coord := tracking.NewCoordinator(tracking.NewRegistryCache(), registry, locks, cfg,
			tracking.WithLogger(quietLogger), tracking.WithSleep(noSleep))

		entry, err := coord.GetOrCreate(ctx, localJob("nightly"))
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, int32(cfg.MaxRetries+1), locks.attempts.Load())
		assert.Equal(t, 1, registry.count())
	})

	t.Run("lock backend error", func(t *testing.T) {
		registry := newFakeRegistry()
		locks := &busyLocks{err: assert.AnError}
		coord := tracking.NewCoordinator(tracking.NewRegistryCache(), registry, locks, testLockConfig(),
			tracking.WithLogger(quietLogger), tracking.WithSleep(noSleep))

		entry, err := coord.GetOrCreate(ctx, localJob("nightly"))
		require.NoError(t, err)
		assert.Equal(t, "nightly", entry.Name)
	})

	t.Run("retry delays", func(t *testing.T) {
		var waits []time.Duration
		sleep := func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}
		cfg := testLockConfig()
		cfg.MaxRetries = 5
		coord := tracking.NewCoordinator(tracking.NewRegistryCache(), newFakeRegistry(), &busyLocks{}, cfg,
			tracking.WithLogger(quietLogger), tracking.WithSleep(sleep))

		_, err := coord.GetOrCreate(ctx, localJob("nightly"))
		require.NoError(t, err)
		ms := time.Millisecond
		assert.Equal(t, []time.Duration{1 * ms, 2 * ms, 5 * ms, 5 * ms, 5 * ms}, waits)
	})
}

func TestCoordinator_DuplicateFromFallbackWriterIsRefetched(t *testing.T) {
	ctx := context.Background()
	registry := newFakeRegistry()
	coord := tracking.NewCoordinator(tracking.NewRegistryCache(), registry, lock.NewLocalProvider(), testLockConfig(),
		tracking.WithLogger(quietLogger))

	// An unsynchronized writer inserts between our find and our save.
	racer := core.NewRegistryEntry(localJob("race"), time.Now())
	registry.beforeSave = func(name string) {
		registry.put(racer)
	}

	entry, err := coord.GetOrCreate(ctx, localJob("race"))
	require.NoError(t, err)
	assert.Equal(t, racer.ID, entry.ID)
	assert.Equal(t, 1, registry.count())
}

func TestCoordinator_StorageReadFailure(t *testing.T) {
	registry := newFakeRegistry()
	registry.findErr = assert.AnError
	coord := tracking.NewCoordinator(tracking.NewRegistryCache(), registry, lock.NewLocalProvider(), testLockConfig(),
		tracking.WithLogger(quietLogger))

	_, err := coord.GetOrCreate(context.Background(), localJob("broken"))
	require.Error(t, err)
	assert.True(t, jterrors.IsInfraError(err))
	assert.Equal(t, jterrors.CodeStorageRead, jterrors.GetCode(err))
}

func TestWithLock(t *testing.T) {
	ctx := context.Background()
	locks := lock.NewLocalProvider()

	t.Run("releases after fn", func(t *testing.T) {
		acquired, err := tracking.WithLock(ctx, locks, "scoped", 0, time.Minute, func(ctx context.Context) error {
			assert.True(t, locks.Held("scoped"))
			return nil
		})
		require.NoError(t, err)
		assert.True(t, acquired)
		assert.False(t, locks.Held("scoped"))
	})

	t.Run("releases on panic", func(t *testing.T) {
		assert.Panics(t, func() {
			_, _ = tracking.WithLock(ctx, locks, "scoped", 0, time.Minute, func(ctx context.Context) error {
				panic("boom")
			})
		})
		assert.False(t, locks.Held("scoped"))
	})

	t.Run("busy lock skips fn", func(t *testing.T) {
		ok, _ := locks.TryAcquire(ctx, "taken", 0, time.Minute)
		require.True(t, ok)
		called := false
		acquired, err := tracking.WithLock(ctx, locks, "taken", 0, time.Minute, func(ctx context.Context) error {
			called = true
			return nil
		})
		require.NoError(t, err)
		assert.False(t, acquired)
		assert.False(t, called)
	})

	t.Run("fn error returned", func(t *testing.T) {
		acquired, err := tracking.WithLock(ctx, locks, "scoped", 0, time.Minute, func(ctx context.Context) error {
			return assert.AnError
		})
		assert.True(t, acquired)
		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("backend error", func(t *testing.T) {
		acquired, err := tracking.WithLock(ctx, &busyLocks{err: assert.AnError}, "scoped", 0, time.Minute,
			func(ctx context.Context) error { return nil })
		assert.False(t, acquired)
		assert.Equal(t, jterrors.CodeLockUnavailable, jterrors.GetCode(err))
	})
}
