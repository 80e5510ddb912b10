package tracking_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStrategy_RepeatedRuns(t *testing.T) {
	ctx := context.Background()
	s := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger), tracking.WithHostIdentity("host-1"))
	require.NoError(t, s.Initialize(ctx))

	var durations []int64
	for i := 1; i <= 3; i++ {
		entry, err := s.EnsureRegistryEntry(ctx, localJob("daily-cleanup"))
		require.NoError(t, err)
		execCtx, err := s.CreateExecutionContext(ctx, entry, "svc")
		require.NoError(t, err)
		assert.Equal(t, "host-1", execCtx.HostIdentity)

		result := core.Succeeded(execCtx.StartTime, execCtx.StartTime.Add(time.Duration(i)*time.Second))
		durations = append(durations, result.DurationMs)
		require.NoError(t, s.ApplyResult(ctx, execCtx, result))
	}

	entries, err := s.ListEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].LastDurationMs)
	assert.Equal(t, durations[2], *entries[0].LastDurationMs)
	assert.Equal(t, int64(3000), *entries[0].LastDurationMs)

	logs, err := s.ListLogs(ctx, "daily-cleanup", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)

	limited, err := s.ListLogs(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemoryStrategy_ConcurrentEnsure(t *testing.T) {
	ctx := context.Background()
	s := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger))

	ids := make(chan string, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := s.EnsureRegistryEntry(ctx, localJob("shared"))
			if assert.NoError(t, err) {
				ids <- entry.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
}

func TestMemoryStrategy_ClearCache(t *testing.T) {
	ctx := context.Background()
	s := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger))

	first, err := s.EnsureRegistryEntry(ctx, localJob("volatile"))
	require.NoError(t, err)
	_, err = s.CreateExecutionContext(ctx, first, "svc")
	require.NoError(t, err)

	s.ClearCache()

	entries, err := s.ListEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
	logs, err := s.ListLogs(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	second, err := s.EnsureRegistryEntry(ctx, localJob("volatile"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMemoryStrategy_UnknownEntry(t *testing.T) {
	s := tracking.NewMemoryStrategy(tracking.WithLogger(quietLogger))
	entry := core.NewRegistryEntry(localJob("never-registered"), time.Now())
	_, err := s.CreateExecutionContext(context.Background(), entry, "svc")
	assert.Error(t, err)
}

func TestNewStrategy(t *testing.T) {
	cfg := tracking.DefaultConfig()

	cfg.Mode = tracking.ModeInMemory
	s, err := tracking.NewStrategy(cfg, tracking.Backends{})
	require.NoError(t, err)
	assert.IsType(t, &tracking.MemoryStrategy{}, s)

	cfg.Mode = tracking.ModePersisted
	_, err = tracking.NewStrategy(cfg, tracking.Backends{})
	assert.Error(t, err, "persisted mode without backends")

	s, err = tracking.NewStrategy(cfg, tracking.Backends{Registry: newFakeRegistry(), Logs: nil, Locks: &busyLocks{}})
	assert.Error(t, err)
	assert.Nil(t, s)

	cfg.Mode = "sharded"
	_, err = tracking.NewStrategy(cfg, tracking.Backends{})
	assert.Error(t, err)
}
