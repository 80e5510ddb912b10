package core_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	for _, to := range []core.ExecutionStatus{core.StatusSuccess, core.StatusFailed, core.StatusTimeout} {
		assert.True(t, core.CanTransition(core.StatusRunning, to), "RUNNING -> %s", to)
		assert.True(t, to.IsTerminal())
		for _, next := range core.AllStatuses {
			assert.False(t, core.CanTransition(to, next), "%s -> %s must be rejected", to, next)
		}
	}
	assert.False(t, core.CanTransition(core.StatusRunning, core.StatusRunning))
	assert.False(t, core.StatusRunning.IsTerminal())
}

func TestParseExecutionStatus(t *testing.T) {
	s, err := core.ParseExecutionStatus("TIMEOUT")
	require.NoError(t, err)
	assert.Equal(t, core.StatusTimeout, s)

	_, err = core.ParseExecutionStatus("timeout")
	assert.Error(t, err)
}

func TestExecutionContext_TryTerminate(t *testing.T) {
	entry := core.NewRegistryEntry(core.JobMetadata{Name: "daily-cleanup", Kind: core.JobKindLocal}, time.Now())
	execCtx := core.NewExecutionContext(entry, "svc", "host-1", time.Now())

	assert.Equal(t, core.StatusRunning, execCtx.Status())
	assert.Equal(t, entry.ID, execCtx.RegistryID)

	t.Run("First terminal write wins", func(t *testing.T) {
		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, to := range []core.ExecutionStatus{core.StatusSuccess, core.StatusTimeout, core.StatusFailed, core.StatusSuccess} {
			wg.Add(1)
			go func(to core.ExecutionStatus) {
				defer wg.Done()
				if _, ok := execCtx.TryTerminate(to); ok {
					wins.Add(1)
				}
			}(to)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.True(t, execCtx.Status().IsTerminal())
	})

	t.Run("Second write reports current status", func(t *testing.T) {
		current := execCtx.Status()
		got, ok := execCtx.TryTerminate(core.StatusFailed)
		assert.False(t, ok)
		assert.Equal(t, current, got)
	})
}

func TestExecutionResults(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	ok := core.Succeeded(start, end)
	assert.Equal(t, core.StatusSuccess, ok.Status)
	assert.Equal(t, int64(1500), ok.DurationMs)
	assert.Nil(t, ok.ErrorMessage)

	failed := core.Failed(start, end, errors.New("boom"))
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "boom", *failed.ErrorMessage)

	timedOut := core.TimedOut(start, end, "stuck").WithItemsProcessed(7)
	assert.Equal(t, core.StatusTimeout, timedOut.Status)
	require.NotNil(t, timedOut.ItemsProcessed)
	assert.Equal(t, int64(7), *timedOut.ItemsProcessed)

	assert.Equal(t, int64(0), core.Succeeded(end, start).DurationMs, "clock skew must not yield negative durations")
}

func TestExecutionLog_Apply(t *testing.T) {
	entry := core.NewRegistryEntry(core.JobMetadata{Name: "report", Kind: core.JobKindLocal}, time.Now())
	execCtx := core.NewExecutionContext(entry, "svc", "host", time.Now())
	log := core.NewExecutionLog(execCtx, time.Now())

	assert.Equal(t, execCtx.ID, log.ID)
	assert.Equal(t, core.StatusRunning, log.Status)

	require.NoError(t, log.Apply(core.Succeeded(log.StartTime, log.StartTime.Add(time.Second))))
	assert.Equal(t, core.StatusSuccess, log.Status)
	require.NotNil(t, log.DurationMs)
	assert.Equal(t, int64(1000), *log.DurationMs)

	err := log.Apply(core.TimedOut(log.StartTime, time.Now(), "late"))
	assert.Error(t, err)
	assert.Equal(t, core.StatusSuccess, log.Status, "terminal log must not change")
}

func TestRegistryEntry(t *testing.T) {
	now := time.Now()
	entry := core.NewRegistryEntry(core.JobMetadata{Name: "daily-cleanup"}, now)
	assert.Equal(t, core.JobKindLocal, entry.Kind)
	assert.Equal(t, "daily-cleanup", entry.DisplayName)
	assert.True(t, entry.Enabled)

	clone := entry.Clone()
	clone.RecordExecution(now.Add(time.Minute), 42)
	assert.Nil(t, entry.LastExecutionAt, "clone must not share state")
	require.NotNil(t, clone.LastDurationMs)
	assert.Equal(t, int64(42), *clone.LastDurationMs)
}
