package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Deepreo/jobtrack/config"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobtrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Tracking.Enabled)
	assert.Equal(t, tracking.ModePersisted, cfg.Tracking.Mode)
	assert.Equal(t, tracking.DefaultRetentionDays, cfg.Tracking.RetentionDays)
	assert.Equal(t, tracking.DefaultStuckCheckInterval, cfg.Tracking.StuckCheckInterval)
	assert.Equal(t, []int{100, 250, 500}, cfg.Tracking.Lock.RetryDelaysMs)
	assert.Equal(t, 30*time.Second, cfg.Tracking.Lock.MaxHold)
	assert.Equal(t, config.StorageDriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, config.LockDriverRedis, cfg.Lock.Driver)
	assert.Equal(t, "jobtrack:lock:", cfg.Redis.Prefix)
	assert.Equal(t, "/api/tracking", cfg.Server.Prefix)
	assert.Equal(t, time.Second, cfg.Scheduler.JobLockMinHold)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.JobLockMaxHold)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
tracking:
  mode: persisted
  retention_days: 7
  cleanup_schedule: "30 2 * * *"
  stuck_threshold_minutes: 15
  stuck_check_interval: 1m
  excluded_names: ["job-tracking.", "healthcheck"]
  lock:
    max_hold: 10s
    min_hold: 500ms
    max_retries: 5
    retry_delays_ms: [10, 20]
storage:
  driver: sqlite
lock:
  driver: local
sqlite:
  path: /tmp/jobtrack-test.db
scheduler:
  job_lock_max_hold: 2h
`)
	t.Setenv("JOBTRACK_TRACKING_SERVICE_IDENTITY", "billing")
	t.Setenv("JOBTRACK_SERVER_PORT", "9191")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Tracking.RetentionDays)
	assert.Equal(t, "30 2 * * *", cfg.Tracking.CleanupSchedule)
	assert.Equal(t, 15*time.Minute, cfg.Tracking.StuckThreshold())
	assert.Equal(t, time.Minute, cfg.Tracking.StuckCheckInterval)
	assert.Equal(t, []string{"job-tracking.", "healthcheck"}, cfg.Tracking.ExcludedNames)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.Lock.MinHold)
	assert.Equal(t, 5, cfg.Tracking.Lock.MaxRetries)
	assert.Equal(t, []int{10, 20}, cfg.Tracking.Lock.RetryDelaysMs)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.JobLockMaxHold)
	assert.Equal(t, time.Second, cfg.Scheduler.JobLockMinHold)
	assert.Equal(t, 10*time.Second, cfg.Tracking.Lock.MaxHold, "job locks leave the registry lock alone")
	assert.Equal(t, config.StorageDriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/jobtrack-test.db", cfg.SQLite.Path)
	assert.Equal(t, "billing", cfg.Tracking.ServiceIdentity)
	assert.Equal(t, "9191", cfg.Server.Port)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown mode", body: "tracking:\n  mode: eventual\n"},
		{name: "bad cron", body: "tracking:\n  cleanup_schedule: \"every night\"\n"},
		{name: "min hold above max hold", body: "tracking:\n  lock:\n    max_hold: 1s\n    min_hold: 2s\n"},
		{name: "job lock min hold above max hold", body: "scheduler:\n  job_lock_min_hold: 1h\n  job_lock_max_hold: 10m\n"},
		{name: "unknown storage", body: "storage:\n  driver: mongo\n"},
		{name: "advisory locks without postgres", body: "storage:\n  driver: sqlite\nlock:\n  driver: postgres\n"},
		{name: "local locks with postgres", body: "lock:\n  driver: local\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestValidate_InMemorySkipsBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Tracking.Mode = tracking.ModeInMemory
	cfg.Storage.Driver = ""
	cfg.Lock.Driver = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}
