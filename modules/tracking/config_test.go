package tracking_test

import (
	"testing"
	"time"

	jterrors "github.com/Deepreo/jobtrack/errors"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, tracking.DefaultConfig().Validate())

	cases := map[string]func(*tracking.Config){
		"unknown mode":     func(c *tracking.Config) { c.Mode = "cluster" },
		"bad cron":         func(c *tracking.Config) { c.CleanupSchedule = "every night" },
		"zero threshold":   func(c *tracking.Config) { c.StuckThresholdMinutes = 0 },
		"zero check":       func(c *tracking.Config) { c.StuckCheckInterval = 0 },
		"zero max hold":    func(c *tracking.Config) { c.Lock.MaxHold = 0 },
		"min above max":    func(c *tracking.Config) { c.Lock.MinHold = time.Hour },
		"negative retries": func(c *tracking.Config) { c.Lock.MaxRetries = -1 },
		"negative delay":   func(c *tracking.Config) { c.Lock.RetryDelaysMs = []int{100, -1} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := tracking.DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			assert.Error(t, err)
			assert.True(t, jterrors.IsValidationError(err))
			assert.Equal(t, jterrors.CodeInvalidConfig, jterrors.GetCode(err))
		})
	}

	t.Run("unknown mode sentinel", func(t *testing.T) {
		cfg := tracking.DefaultConfig()
		cfg.Mode = "cluster"
		assert.ErrorIs(t, cfg.Validate(), jterrors.ErrUnknownMode)
	})

	t.Run("bad cron ignored when retention disabled", func(t *testing.T) {
		cfg := tracking.DefaultConfig()
		cfg.RetentionDays = 0
		cfg.CleanupSchedule = "nonsense"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled config is not checked", func(t *testing.T) {
		cfg := tracking.Config{Enabled: false, Mode: "whatever"}
		assert.NoError(t, cfg.Validate())
	})
}

func TestLockConfig_RetryDelay(t *testing.T) {
	cfg := tracking.DefaultLockConfig()
	assert.Equal(t, time.Duration(0), cfg.RetryDelay(0))
	assert.Equal(t, 100*time.Millisecond, cfg.RetryDelay(1))
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay(2))
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay(3))
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay(7), "last delay repeats")

	assert.Zero(t, tracking.LockConfig{}.RetryDelay(1))
}

func TestConfig_Derived(t *testing.T) {
	cfg := tracking.DefaultConfig()
	assert.Equal(t, time.Hour, cfg.StuckThreshold())
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())

	cfg.ServiceIdentity = "billing-worker"
	assert.Equal(t, "billing-worker", cfg.ResolveServiceIdentity())
	cfg.ServiceIdentity = ""
	assert.NotEmpty(t, cfg.ResolveServiceIdentity())
	assert.NotEmpty(t, tracking.HostIdentity())
}
