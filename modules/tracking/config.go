package tracking

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Deepreo/jobtrack/errors"
	"github.com/robfig/cron/v3"
)

type Mode string

const (
	ModePersisted Mode = "persisted"
	ModeInMemory  Mode = "in-memory"
)

const (
	DefaultRetentionDays         = 30
	DefaultCleanupSchedule       = "0 3 * * *"
	DefaultStuckThresholdMinutes = 60
	DefaultStuckCheckInterval    = 5 * time.Minute
	DefaultLockMaxHold           = 30 * time.Second
	DefaultLockMinHold           = 1 * time.Second
	DefaultLockMaxRetries        = 3

	// InternalJobPrefix names the sweeps this module schedules for itself.
	InternalJobPrefix = "job-tracking."
)

var DefaultLockRetryDelaysMs = []int{100, 250, 500}

// Config is the tracking section of the application config.
type Config struct {
	Enabled               bool          `mapstructure:"enabled"`
	InterceptorEnabled    bool          `mapstructure:"interceptor_enabled"`
	Mode                  Mode          `mapstructure:"mode"`
	RetentionDays         int           `mapstructure:"retention_days"`
	CleanupSchedule       string        `mapstructure:"cleanup_schedule"`
	StuckThresholdMinutes int           `mapstructure:"stuck_threshold_minutes"`
	StuckCheckInterval    time.Duration `mapstructure:"stuck_check_interval"`
	ExcludedNames         []string      `mapstructure:"excluded_names"`
	ServiceIdentity       string        `mapstructure:"service_identity"`
	Lock                  LockConfig    `mapstructure:"lock"`
}

type LockConfig struct {
	MaxHold       time.Duration `mapstructure:"max_hold"`
	MinHold       time.Duration `mapstructure:"min_hold"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelaysMs []int         `mapstructure:"retry_delays_ms"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		InterceptorEnabled:    true,
		Mode:                  ModePersisted,
		RetentionDays:         DefaultRetentionDays,
		CleanupSchedule:       DefaultCleanupSchedule,
		StuckThresholdMinutes: DefaultStuckThresholdMinutes,
		StuckCheckInterval:    DefaultStuckCheckInterval,
		ExcludedNames:         []string{InternalJobPrefix},
		Lock:                  DefaultLockConfig(),
	}
}

func DefaultLockConfig() LockConfig {
	delays := make([]int, len(DefaultLockRetryDelaysMs))
	copy(delays, DefaultLockRetryDelaysMs)
	return LockConfig{
		MaxHold:       DefaultLockMaxHold,
		MinHold:       DefaultLockMinHold,
		MaxRetries:    DefaultLockMaxRetries,
		RetryDelaysMs: delays,
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Mode {
	case ModePersisted, ModeInMemory:
	default:
		return invalidConfig(fmt.Errorf("%w: %q", errors.ErrUnknownMode, c.Mode))
	}
	if c.StuckThresholdMinutes <= 0 {
		return invalidConfig(fmt.Errorf("stuck_threshold_minutes must be positive"))
	}
	if c.StuckCheckInterval <= 0 {
		return invalidConfig(fmt.Errorf("stuck_check_interval must be positive"))
	}
	if c.RetentionDays > 0 {
		if _, err := cronParser.Parse(c.CleanupSchedule); err != nil {
			return invalidConfig(fmt.Errorf("cleanup_schedule %q: %w", c.CleanupSchedule, err))
		}
	}
	return c.Lock.Validate()
}

func (c LockConfig) Validate() error {
	if c.MaxHold <= 0 {
		return invalidConfig(fmt.Errorf("lock.max_hold must be positive"))
	}
	if c.MinHold < 0 || c.MinHold > c.MaxHold {
		return invalidConfig(fmt.Errorf("lock.min_hold must be between 0 and lock.max_hold"))
	}
	if c.MaxRetries < 0 {
		return invalidConfig(fmt.Errorf("lock.max_retries must not be negative"))
	}
	for _, d := range c.RetryDelaysMs {
		if d < 0 {
			return invalidConfig(fmt.Errorf("lock.retry_delays_ms must not contain negative delays"))
		}
	}
	return nil
}

// RetryDelay returns the wait before retry attempt n (1-indexed). The last
// configured delay repeats once the sequence is exhausted.
func (c LockConfig) RetryDelay(attempt int) time.Duration {
	if len(c.RetryDelaysMs) == 0 || attempt < 1 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(c.RetryDelaysMs) {
		idx = len(c.RetryDelaysMs) - 1
	}
	return time.Duration(c.RetryDelaysMs[idx]) * time.Millisecond
}

func (c Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdMinutes) * time.Minute
}

func (c Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ResolveServiceIdentity falls back to the executable name.
func (c Config) ResolveServiceIdentity() string {
	if c.ServiceIdentity != "" {
		return c.ServiceIdentity
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Base(exe)
	}
	return "unknown-service"
}

func HostIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown-host"
	}
	return host
}

func invalidConfig(err error) error {
	return errors.ValidationError(err).WithCode(errors.CodeInvalidConfig)
}
