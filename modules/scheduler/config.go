package scheduler

import (
	"fmt"
	"time"
)

const (
	DefaultJobLockMinHold = 1 * time.Second
	DefaultJobLockMaxHold = 30 * time.Minute
)

// Config holds the execution lock timings of DISTRIBUTED jobs. They are
// separate from the registry coordination lock, which only covers the
// creation of a registry row, while these cover a whole job run.
type Config struct {
	JobLockMinHold time.Duration `mapstructure:"job_lock_min_hold"`
	JobLockMaxHold time.Duration `mapstructure:"job_lock_max_hold"`
}

func DefaultConfig() Config {
	return Config{
		JobLockMinHold: DefaultJobLockMinHold,
		JobLockMaxHold: DefaultJobLockMaxHold,
	}
}

func (c Config) Validate() error {
	if c.JobLockMaxHold <= 0 {
		return fmt.Errorf("scheduler.job_lock_max_hold must be positive")
	}
	if c.JobLockMinHold < 0 || c.JobLockMinHold > c.JobLockMaxHold {
		return fmt.Errorf("scheduler.job_lock_min_hold must be between 0 and scheduler.job_lock_max_hold")
	}
	return nil
}
