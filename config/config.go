package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Deepreo/jobtrack/errors"
	"github.com/Deepreo/jobtrack/modules/database"
	"github.com/Deepreo/jobtrack/modules/lock"
	"github.com/Deepreo/jobtrack/modules/scheduler"
	"github.com/Deepreo/jobtrack/modules/servers"
	"github.com/Deepreo/jobtrack/modules/tracking"
	"github.com/spf13/viper"
)

const EnvPrefix = "JOBTRACK"

const (
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"

	LockDriverRedis    = "redis"
	LockDriverPostgres = "postgres"
	LockDriverLocal    = "local"
)

type AppConfig struct {
	Tracking  tracking.Config          `mapstructure:"tracking"`
	Scheduler scheduler.Config         `mapstructure:"scheduler"`
	Storage   StorageConfig            `mapstructure:"storage"`
	Lock      LockBackendConfig        `mapstructure:"lock"`
	Database  database.Config          `mapstructure:"database"`
	SQLite    database.SQLiteConfig    `mapstructure:"sqlite"`
	Redis     lock.RedisConfig         `mapstructure:"redis"`
	Server    servers.HttpServerConfig `mapstructure:"server"`
	Logging   LoggingConfig            `mapstructure:"logging"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// LockBackendConfig picks the provider behind both the registry coordinator
// and distributed job locks. Coordination lock timing lives in tracking.lock,
// job execution lock timing in scheduler.
type LockBackendConfig struct {
	Driver string `mapstructure:"driver"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Default() AppConfig {
	return AppConfig{
		Tracking:  tracking.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Storage:   StorageConfig{Driver: StorageDriverPostgres},
		Lock:      LockBackendConfig{Driver: LockDriverRedis},
		Database:  database.DefaultConfig(),
		SQLite:    database.DefaultSQLiteConfig(),
		Redis:     lock.DefaultRedisConfig(),
		Server:    servers.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("tracking.enabled", d.Tracking.Enabled)
	v.SetDefault("tracking.interceptor_enabled", d.Tracking.InterceptorEnabled)
	v.SetDefault("tracking.mode", string(d.Tracking.Mode))
	v.SetDefault("tracking.retention_days", d.Tracking.RetentionDays)
	v.SetDefault("tracking.cleanup_schedule", d.Tracking.CleanupSchedule)
	v.SetDefault("tracking.stuck_threshold_minutes", d.Tracking.StuckThresholdMinutes)
	v.SetDefault("tracking.stuck_check_interval", d.Tracking.StuckCheckInterval)
	v.SetDefault("tracking.excluded_names", d.Tracking.ExcludedNames)
	v.SetDefault("tracking.service_identity", "")
	v.SetDefault("tracking.lock.max_hold", d.Tracking.Lock.MaxHold)
	v.SetDefault("tracking.lock.min_hold", d.Tracking.Lock.MinHold)
	v.SetDefault("tracking.lock.max_retries", d.Tracking.Lock.MaxRetries)
	v.SetDefault("tracking.lock.retry_delays_ms", d.Tracking.Lock.RetryDelaysMs)

	v.SetDefault("scheduler.job_lock_min_hold", d.Scheduler.JobLockMinHold)
	v.SetDefault("scheduler.job_lock_max_hold", d.Scheduler.JobLockMaxHold)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("lock.driver", d.Lock.Driver)

	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.dbname", d.Database.DBName)
	v.SetDefault("database.sslmode", d.Database.SSLMode)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.dsn", "")

	v.SetDefault("sqlite.path", d.SQLite.Path)
	v.SetDefault("sqlite.busy_timeout", d.SQLite.BusyTimeout)

	v.SetDefault("redis.host", d.Redis.Host)
	v.SetDefault("redis.port", d.Redis.Port)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.prefix", d.Redis.Prefix)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.prefix", d.Server.Prefix)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.server_header", d.Server.ServerHeader)
	v.SetDefault("server.body_limit", d.Server.BodyLimit)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.features.request_id.enabled", d.Server.Features.RequestID.Enabled)
	v.SetDefault("server.features.health_check.enabled", d.Server.Features.HealthCheck.Enabled)
	v.SetDefault("server.features.rate_limit.enabled", false)
	v.SetDefault("server.features.rate_limit.max", 100)
	v.SetDefault("server.features.rate_limit.expiration", "1m")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load reads path when it is not empty and overlays JOBTRACK_ environment
// variables, e.g. JOBTRACK_TRACKING_MODE=in-memory.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.ValidationError(fmt.Errorf("read config %s: %w", path, err)).
				WithCode(errors.CodeInvalidConfig)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ValidationError(fmt.Errorf("decode config: %w", err)).
			WithCode(errors.CodeInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c AppConfig) Validate() error {
	if err := c.Tracking.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return invalid(err)
	}
	if !c.Tracking.Enabled || c.Tracking.Mode == tracking.ModeInMemory {
		return nil
	}
	switch c.Storage.Driver {
	case StorageDriverPostgres, StorageDriverSQLite:
	default:
		return invalid(fmt.Errorf("storage.driver must be %q or %q, got %q", StorageDriverPostgres, StorageDriverSQLite, c.Storage.Driver))
	}
	switch c.Lock.Driver {
	case LockDriverRedis:
	case LockDriverPostgres:
		if c.Storage.Driver != StorageDriverPostgres {
			return invalid(fmt.Errorf("lock.driver %q needs storage.driver %q", LockDriverPostgres, StorageDriverPostgres))
		}
	case LockDriverLocal:
		if c.Storage.Driver != StorageDriverSQLite {
			return invalid(fmt.Errorf("lock.driver %q is only safe with storage.driver %q", LockDriverLocal, StorageDriverSQLite))
		}
	default:
		return invalid(fmt.Errorf("unknown lock.driver %q", c.Lock.Driver))
	}
	return nil
}

// Logger builds the process logger described by the logging section.
func (c LoggingConfig) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func invalid(err error) error {
	return errors.ValidationError(err).WithCode(errors.CodeInvalidConfig)
}
