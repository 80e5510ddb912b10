package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	// DSN overrides the discrete fields when set.
	DSN string `mapstructure:"dsn"`
}

func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     "5432",
		User:     "postgres",
		DBName:   "jobtrack",
		SSLMode:  "disable",
		MaxConns: 10,
	}
}

func (c Config) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type Database struct {
	Pool *pgxpool.Pool
}

// Connect builds the pool without touching the server. pgxpool dials on
// first use, so a database that is down at startup is not an error here.
func Connect(ctx context.Context, cfg *Config) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	return &Database{Pool: pool}, nil
}

// New connects and pings the database.
func New(ctx context.Context, cfg *Config) (*Database, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Pool.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func (db *Database) Close() {
	db.Pool.Close()
}

// HealthCheck returns nil if the database is reachable
func (db *Database) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Stores returns the registry and execution log stores backed by this pool.
func (db *Database) Stores(opts ...StoreOption) (*PostgresRegistryStore, *PostgresExecutionLogStore) {
	return NewPostgresRegistryStore(db.Pool, opts...), NewPostgresExecutionLogStore(db.Pool, opts...)
}
