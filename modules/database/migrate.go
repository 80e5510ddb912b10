package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

const migrationsTable = "jobtrack_migrations"

func migrationFiles(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("jobtrack/postgres: create migrations table: %w", err)
	}

	files, err := migrationFiles("postgres")
	if err != nil {
		return fmt.Errorf("jobtrack/postgres: read migrations: %w", err)
	}
	for _, name := range files {
		var applied bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM `+migrationsTable+` WHERE filename = $1)`, name,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("jobtrack/postgres: check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/postgres/"+name)
		if err != nil {
			return fmt.Errorf("jobtrack/postgres: read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("jobtrack/postgres: execute migration %s: %w", name, err)
		}
		// A concurrent instance may have applied it first.
		if _, err := pool.Exec(ctx,
			`INSERT INTO `+migrationsTable+` (filename) VALUES ($1) ON CONFLICT (filename) DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("jobtrack/postgres: record migration %s: %w", name, err)
		}
		logger.Info("applied migration", slog.String("file", name))
	}
	return nil
}

func migrateSQLite(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)`)
	if err != nil {
		return fmt.Errorf("jobtrack/sqlite: create migrations table: %w", err)
	}

	files, err := migrationFiles("sqlite")
	if err != nil {
		return fmt.Errorf("jobtrack/sqlite: read migrations: %w", err)
	}
	for _, name := range files {
		var applied int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM `+migrationsTable+` WHERE filename = ?`, name,
		).Scan(&applied); err != nil {
			return fmt.Errorf("jobtrack/sqlite: check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		data, err := fs.ReadFile(migrationsFS, "migrations/sqlite/"+name)
		if err != nil {
			return fmt.Errorf("jobtrack/sqlite: read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("jobtrack/sqlite: execute migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+migrationsTable+` (filename) VALUES (?)`, name,
		); err != nil {
			return fmt.Errorf("jobtrack/sqlite: record migration %s: %w", name, err)
		}
		logger.Info("applied migration", slog.String("file", name))
	}
	return nil
}
