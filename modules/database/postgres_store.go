package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	_ core.RegistryStore     = (*PostgresRegistryStore)(nil)
	_ core.ExecutionLogStore = (*PostgresExecutionLogStore)(nil)
	_ core.Migrator          = (*PostgresRegistryStore)(nil)
)

const registryColumns = `
	id, name, owner_class, owner_method, schedule_expression, lock_name, kind,
	display_name, enabled, last_execution_at, last_duration_ms, created_at, updated_at`

const logColumns = `
	id, registry_id, name, lock_name, status, start_time, end_time, duration_ms,
	error_message, items_processed, service_identity, host_identity, created_at`

// PostgresRegistryStore keeps registry rows in job_registry. It also owns
// the schema for both tables.
type PostgresRegistryStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresRegistryStore(pool *pgxpool.Pool, opts ...StoreOption) *PostgresRegistryStore {
	o := buildStoreOptions(opts)
	return &PostgresRegistryStore{pool: pool, logger: o.logger, now: o.now}
}

func (s *PostgresRegistryStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool, s.logger)
}

func (s *PostgresRegistryStore) FindByName(ctx context.Context, name string) (*core.RegistryEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+registryColumns+` FROM job_registry WHERE name = $1`, name)
	e, err := scanPostgresEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobtrack/postgres: find registry %s: %w", name, err)
	}
	return e, nil
}

func (s *PostgresRegistryStore) Save(ctx context.Context, entry *core.RegistryEntry) (*core.RegistryEntry, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_registry (`+registryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID.String(), entry.Name, entry.OwnerClass, entry.OwnerMethod, entry.ScheduleExpression,
		nilIfEmpty(entry.LockName), string(entry.Kind), entry.DisplayName, entry.Enabled,
		entry.LastExecutionAt, entry.LastDurationMs, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, errors.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("jobtrack/postgres: save registry %s: %w", entry.Name, err)
	}
	return entry.Clone(), nil
}

func (s *PostgresRegistryStore) UpdateLastExecution(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_registry
		SET last_execution_at = $2, last_duration_ms = $3, updated_at = $4
		WHERE id = $1`,
		id.String(), at, durationMs, s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("jobtrack/postgres: update last execution: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresRegistryStore) List(ctx context.Context) ([]*core.RegistryEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+registryColumns+` FROM job_registry ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/postgres: list registry: %w", err)
	}
	defer rows.Close()

	var entries []*core.RegistryEntry
	for rows.Next() {
		e, err := scanPostgresEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("jobtrack/postgres: scan registry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PostgresExecutionLogStore keeps execution logs in job_execution_log.
type PostgresExecutionLogStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

func NewPostgresExecutionLogStore(pool *pgxpool.Pool, opts ...StoreOption) *PostgresExecutionLogStore {
	o := buildStoreOptions(opts)
	return &PostgresExecutionLogStore{pool: pool, logger: o.logger, now: o.now}
}

func (s *PostgresExecutionLogStore) CreateFromContext(ctx context.Context, execCtx *core.ExecutionContext) (*core.ExecutionLog, error) {
	record := core.NewExecutionLog(execCtx, s.now())
	if err := s.insert(ctx, record, false); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *PostgresExecutionLogStore) ApplyResult(record *core.ExecutionLog, result core.ExecutionResult) error {
	return applyResult(record, result)
}

func (s *PostgresExecutionLogStore) Save(ctx context.Context, record *core.ExecutionLog) (*core.ExecutionLog, error) {
	if !record.Status.IsTerminal() {
		if err := s.insert(ctx, record, true); err != nil {
			return nil, err
		}
		return record, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE job_execution_log
		SET status = $2, end_time = $3, duration_ms = $4, error_message = $5, items_processed = $6
		WHERE id = $1 AND status = 'RUNNING'`,
		record.ID.String(), string(record.Status), record.EndTime, record.DurationMs,
		record.ErrorMessage, record.ItemsProcessed,
	)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/postgres: update execution log %s: %w", record.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return record, nil
	}

	// Either the RUNNING row was never written or someone terminated it first.
	tag, err = s.pool.Exec(ctx, `
		INSERT INTO job_execution_log (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`, logArgs(record)...)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/postgres: insert execution log %s: %w", record.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.ErrAlreadyTerminal
	}
	return record, nil
}

func (s *PostgresExecutionLogStore) insert(ctx context.Context, record *core.ExecutionLog, ignoreConflict bool) error {
	query := `INSERT INTO job_execution_log (` + logColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if ignoreConflict {
		query += ` ON CONFLICT (id) DO NOTHING`
	}
	if _, err := s.pool.Exec(ctx, query, logArgs(record)...); err != nil {
		return fmt.Errorf("jobtrack/postgres: insert execution log %s: %w", record.ID, err)
	}
	return nil
}

func (s *PostgresExecutionLogStore) FindRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*core.ExecutionLog, error) {
	return s.query(ctx, `
		SELECT `+logColumns+` FROM job_execution_log
		WHERE status = 'RUNNING' AND start_time < $1
		ORDER BY start_time ASC`, cutoff)
}

func (s *PostgresExecutionLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_execution_log
		WHERE status <> 'RUNNING' AND start_time < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("jobtrack/postgres: delete execution logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresExecutionLogStore) ListByName(ctx context.Context, name string, limit int) ([]*core.ExecutionLog, error) {
	if name == "" {
		return s.query(ctx, `
			SELECT `+logColumns+` FROM job_execution_log
			ORDER BY start_time DESC LIMIT $1`, clampLimit(limit))
	}
	return s.query(ctx, `
		SELECT `+logColumns+` FROM job_execution_log
		WHERE name = $1
		ORDER BY start_time DESC LIMIT $2`, name, clampLimit(limit))
}

func (s *PostgresExecutionLogStore) query(ctx context.Context, sql string, args ...any) ([]*core.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/postgres: query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*core.ExecutionLog
	for rows.Next() {
		l, err := scanPostgresLog(rows)
		if err != nil {
			return nil, fmt.Errorf("jobtrack/postgres: scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func logArgs(r *core.ExecutionLog) []any {
	return []any{
		r.ID.String(), r.RegistryID.String(), r.Name, nilIfEmpty(r.LockName), string(r.Status),
		r.StartTime, r.EndTime, r.DurationMs, r.ErrorMessage, r.ItemsProcessed,
		r.ServiceIdentity, r.HostIdentity, r.CreatedAt,
	}
}

func scanPostgresEntry(row scanner) (*core.RegistryEntry, error) {
	var (
		e        core.RegistryEntry
		id       string
		lockName *string
		kind     string
	)
	err := row.Scan(
		&id, &e.Name, &e.OwnerClass, &e.OwnerMethod, &e.ScheduleExpression, &lockName, &kind,
		&e.DisplayName, &e.Enabled, &e.LastExecutionAt, &e.LastDurationMs, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	e.LockName = derefString(lockName)
	e.Kind = core.JobKind(kind)
	return &e, nil
}

func scanPostgresLog(row scanner) (*core.ExecutionLog, error) {
	var (
		l         core.ExecutionLog
		id, regID string
		lockName  *string
		status    string
	)
	err := row.Scan(
		&id, &regID, &l.Name, &lockName, &status, &l.StartTime, &l.EndTime, &l.DurationMs,
		&l.ErrorMessage, &l.ItemsProcessed, &l.ServiceIdentity, &l.HostIdentity, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if l.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if l.RegistryID, err = uuid.Parse(regID); err != nil {
		return nil, err
	}
	l.LockName = derefString(lockName)
	l.Status = core.ExecutionStatus(status)
	return &l, nil
}

func applyResult(record *core.ExecutionLog, result core.ExecutionResult) error {
	if err := record.Apply(result); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidStatus, err)
	}
	return nil
}
