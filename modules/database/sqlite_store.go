package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/google/uuid"
)

var (
	_ core.RegistryStore     = (*SQLiteRegistryStore)(nil)
	_ core.ExecutionLogStore = (*SQLiteExecutionLogStore)(nil)
	_ core.Migrator          = (*SQLiteRegistryStore)(nil)
)

// SQLiteRegistryStore keeps registry rows in a local SQLite file. Times
// are stored as unix nanoseconds.
type SQLiteRegistryStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteRegistryStore(db *sql.DB, opts ...StoreOption) *SQLiteRegistryStore {
	o := buildStoreOptions(opts)
	return &SQLiteRegistryStore{db: db, logger: o.logger, now: o.now}
}

func (s *SQLiteRegistryStore) Migrate(ctx context.Context) error {
	return migrateSQLite(ctx, s.db, s.logger)
}

func (s *SQLiteRegistryStore) FindByName(ctx context.Context, name string) (*core.RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registryColumns+` FROM job_registry WHERE name = ?`, name)
	e, err := scanSQLiteEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobtrack/sqlite: find registry %s: %w", name, err)
	}
	return e, nil
}

func (s *SQLiteRegistryStore) Save(ctx context.Context, entry *core.RegistryEntry) (*core.RegistryEntry, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_registry (`+registryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Name, entry.OwnerClass, entry.OwnerMethod, entry.ScheduleExpression,
		nilIfEmpty(entry.LockName), string(entry.Kind), entry.DisplayName, entry.Enabled,
		nanosPtr(entry.LastExecutionAt), entry.LastDurationMs, entry.CreatedAt.UnixNano(), entry.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, errors.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("jobtrack/sqlite: save registry %s: %w", entry.Name, err)
	}
	return entry.Clone(), nil
}

func (s *SQLiteRegistryStore) UpdateLastExecution(ctx context.Context, id uuid.UUID, at time.Time, durationMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_registry
		SET last_execution_at = ?, last_duration_ms = ?, updated_at = ?
		WHERE id = ?`,
		at.UnixNano(), durationMs, s.now().UnixNano(), id.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("jobtrack/sqlite: update last execution: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteRegistryStore) List(ctx context.Context) ([]*core.RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+registryColumns+` FROM job_registry ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/sqlite: list registry: %w", err)
	}
	defer rows.Close()

	var entries []*core.RegistryEntry
	for rows.Next() {
		e, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("jobtrack/sqlite: scan registry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type SQLiteExecutionLogStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteExecutionLogStore(db *sql.DB, opts ...StoreOption) *SQLiteExecutionLogStore {
	o := buildStoreOptions(opts)
	return &SQLiteExecutionLogStore{db: db, logger: o.logger, now: o.now}
}

func (s *SQLiteExecutionLogStore) CreateFromContext(ctx context.Context, execCtx *core.ExecutionContext) (*core.ExecutionLog, error) {
	record := core.NewExecutionLog(execCtx, s.now())
	if _, err := s.insert(ctx, record, false); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SQLiteExecutionLogStore) ApplyResult(record *core.ExecutionLog, result core.ExecutionResult) error {
	return applyResult(record, result)
}

func (s *SQLiteExecutionLogStore) Save(ctx context.Context, record *core.ExecutionLog) (*core.ExecutionLog, error) {
	if !record.Status.IsTerminal() {
		if _, err := s.insert(ctx, record, true); err != nil {
			return nil, err
		}
		return record, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE job_execution_log
		SET status = ?, end_time = ?, duration_ms = ?, error_message = ?, items_processed = ?
		WHERE id = ? AND status = 'RUNNING'`,
		string(record.Status), nanosPtr(record.EndTime), record.DurationMs,
		record.ErrorMessage, record.ItemsProcessed, record.ID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/sqlite: update execution log %s: %w", record.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return record, nil
	}

	inserted, err := s.insert(ctx, record, true)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, errors.ErrAlreadyTerminal
	}
	return record, nil
}

func (s *SQLiteExecutionLogStore) insert(ctx context.Context, r *core.ExecutionLog, ignoreConflict bool) (bool, error) {
	query := `INSERT INTO job_execution_log (` + logColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if ignoreConflict {
		query += ` ON CONFLICT (id) DO NOTHING`
	}
	res, err := s.db.ExecContext(ctx, query,
		r.ID.String(), r.RegistryID.String(), r.Name, nilIfEmpty(r.LockName), string(r.Status),
		r.StartTime.UnixNano(), nanosPtr(r.EndTime), r.DurationMs, r.ErrorMessage, r.ItemsProcessed,
		r.ServiceIdentity, r.HostIdentity, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("jobtrack/sqlite: insert execution log %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteExecutionLogStore) FindRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*core.ExecutionLog, error) {
	return s.query(ctx, `
		SELECT `+logColumns+` FROM job_execution_log
		WHERE status = 'RUNNING' AND start_time < ?
		ORDER BY start_time ASC`, cutoff.UnixNano())
}

func (s *SQLiteExecutionLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_execution_log
		WHERE status <> 'RUNNING' AND start_time < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("jobtrack/sqlite: delete execution logs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteExecutionLogStore) ListByName(ctx context.Context, name string, limit int) ([]*core.ExecutionLog, error) {
	if name == "" {
		return s.query(ctx, `
			SELECT `+logColumns+` FROM job_execution_log
			ORDER BY start_time DESC LIMIT ?`, clampLimit(limit))
	}
	return s.query(ctx, `
		SELECT `+logColumns+` FROM job_execution_log
		WHERE name = ?
		ORDER BY start_time DESC LIMIT ?`, name, clampLimit(limit))
}

func (s *SQLiteExecutionLogStore) query(ctx context.Context, query string, args ...any) ([]*core.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobtrack/sqlite: query execution logs: %w", err)
	}
	defer rows.Close()

	var logs []*core.ExecutionLog
	for rows.Next() {
		l, err := scanSQLiteLog(rows)
		if err != nil {
			return nil, fmt.Errorf("jobtrack/sqlite: scan execution log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func scanSQLiteEntry(row scanner) (*core.RegistryEntry, error) {
	var (
		e                  core.RegistryEntry
		id, kind           string
		lockName           sql.NullString
		lastAt, lastDur    sql.NullInt64
		createdAt, updated int64
	)
	err := row.Scan(
		&id, &e.Name, &e.OwnerClass, &e.OwnerMethod, &e.ScheduleExpression, &lockName, &kind,
		&e.DisplayName, &e.Enabled, &lastAt, &lastDur, &createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	e.LockName = lockName.String
	e.Kind = core.JobKind(kind)
	e.LastExecutionAt = fromNanos(lastAt)
	e.LastDurationMs = int64Ptr(lastDur)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return &e, nil
}

func scanSQLiteLog(row scanner) (*core.ExecutionLog, error) {
	var (
		l                    core.ExecutionLog
		id, regID, status    string
		lockName, errMsg     sql.NullString
		start, created       int64
		end, duration, items sql.NullInt64
	)
	err := row.Scan(
		&id, &regID, &l.Name, &lockName, &status, &start, &end, &duration,
		&errMsg, &items, &l.ServiceIdentity, &l.HostIdentity, &created,
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
	l.LockName = lockName.String
	l.Status = core.ExecutionStatus(status)
	l.StartTime = time.Unix(0, start).UTC()
	l.EndTime = fromNanos(end)
	l.DurationMs = int64Ptr(duration)
	l.ItemsProcessed = int64Ptr(items)
	if errMsg.Valid {
		msg := errMsg.String
		l.ErrorMessage = &msg
	}
	l.CreatedAt = time.Unix(0, created).UTC()
	return &l, nil
}
