package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/modules/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, database.SQLiteConfig{Path: path, BusyTimeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	registry := database.NewSQLiteRegistryStore(db)
	logs := database.NewSQLiteExecutionLogStore(db)
	require.NoError(t, registry.Migrate(ctx))

	now := time.Now()
	entry, err := registry.Save(ctx, core.NewRegistryEntry(core.JobMetadata{
		Name:               "invoice-export",
		ScheduleExpression: "@every 1m0s",
		Kind:               core.JobKindLocal,
	}, now.Add(-60*24*time.Hour)))
	require.NoError(t, err)

	stuck := core.NewExecutionContext(entry, "billing", "host-a", now.Add(-2*time.Hour))
	_, err = logs.CreateFromContext(ctx, stuck)
	require.NoError(t, err)

	oldStart := now.Add(-40 * 24 * time.Hour)
	old := core.NewExecutionLog(core.NewExecutionContext(entry, "billing", "host-a", oldStart), oldStart)
	require.NoError(t, old.Apply(core.Succeeded(oldStart, oldStart.Add(time.Second))))
	_, err = logs.Save(ctx, old)
	require.NoError(t, err)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestMaintenanceCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobtrack.db")
	seedStore(t, path)

	t.Setenv("JOBTRACK_STORAGE_DRIVER", "sqlite")
	t.Setenv("JOBTRACK_LOCK_DRIVER", "local")
	t.Setenv("JOBTRACK_SQLITE_PATH", path)
	t.Setenv("JOBTRACK_SERVER_ENABLED", "false")
	t.Setenv("JOBTRACK_LOGGING_LEVEL", "error")

	assert.Equal(t, "timed out 1 stuck execution(s)\n", execute(t, "sweep"))
	assert.Equal(t, "timed out 0 stuck execution(s)\n", execute(t, "sweep"))
	assert.Equal(t, "deleted 1 execution log(s)\n", execute(t, "prune"))

	t.Setenv("JOBTRACK_TRACKING_RETENTION_DAYS", "0")
	assert.Equal(t, "retention disabled (retention_days=0)\n", execute(t, "prune"))
}
