package migrate_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/db"
	"statusflow/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	for _, table := range []string{"projects", "project_members", "tasks", "change_requests", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestApplyReportsAndLogsMigrations(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	applied, err := migrate.Apply(context.Background(), conn, logger)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 1, applied[0].Version)
	assert.Equal(t, "0001_init.sql", applied[0].Name)
	assert.Contains(t, buf.String(), "schema migration applied")
	assert.Contains(t, buf.String(), "name=0001_init.sql")

	buf.Reset()
	applied, err = migrate.Apply(context.Background(), conn, logger)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.NotContains(t, buf.String(), "schema migration applied")
}

func TestApplyHonorsCanceledContext(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = migrate.Apply(ctx, conn, nil)
	require.Error(t, err)

	v, err := migrate.Version(conn)
	if err == nil {
		assert.Equal(t, 0, v)
	}
}
