package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/cerr"
	"statusflow/internal/config"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
)

func openWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestOpenLoadsConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("log:\n  level: debug\n"), 0o644))
	w, err := Open(dir, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, "debug", w.Config.Log.Level)
	assert.Equal(t, "/v0", w.Config.Server.BasePath)

	require.NoError(t, os.WriteFile(config.Path(dir), []byte("log:\n  format: xml\n"), 0o644))
	_, err = Open(dir, nil)
	require.Error(t, err)
}

func TestResolveProject(t *testing.T) {
	w := openWorkspace(t)
	ctx := context.Background()

	_, err := ResolveProject(ctx, w.Engine.Repo, "")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))

	_, err = w.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "alpha", ActorID: "alice"})
	require.NoError(t, err)
	id, err := ResolveProject(ctx, w.Engine.Repo, "")
	require.NoError(t, err)
	assert.Equal(t, "alpha", id)

	_, err = w.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "beta", ActorID: "alice"})
	require.NoError(t, err)
	_, err = ResolveProject(ctx, w.Engine.Repo, "")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	id, err = ResolveProject(ctx, w.Engine.Repo, " beta ")
	require.NoError(t, err)
	assert.Equal(t, "beta", id)

	_, err = ResolveProject(ctx, w.Engine.Repo, "gamma")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestNewSession(t *testing.T) {
	w := openWorkspace(t)
	ctx := context.Background()
	_, err := w.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "alpha", ActorID: "alice"})
	require.NoError(t, err)

	s, err := w.NewSession(ctx, "", "alice")
	require.NoError(t, err)
	assert.Equal(t, Session{ProjectID: "alpha", ActorID: "alice", Role: domain.RoleAdmin}, s)

	s, err = w.NewSession(ctx, "alpha", "nobody")
	require.NoError(t, err)
	assert.Empty(t, s.Role)

	_, err = w.NewSession(ctx, "alpha", "")
	assert.True(t, cerr.IsCode(err, cerr.Unauthenticated))
}

func TestWorkspaceEngineRecordsEvents(t *testing.T) {
	w := openWorkspace(t)
	ctx := context.Background()
	_, err := w.Engine.CreateProject(ctx, engine.ProjectCreateOptions{ID: "alpha", ActorID: "alice"})
	require.NoError(t, err)
	_, err = w.Engine.CreateTask(ctx, engine.TaskCreateOptions{ProjectID: "alpha", Title: "x", ActorID: "alice"}, domain.RoleAdmin)
	require.NoError(t, err)

	evts, err := w.Engine.Events(ctx, "alpha", domain.RoleViewer, engine.EventListOptions{})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, domain.EventTaskCreated, evts[0].Type)
}
