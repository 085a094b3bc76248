package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"statusflow/internal/cerr"
	"statusflow/internal/config"
	"statusflow/internal/db"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/events"
	"statusflow/internal/migrate"
	"statusflow/internal/notify"
	"statusflow/internal/repo"
)

// Workspace is an opened and migrated workspace together with its config and
// an engine that records notifications straight into the event log.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace directory, migrates the database and loads
// statusflow.yml if present.
func Open(dir string, logger *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(dir), err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Apply(context.Background(), conn, logger); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, notify.Recorder{Writer: events.Writer{DB: conn}, Logger: logger})
	e.Logger = logger
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// ResolveProject picks the active project. An explicit override wins;
// otherwise the workspace must hold exactly one project.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		if _, err := r.GetProject(ctx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", cerr.NewError(cerr.NotFound, fmt.Sprintf("project %s not found", id), err)
			}
			return "", cerr.WrapStorageError("get project", err)
		}
		return id, nil
	}
	p, err := r.SingleProject(ctx)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return "", cerr.NewError(cerr.NotFound, "no project yet; run 'sf project create'", err)
	case err != nil:
		return "", cerr.NewError(cerr.InvalidArgument, err.Error(), err)
	}
	return p.ID, nil
}

// Session is the actor a CLI command runs as, resolved against a project.
type Session struct {
	ProjectID string
	ActorID   string
	Role      domain.Role
}

// NewSession resolves the project and the actor's effective role on it.
// Non-members get an empty role, which every policy check refuses.
func (w *Workspace) NewSession(ctx context.Context, projectOverride, actorID string) (Session, error) {
	if strings.TrimSpace(actorID) == "" {
		return Session{}, cerr.NewError(cerr.Unauthenticated, "actor id is required; use --actor-id", nil)
	}
	projectID, err := ResolveProject(ctx, w.Engine.Repo, projectOverride)
	if err != nil {
		return Session{}, err
	}
	role, err := w.Engine.RoleFor(ctx, projectID, actorID)
	if err != nil {
		return Session{}, err
	}
	return Session{ProjectID: projectID, ActorID: actorID, Role: role}, nil
}
