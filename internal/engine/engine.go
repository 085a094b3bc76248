package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"statusflow/internal/cerr"
	"statusflow/internal/domain"
	"statusflow/internal/engine/auth"
	"statusflow/internal/metrics"
	"statusflow/internal/repo"
)

// TaskState holds each task's status and version.
type TaskState interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status domain.TaskStatus, now string) (domain.Task, error)
}

// Ledger records status change proposals and their resolution.
type Ledger interface {
	CreatePending(ctx context.Context, in repo.NewChangeRequest) (domain.ChangeRequest, error)
	Resolve(ctx context.Context, id string, outcome domain.Outcome, resolverID, reason, now string) (domain.ChangeRequest, error)
	GetChangeRequest(ctx context.Context, id string) (domain.ChangeRequest, error)
	ListPendingForProject(ctx context.Context, projectID string) ([]domain.ChangeRequest, error)
	ListChangeRequestsForTask(ctx context.Context, taskID string) ([]domain.ChangeRequest, error)
}

// Notifier receives workflow notifications. Implementations must not block
// and have no way to fail the operation that produced the notification.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Tasks    TaskState
	Ledger   Ledger
	Roles    auth.Service
	Notifier Notifier
	Metrics  *metrics.Workflow
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(db *sql.DB, n Notifier) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Tasks:    r,
		Ledger:   r,
		Roles:    auth.Service{Members: r},
		Notifier: n,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (e Engine) now() string {
	if e.Now != nil {
		return domain.FormatTime(e.Now())
	}
	return domain.FormatTime(time.Now())
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) notify(ctx context.Context, n domain.Notification) {
	if e.Notifier == nil {
		return
	}
	if n.TS == "" {
		n.TS = e.now()
	}
	e.Notifier.Notify(ctx, n)
}

// observe counts a failed operation by error code.
func (e Engine) observe(op string, err error) {
	if err != nil {
		e.Metrics.Failed(op, cerr.CodeOf(err).String())
	}
}

// RoleFor returns the actor's effective role on the project; "" means the
// actor is not a member.
func (e Engine) RoleFor(ctx context.Context, projectID, actorID string) (domain.Role, error) {
	role, err := e.Roles.EffectiveRole(ctx, projectID, actorID)
	if err != nil {
		return "", cerr.WrapStorageError("resolve role", err)
	}
	return role, nil
}

func forbidden(err error) error {
	return cerr.NewError(cerr.Forbidden, err.Error(), err)
}

func notFound(what, id string, err error) error {
	return cerr.NewErrorWithDetails(cerr.NotFound, what+" not found", err, map[string]any{"id": id})
}

// storeErr maps a repository error to a typed error. Sentinels with a
// domain meaning get their code; anything else is Unavailable.
func storeErr(op, what, id string, err error) error {
	var ce *cerr.Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return notFound(what, id, err)
	default:
		return cerr.WrapStorageError(op, err)
	}
}
