package engine

import (
	"context"
	"errors"
	"strings"

	"statusflow/internal/cerr"
	"statusflow/internal/domain"
	"statusflow/internal/engine/auth"
	"statusflow/internal/repo"
)

type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	// ActorID becomes the project's first ADMIN.
	ActorID string
}

// CreateProject inserts the project and its first admin in one transaction.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return domain.Project{}, cerr.NewError(cerr.InvalidArgument, "project id is required", nil)
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Project{}, cerr.NewError(cerr.InvalidArgument, "actor id is required", nil)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	now := e.now()
	p := domain.Project{ID: opts.ID, Name: opts.Name, Description: opts.Description, CreatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, cerr.WrapStorageError("begin", err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return domain.Project{}, cerr.NewError(cerr.Conflict, "project already exists", err)
		}
		return domain.Project{}, cerr.WrapStorageError("insert project", err)
	}
	if err := e.Repo.SetMemberTx(ctx, tx, domain.Member{ProjectID: p.ID, ActorID: opts.ActorID, Role: domain.RoleAdmin, CreatedAt: now}); err != nil {
		return domain.Project{}, cerr.WrapStorageError("insert member", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, cerr.WrapStorageError("commit", err)
	}
	e.logger().InfoContext(ctx, "project created", "project_id", p.ID, "actor_id", opts.ActorID)
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, storeErr("get project", "project", id, err)
	}
	return p, nil
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.Project, error) {
	res, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return nil, cerr.WrapStorageError("list projects", err)
	}
	return res, nil
}

// SetMember grants a role. Only callers allowed to manage members may do so.
func (e Engine) SetMember(ctx context.Context, projectID, actorID string, role domain.Role, callerRole domain.Role) (domain.Member, error) {
	if err := auth.Require(callerRole, auth.ActionManageMembers); err != nil {
		return domain.Member{}, forbidden(err)
	}
	if !auth.CanRead(role) {
		return domain.Member{}, cerr.NewError(cerr.InvalidArgument, "role must be ADMIN, MEMBER or VIEWER", nil)
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.Member{}, cerr.NewError(cerr.InvalidArgument, "actor id is required", nil)
	}
	m := domain.Member{ProjectID: projectID, ActorID: actorID, Role: role, CreatedAt: e.now()}
	if err := e.Repo.SetMember(ctx, m); err != nil {
		return domain.Member{}, storeErr("set member", "project", projectID, err)
	}
	e.logger().InfoContext(ctx, "member role set", "project_id", projectID, "actor_id", actorID, "role", role)
	return m, nil
}

func (e Engine) ListMembers(ctx context.Context, projectID string, role domain.Role) ([]domain.Member, error) {
	if err := auth.Require(role, auth.ActionRead); err != nil {
		return nil, forbidden(err)
	}
	res, err := e.Repo.ListMembers(ctx, projectID)
	if err != nil {
		return nil, cerr.WrapStorageError("list members", err)
	}
	return res, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	ActorID     string
}

// CreateTask adds a task in status NEW at version 1.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions, role domain.Role) (domain.Task, error) {
	if err := auth.Require(role, auth.ActionCreateTask); err != nil {
		return domain.Task{}, forbidden(err)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, cerr.NewError(cerr.InvalidArgument, "title is required", nil)
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = e.newID()
	}
	now := e.now()
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Status:      domain.StatusNew,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, t); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			return domain.Task{}, cerr.NewError(cerr.Conflict, "task already exists", err)
		}
		return domain.Task{}, storeErr("insert task", "project", opts.ProjectID, err)
	}
	e.notify(ctx, domain.Notification{
		Type:      domain.EventTaskCreated,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		ActorID:   opts.ActorID,
		Payload:   map[string]any{"title": t.Title, "status": t.Status},
	})
	e.logger().InfoContext(ctx, "task created", "task_id", t.ID, "project_id", t.ProjectID, "actor_id", opts.ActorID)
	return t, nil
}

// GetTask returns the task if it belongs to projectID and role may read it.
func (e Engine) GetTask(ctx context.Context, projectID, id string, role domain.Role) (domain.Task, error) {
	if err := auth.Require(role, auth.ActionRead); err != nil {
		return domain.Task{}, forbidden(err)
	}
	t, err := e.Tasks.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, storeErr("get task", "task", id, err)
	}
	if t.ProjectID != projectID {
		return domain.Task{}, notFound("task", id, nil)
	}
	return t, nil
}

type TaskListOptions struct {
	Status          domain.TaskStatus
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (e Engine) ListTasks(ctx context.Context, projectID string, role domain.Role, opts TaskListOptions) ([]domain.Task, error) {
	if err := auth.Require(role, auth.ActionRead); err != nil {
		return nil, forbidden(err)
	}
	res, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
		ProjectID:       projectID,
		Status:          opts.Status,
		Limit:           opts.Limit,
		CursorCreatedAt: opts.CursorCreatedAt,
		CursorID:        opts.CursorID,
	})
	if err != nil {
		return nil, cerr.WrapStorageError("list tasks", err)
	}
	return res, nil
}

// GetChangeRequest returns the request if it belongs to projectID.
func (e Engine) GetChangeRequest(ctx context.Context, projectID, id string, role domain.Role) (domain.ChangeRequest, error) {
	if err := auth.Require(role, auth.ActionRead); err != nil {
		return domain.ChangeRequest{}, forbidden(err)
	}
	cr, err := e.Ledger.GetChangeRequest(ctx, id)
	if err != nil {
		return cr, storeErr("get change request", "change request", id, err)
	}
	if cr.ProjectID != projectID {
		return domain.ChangeRequest{}, notFound("change request", id, nil)
	}
	return cr, nil
}

// TaskHistory lists every proposal made for the task, oldest first.
func (e Engine) TaskHistory(ctx context.Context, projectID, taskID string, role domain.Role) ([]domain.ChangeRequest, error) {
	if _, err := e.GetTask(ctx, projectID, taskID, role); err != nil {
		return nil, err
	}
	res, err := e.Ledger.ListChangeRequestsForTask(ctx, taskID)
	if err != nil {
		return nil, cerr.WrapStorageError("list change requests", err)
	}
	return res, nil
}

type EventListOptions struct {
	Limit  int
	Cursor int64
	Type   string
	TaskID string
}

// Events returns the project's event log, newest first.
func (e Engine) Events(ctx context.Context, projectID string, role domain.Role, opts EventListOptions) ([]domain.Event, error) {
	if err := auth.Require(role, auth.ActionRead); err != nil {
		return nil, forbidden(err)
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	f := repo.EventFilters{ProjectID: projectID, Type: opts.Type, TaskID: opts.TaskID}
	res, err := e.Repo.LatestEventsFrom(ctx, opts.Limit, opts.Cursor, f)
	if err != nil {
		return nil, cerr.WrapStorageError("list events", err)
	}
	return res, nil
}
