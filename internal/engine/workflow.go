package engine

import (
	"context"
	"errors"
	"fmt"

	"statusflow/internal/cerr"
	"statusflow/internal/domain"
	"statusflow/internal/engine/auth"
	"statusflow/internal/repo"
)

// directWriteAttempts is the initial write plus one retry after a version
// conflict.
const directWriteAttempts = 2

type StatusChangeResult struct {
	Outcome domain.ChangeOutcome  `json:"outcome" enum:"APPLIED,PENDING_APPROVAL"`
	Task    domain.Task           `json:"task"`
	Request *domain.ChangeRequest `json:"request,omitempty"`
}

// RequestStatusChange applies desired directly for roles that may write and
// files a proposal for roles that may only propose.
func (e Engine) RequestStatusChange(ctx context.Context, taskID, requesterID string, role domain.Role, desired domain.TaskStatus) (res StatusChangeResult, err error) {
	defer func() { e.observe("request_status_change", err) }()

	// Roles with no capability are refused before the input or any state is
	// looked at.
	if !auth.CanWriteDirectly(role) && !auth.CanPropose(role) {
		return res, forbidden(auth.ForbiddenError{Role: role, Action: auth.ActionPropose})
	}
	if !desired.Valid() {
		return res, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", desired), nil)
	}

	for attempt := 1; ; attempt++ {
		task, err := e.Tasks.GetTask(ctx, taskID)
		if err != nil {
			return res, storeErr("get task", "task", taskID, err)
		}
		if task.Status == desired {
			return res, cerr.NewErrorWithDetails(cerr.NoOp, fmt.Sprintf("task is already %s", desired), nil,
				map[string]any{"status": task.Status, "version": task.Version})
		}

		if !auth.CanWriteDirectly(role) {
			return e.propose(ctx, task, requesterID, desired)
		}

		updated, err := e.Tasks.CompareAndSetStatus(ctx, taskID, task.Version, desired, e.now())
		if errors.Is(err, repo.ErrVersionConflict) {
			if attempt < directWriteAttempts {
				e.Metrics.Retried()
				e.logger().DebugContext(ctx, "status write lost a version race, retrying", "task_id", taskID, "version", task.Version)
				continue
			}
			return res, cerr.NewErrorWithDetails(cerr.Conflict, "task changed concurrently; reload and retry", err,
				map[string]any{"expected_version": task.Version})
		}
		if err != nil {
			return res, storeErr("set task status", "task", taskID, err)
		}

		e.notify(ctx, domain.Notification{
			Type:      domain.EventTaskStatusChanged,
			ProjectID: updated.ProjectID,
			TaskID:    updated.ID,
			ActorID:   requesterID,
			Payload: map[string]any{
				"from":    task.Status,
				"to":      updated.Status,
				"version": updated.Version,
				"via":     "direct",
			},
		})
		e.Metrics.StatusChanged(string(domain.ChangeApplied))
		e.logger().InfoContext(ctx, "task status changed", "task_id", updated.ID, "status", updated.Status, "version", updated.Version, "actor_id", requesterID)
		return StatusChangeResult{Outcome: domain.ChangeApplied, Task: updated}, nil
	}
}

func (e Engine) propose(ctx context.Context, task domain.Task, requesterID string, desired domain.TaskStatus) (StatusChangeResult, error) {
	cr, err := e.Ledger.CreatePending(ctx, repo.NewChangeRequest{
		ID:              e.newID(),
		TaskID:          task.ID,
		RequesterID:     requesterID,
		CurrentStatus:   task.Status,
		RequestedStatus: desired,
		CreatedAt:       e.now(),
	})
	switch {
	case errors.Is(err, repo.ErrPendingExists):
		return StatusChangeResult{}, cerr.NewErrorWithDetails(cerr.ProposalAlreadyPending,
			"a status change for this task is already awaiting approval", err, map[string]any{"task_id": task.ID})
	case errors.Is(err, repo.ErrInvalidRequest):
		return StatusChangeResult{}, cerr.NewError(cerr.NoOp, fmt.Sprintf("task is already %s", desired), err)
	case err != nil:
		return StatusChangeResult{}, storeErr("create change request", "task", task.ID, err)
	}

	e.notify(ctx, domain.Notification{
		Type:       domain.EventStatusChangePending,
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		RequestID:  cr.ID,
		ActorID:    requesterID,
		TargetRole: domain.RoleAdmin,
		Payload: map[string]any{
			"current_status":   cr.CurrentStatusSnapshot,
			"requested_status": cr.RequestedStatus,
			"requester_id":     requesterID,
		},
	})
	e.Metrics.StatusChanged(string(domain.ChangePendingApproval))
	e.logger().InfoContext(ctx, "status change proposed", "task_id", task.ID, "request_id", cr.ID, "requested_status", desired, "actor_id", requesterID)
	return StatusChangeResult{Outcome: domain.ChangePendingApproval, Task: task, Request: &cr}, nil
}

// ResolveRequest approves or rejects a pending proposal. An approval whose
// status write loses a version race stays approved in the ledger and is
// reported as ApprovedButStatusConflict along with the resolved request.
func (e Engine) ResolveRequest(ctx context.Context, requestID, resolverID string, role domain.Role, outcome domain.Outcome, reason string) (cr domain.ChangeRequest, err error) {
	defer func() { e.observe("resolve_request", err) }()

	if !auth.CanResolve(role) {
		return cr, forbidden(auth.ForbiddenError{Role: role, Action: auth.ActionResolve})
	}
	if outcome != domain.OutcomeApproved && outcome != domain.OutcomeRejected {
		return cr, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown outcome %q", outcome), nil)
	}

	cr, err = e.Ledger.Resolve(ctx, requestID, outcome, resolverID, reason, e.now())
	switch {
	case errors.Is(err, repo.ErrInvalidReason):
		return cr, cerr.NewError(cerr.InvalidReason, "a non-empty reason is required to reject a request", err)
	case errors.Is(err, repo.ErrAlreadyResolved):
		return cr, cerr.NewErrorWithDetails(cerr.AlreadyResolved, "change request was already resolved", err, map[string]any{"id": requestID})
	case err != nil:
		return cr, storeErr("resolve change request", "change request", requestID, err)
	}

	if outcome == domain.OutcomeRejected {
		e.notify(ctx, domain.Notification{
			Type:         domain.EventStatusChangeRejected,
			ProjectID:    cr.ProjectID,
			TaskID:       cr.TaskID,
			RequestID:    cr.ID,
			ActorID:      resolverID,
			TargetUserID: cr.RequesterID,
			Payload: map[string]any{
				"requested_status": cr.RequestedStatus,
				"reason":           deref(cr.RejectionReason),
			},
		})
		e.Metrics.Resolved(string(domain.OutcomeRejected))
		e.logger().InfoContext(ctx, "change request rejected", "request_id", cr.ID, "task_id", cr.TaskID, "actor_id", resolverID)
		return cr, nil
	}

	e.Metrics.Resolved(string(domain.OutcomeApproved))
	task, err := e.Tasks.GetTask(ctx, cr.TaskID)
	if err != nil {
		return cr, storeErr("get task", "task", cr.TaskID, err)
	}
	updated, err := e.Tasks.CompareAndSetStatus(ctx, task.ID, task.Version, cr.RequestedStatus, e.now())
	if errors.Is(err, repo.ErrVersionConflict) {
		e.notifyApproved(ctx, cr, resolverID, false, task.Version)
		e.logger().WarnContext(ctx, "approved change could not be applied", "request_id", cr.ID, "task_id", cr.TaskID, "version", task.Version)
		return cr, cerr.NewErrorWithDetails(cerr.ApprovedButStatusConflict,
			"request approved but the task changed before it could be applied; propose again", err,
			map[string]any{"request_id": cr.ID, "task_id": cr.TaskID, "expected_version": task.Version})
	}
	if err != nil {
		return cr, storeErr("set task status", "task", cr.TaskID, err)
	}

	e.notifyApproved(ctx, cr, resolverID, true, updated.Version)
	e.notify(ctx, domain.Notification{
		Type:      domain.EventTaskStatusChanged,
		ProjectID: updated.ProjectID,
		TaskID:    updated.ID,
		RequestID: cr.ID,
		ActorID:   resolverID,
		Payload: map[string]any{
			"from":    task.Status,
			"to":      updated.Status,
			"version": updated.Version,
			"via":     "approval",
		},
	})
	e.logger().InfoContext(ctx, "change request approved", "request_id", cr.ID, "task_id", cr.TaskID, "version", updated.Version, "actor_id", resolverID)
	return cr, nil
}

func (e Engine) notifyApproved(ctx context.Context, cr domain.ChangeRequest, resolverID string, applied bool, version int64) {
	e.notify(ctx, domain.Notification{
		Type:         domain.EventStatusChangeApproved,
		ProjectID:    cr.ProjectID,
		TaskID:       cr.TaskID,
		RequestID:    cr.ID,
		ActorID:      resolverID,
		TargetUserID: cr.RequesterID,
		Payload: map[string]any{
			"requested_status": cr.RequestedStatus,
			"applied":          applied,
			"version":          version,
		},
	})
}

// ListPendingForProject returns the project's open proposals, oldest first.
func (e Engine) ListPendingForProject(ctx context.Context, projectID string) ([]domain.ChangeRequest, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, storeErr("get project", "project", projectID, err)
	}
	res, err := e.Ledger.ListPendingForProject(ctx, projectID)
	if err != nil {
		return nil, storeErr("list pending change requests", "project", projectID, err)
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
