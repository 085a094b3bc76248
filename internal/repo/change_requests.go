package repo

import (
	"context"
	"database/sql"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"

	"statusflow/internal/domain"
)

const changeRequestColumns = `cr.id,cr.task_id,t.project_id,cr.requester_id,cr.current_status_snapshot,cr.requested_status,cr.state,cr.rejection_reason,cr.created_at,cr.resolved_at,cr.resolved_by`

const changeRequestFrom = ` FROM change_requests cr JOIN tasks t ON t.id=cr.task_id`

func scanChangeRequest(row rowScanner) (domain.ChangeRequest, error) {
	var cr domain.ChangeRequest
	var reason, resolvedAt, resolvedBy sql.NullString
	err := row.Scan(&cr.ID, &cr.TaskID, &cr.ProjectID, &cr.RequesterID, &cr.CurrentStatusSnapshot, &cr.RequestedStatus,
		&cr.State, &reason, &cr.CreatedAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return cr, ErrNotFound
	}
	if err != nil {
		return cr, err
	}
	cr.RejectionReason = stringPtr(reason)
	cr.ResolvedAt = stringPtr(resolvedAt)
	cr.ResolvedBy = stringPtr(resolvedBy)
	return cr, nil
}

type NewChangeRequest struct {
	ID              string
	TaskID          string
	RequesterID     string
	CurrentStatus   domain.TaskStatus
	RequestedStatus domain.TaskStatus
	CreatedAt       string
}

// CreatePending records a PENDING proposal. A second PENDING proposal for the
// same task is refused by the partial unique index and reported as
// ErrPendingExists.
func (r Repo) CreatePending(ctx context.Context, in NewChangeRequest) (domain.ChangeRequest, error) {
	if in.CurrentStatus == in.RequestedStatus {
		return domain.ChangeRequest{}, ErrInvalidRequest
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO change_requests(id,task_id,requester_id,current_status_snapshot,requested_status,state,created_at) VALUES (?,?,?,?,?,?,?)`,
		in.ID, in.TaskID, in.RequesterID, in.CurrentStatus, in.RequestedStatus, domain.StatePending, in.CreatedAt)
	switch {
	case err == nil:
	case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE):
		return domain.ChangeRequest{}, ErrPendingExists
	case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY):
		return domain.ChangeRequest{}, ErrNotFound
	default:
		return domain.ChangeRequest{}, err
	}
	return r.GetChangeRequest(ctx, in.ID)
}

func (r Repo) GetChangeRequest(ctx context.Context, id string) (domain.ChangeRequest, error) {
	return scanChangeRequest(r.DB.QueryRowContext(ctx, `SELECT `+changeRequestColumns+changeRequestFrom+` WHERE cr.id=?`, id))
}

// Resolve moves a PENDING request to the state implied by outcome. Only one
// caller can win the conditional update; everyone else sees
// ErrAlreadyResolved. A blank rejection reason is reported only for requests
// that are still pending.
func (r Repo) Resolve(ctx context.Context, id string, outcome domain.Outcome, resolverID, reason, now string) (domain.ChangeRequest, error) {
	var rejection any
	if outcome == domain.OutcomeRejected {
		if strings.TrimSpace(reason) == "" {
			cr, err := r.GetChangeRequest(ctx, id)
			if err != nil {
				return domain.ChangeRequest{}, err
			}
			if cr.State != domain.StatePending {
				return domain.ChangeRequest{}, ErrAlreadyResolved
			}
			return domain.ChangeRequest{}, ErrInvalidReason
		}
		rejection = reason
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE change_requests SET state=?, rejection_reason=?, resolved_at=?, resolved_by=? WHERE id=? AND state=?`,
		outcome.State(), rejection, now, resolverID, id, domain.StatePending)
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	if n == 0 {
		if _, err := r.GetChangeRequest(ctx, id); err != nil {
			return domain.ChangeRequest{}, err
		}
		return domain.ChangeRequest{}, ErrAlreadyResolved
	}
	return r.GetChangeRequest(ctx, id)
}

// ListPendingForProject returns open proposals oldest first.
func (r Repo) ListPendingForProject(ctx context.Context, projectID string) ([]domain.ChangeRequest, error) {
	return r.listChangeRequests(ctx, ` WHERE t.project_id=? AND cr.state=?`, projectID, domain.StatePending)
}

// ListChangeRequestsForTask returns every proposal ever made for the task,
// oldest first.
func (r Repo) ListChangeRequestsForTask(ctx context.Context, taskID string) ([]domain.ChangeRequest, error) {
	return r.listChangeRequests(ctx, ` WHERE cr.task_id=?`, taskID)
}

func (r Repo) listChangeRequests(ctx context.Context, where string, args ...any) ([]domain.ChangeRequest, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+changeRequestColumns+changeRequestFrom+where+` ORDER BY cr.created_at ASC, cr.rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}
