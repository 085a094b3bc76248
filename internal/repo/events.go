package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"statusflow/internal/domain"
)

const eventColumns = `id,ts,type,project_id,entity_kind,entity_id,actor_id,target_user_id,target_role,payload_json`

type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	// TaskID matches every event about the task, including its change
	// requests.
	TaskID string
}

func (f EventFilters) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "json_extract(payload_json,'$.task_id')=?")
		args = append(args, f.TaskID)
	}
	return clauses, args
}

// LatestEventsFrom returns up to limit events older than cursor, newest
// first. A zero cursor starts at the most recent event.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var targetUser, targetRole sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &targetUser, &targetRole, &e.Payload); err != nil {
			return nil, err
		}
		e.TargetUserID = targetUser.String
		e.TargetRole = targetRole.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, optionally scoped to a
// project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
