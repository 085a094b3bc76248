package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"

	"statusflow/internal/domain"
)

const taskColumns = `id,project_id,title,COALESCE(description,''),status,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), t.Status, t.Version, t.CreatedAt, t.UpdatedAt)
	switch {
	case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY):
		return ErrAlreadyExists
	case isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY):
		return ErrNotFound
	}
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// CompareAndSetStatus writes status only if the stored version still equals
// expectedVersion, bumping the version by one. The check and the write are a
// single statement, so concurrent writers on any connection or process are
// arbitrated by the database.
func (r Repo) CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status domain.TaskStatus, now string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE tasks SET status=?, version=version+1, updated_at=? WHERE id=? AND version=? RETURNING `+taskColumns,
		status, now, id, expectedVersion)
	t, err := scanTask(row)
	if !errors.Is(err, ErrNotFound) {
		return t, err
	}
	if _, err := r.GetTask(ctx, id); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{}, ErrVersionConflict
}

type TaskFilters struct {
	ProjectID string
	Status    domain.TaskStatus
	Limit     int
	// Cursor is the (created_at, id) of the last task of the previous page.
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at ASC, id ASC`, taskColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
