package repo

import (
	"context"
	"database/sql"

	sqlite3 "modernc.org/sqlite/lib"

	"statusflow/internal/domain"
)

// SetMember grants role to actorID on the project, replacing any previous
// role.
func (r Repo) SetMember(ctx context.Context, m domain.Member) error {
	return setMember(ctx, r.DB, m)
}

func (r Repo) SetMemberTx(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	return setMember(ctx, tx, m)
}

func setMember(ctx context.Context, ex execer, m domain.Member) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO project_members(project_id,actor_id,role,created_at) VALUES (?,?,?,?)
		ON CONFLICT(project_id,actor_id) DO UPDATE SET role=excluded.role`,
		m.ProjectID, m.ActorID, m.Role, m.CreatedAt)
	if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
		return ErrNotFound
	}
	return err
}

func (r Repo) RemoveMember(ctx context.Context, projectID, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberRole returns the actor's role on the project, or ErrNotFound when
// the actor is not a member.
func (r Repo) MemberRole(ctx context.Context, projectID, actorID string) (domain.Role, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM project_members WHERE project_id=? AND actor_id=?`, projectID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.ParseRole(role), nil
}

func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,actor_id,role,created_at FROM project_members WHERE project_id=? ORDER BY actor_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ProjectID, &m.ActorID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
