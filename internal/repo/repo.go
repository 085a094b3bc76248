package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"statusflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrPendingExists   = errors.New("pending change request exists")
	ErrAlreadyResolved = errors.New("change request already resolved")
	ErrInvalidReason   = errors.New("rejection reason is required")
	ErrInvalidRequest  = errors.New("requested status equals current status")
)

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	return insertProject(ctx, r.DB, p)
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	return insertProject(ctx, tx, p)
}

func insertProject(ctx context.Context, ex execer, p domain.Project) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO projects(id,name,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.CreatedAt)
	if isConstraint(err, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
		return ErrAlreadyExists
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT id,name,description,created_at FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project in the workspace. It fails when
// there are none or more than one.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// isConstraint reports whether err is a SQLite constraint violation with the
// given extended result code.
func isConstraint(err error, code int) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		if serr.Code() == code {
			return true
		}
		// Without extended result codes only the message tells them apart.
		if serr.Code() != sqlite3.SQLITE_CONSTRAINT {
			return false
		}
	}
	msg := err.Error()
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return strings.Contains(msg, "UNIQUE constraint failed")
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return strings.Contains(msg, "FOREIGN KEY constraint failed")
	}
	return false
}
