package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema step. Files are named <version>_<name>.sql.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

func loadMigrations() ([]Migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	seen := map[int]string{}
	var migrations []Migration
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(f.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid migration filename %s", f.Name())
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, f.Name(), v)
		}
		seen[v] = f.Name()
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: f.Name(), UpSQL: string(data)})
	}
	slices.SortFunc(migrations, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}

// Migrate brings the statusflow schema up to date using the default logger.
func Migrate(db *sql.DB) error {
	_, err := Apply(context.Background(), db, slog.Default())
	return err
}

// Apply runs every embedded migration newer than the recorded schema
// version in a single transaction and returns the ones it applied.
func Apply(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]Migration, error) {
	if logger == nil {
		logger = slog.Default()
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return nil, fmt.Errorf("create schema_version: %w", err)
	}
	current, err := readVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.Version); err != nil {
			return nil, fmt.Errorf("update schema_version: %w", err)
		}
		applied = append(applied, m)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for _, m := range applied {
		logger.InfoContext(ctx, "schema migration applied", "version", m.Version, "name", m.Name)
	}
	if len(applied) == 0 {
		logger.DebugContext(ctx, "schema up to date", "version", current)
	}
	return applied, nil
}

// readVersion returns the recorded version, seeding the row with 0 on a
// fresh database.
func readVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var v int
	err := tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return 0, fmt.Errorf("init schema_version: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// Version reports the schema version recorded in db.
func Version(db *sql.DB) (int, error) {
	var v int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}
