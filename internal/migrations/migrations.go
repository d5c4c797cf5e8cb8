// Package migrations applies the embedded history store schema to Postgres.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const migrationTable = "querydesk_schema_migrations"

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

// NewRunnerFS reads migrations from the sql/ directory of fsys.
func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

type Status struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// Up applies pending migrations in version order; steps <= 0 applies all of them.
func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	migrations, applied, err := r.prepare(ctx, db, false)
	if err != nil {
		return 0, err
	}

	runCount := 0
	for _, item := range migrations {
		if slices.Contains(applied, item.Version) {
			continue
		}
		if steps > 0 && runCount >= steps {
			break
		}
		if err := runInTx(ctx, db, item.UpSQL, `INSERT INTO `+migrationTable+` (version) VALUES ($1)`, item.Version); err != nil {
			return runCount, fmt.Errorf("apply migration %d (%s): %w", item.Version, item.Name, err)
		}
		runCount++
	}
	return runCount, nil
}

// Down rolls back the most recently applied migrations; steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	migrations, applied, err := r.prepare(ctx, db, true)
	if err != nil {
		return 0, err
	}

	lookup := make(map[int64]migration, len(migrations))
	for _, item := range migrations {
		lookup[item.Version] = item
	}

	runCount := 0
	for _, version := range applied {
		if runCount >= steps {
			break
		}
		item, ok := lookup[version]
		if !ok {
			return runCount, fmt.Errorf("applied migration %d is missing from source", version)
		}
		if err := runInTx(ctx, db, item.DownSQL, `DELETE FROM `+migrationTable+` WHERE version = $1`, item.Version); err != nil {
			return runCount, fmt.Errorf("rollback migration %d (%s): %w", item.Version, item.Name, err)
		}
		runCount++
	}
	return runCount, nil
}

func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	migrations, applied, err := r.prepare(ctx, db, false)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(migrations))
	for _, item := range migrations {
		statuses = append(statuses, Status{
			Version: item.Version,
			Name:    item.Name,
			Applied: slices.Contains(applied, item.Version),
		})
	}
	return statuses, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB, desc bool) ([]migration, []int64, error) {
	migrations, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, nil, err
	}
	applied, err := listAppliedVersions(ctx, db, desc)
	if err != nil {
		return nil, nil, err
	}
	return migrations, applied, nil
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	query := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func runInTx(ctx context.Context, db *sql.DB, script, bookkeeping string, version int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("exec script: %w", err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func listAppliedVersions(ctx context.Context, db *sql.DB, desc bool) ([]int64, error) {
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable+` ORDER BY version `+order)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []int64
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return versions, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	items := map[int64]migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := path.Base(entry.Name())
		matches := migrationNamePattern.FindStringSubmatch(base)
		if len(matches) != 4 {
			continue
		}
		version, err := strconv.ParseInt(matches[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", base, err)
		}

		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item := items[version]
		if item.Name != "" && item.Name != matches[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, matches[2])
		}
		item.Version = version
		item.Name = matches[2]
		if matches[3] == "up" {
			item.UpSQL = string(script)
		} else {
			item.DownSQL = string(script)
		}
		items[version] = item
	}

	migrations := make([]migration, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		migrations = append(migrations, item)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
