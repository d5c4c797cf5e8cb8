package sqldb

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

// Dialect holds the driver name and catalog queries for one database engine.
type Dialect struct {
	Name         string
	DriverName   string
	TablesQuery  string
	ColumnsQuery string
	// ReadOnlyTx reports whether the driver honours sql.TxOptions{ReadOnly: true}.
	ReadOnlyTx bool
	databaseID func(dsn string) (string, error)
}

var ErrUnsupportedDriver = errors.New("unsupported database driver")

var dialects = map[string]Dialect{
	"postgres": {
		Name:       "postgres",
		DriverName: "pgx",
		TablesQuery: `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema()
  AND table_type IN ('BASE TABLE', 'VIEW')
ORDER BY table_name`,
		ColumnsQuery: `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = current_schema()
  AND table_name = $1
ORDER BY ordinal_position`,
		ReadOnlyTx: true,
		databaseID: postgresDatabaseID,
	},
	"mysql": {
		Name:       "mysql",
		DriverName: "mysql",
		TablesQuery: `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = DATABASE()
ORDER BY table_name`,
		ColumnsQuery: `
SELECT column_name, UPPER(column_type)
FROM information_schema.columns
WHERE table_schema = DATABASE()
  AND table_name = ?
ORDER BY ordinal_position`,
		ReadOnlyTx: true,
		databaseID: mysqlDatabaseID,
	},
	"duckdb": {
		Name:       "duckdb",
		DriverName: "duckdb",
		TablesQuery: `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = current_schema()
ORDER BY table_name`,
		ColumnsQuery: `
SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = current_schema()
  AND table_name = ?
ORDER BY ordinal_position`,
		databaseID: fileDatabaseID,
	},
	"sqlite": {
		Name:       "sqlite",
		DriverName: "sqlite3",
		TablesQuery: `
SELECT name
FROM sqlite_master
WHERE type IN ('table', 'view')
  AND name NOT LIKE 'sqlite_%'
ORDER BY name`,
		ColumnsQuery: `
SELECT name, type
FROM pragma_table_info(?)
ORDER BY cid`,
		databaseID: fileDatabaseID,
	},
}

func LookupDialect(name string) (Dialect, error) {
	dialect, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, fmt.Errorf("%w %q", ErrUnsupportedDriver, name)
	}
	return dialect, nil
}

func SupportedDialects() []string {
	return []string{"duckdb", "mysql", "postgres", "sqlite"}
}

// DatabaseID derives the schema cache key for dsn.
func (d Dialect) DatabaseID(dsn string) (string, error) {
	name, err := d.databaseID(dsn)
	if err != nil {
		return "", err
	}
	return d.Name + ":" + name, nil
}

func postgresDatabaseID(dsn string) (string, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "", fmt.Errorf("parse postgres dsn: %w", err)
	}
	return cfg.Host + "/" + cfg.Database, nil
}

func mysqlDatabaseID(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	return cfg.Addr + "/" + cfg.DBName, nil
}

func fileDatabaseID(dsn string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(dsn), "file:")
	if before, _, found := strings.Cut(trimmed, "?"); found {
		trimmed = before
	}
	if trimmed == "" || trimmed == ":memory:" {
		return ":memory:", nil
	}
	if unescaped, err := url.PathUnescape(trimmed); err == nil {
		trimmed = unescaped
	}
	return filepath.Clean(trimmed), nil
}
