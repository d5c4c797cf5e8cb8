// Package sqldb opens the target database over database/sql and answers catalog
// questions (tables, columns) with dialect-specific queries.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/querydesk/querydesk/internal/schema"
)

var ErrTableNotFound = errors.New("table not found")

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// DB is a database handle with catalog introspection.
type DB struct {
	SQL     *sql.DB
	Dialect Dialect
	id      string
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, schema.ErrConnectionNotConfigured
	}
	dialect, err := LookupDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	id, err := dialect.DatabaseID(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect.Name, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect.Name, err)
	}

	return &DB{SQL: db, Dialect: dialect, id: id}, nil
}

// New wraps an already open handle, mainly for tests.
func New(db *sql.DB, dialect Dialect, databaseID string) *DB {
	return &DB{SQL: db, Dialect: dialect, id: databaseID}
}

func (d *DB) DatabaseID() string {
	return d.id
}

func (d *DB) Ping(ctx context.Context) error {
	return d.SQL.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.SQL.Close()
}

func (d *DB) ListTables(ctx context.Context) ([]string, error) {
	rows, err := d.SQL.QueryContext(ctx, d.Dialect.TablesQuery)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (d *DB) Columns(ctx context.Context, table string) ([]schema.Column, error) {
	rows, err := d.SQL.QueryContext(ctx, d.Dialect.ColumnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("query columns for %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var columns []schema.Column
	for rows.Next() {
		var column schema.Column
		if err := rows.Scan(&column.Name, &column.Type); err != nil {
			return nil, fmt.Errorf("scan column for %q: %w", table, err)
		}
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns for %q: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return columns, nil
}
