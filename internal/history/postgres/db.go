package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/querydesk/querydesk/internal/config"
)

const openPingTimeout = 5 * time.Second

// ErrNotMigrated means the history database is reachable but query_history
// has not been created yet.
var ErrNotMigrated = errors.New("history schema not migrated; run querydesk-migrate -direction up")

// Open connects to the history database and checks that migrations have run.
func Open(ctx context.Context, cfg config.HistoryConfig) (*sql.DB, error) {
	pingCtx, cancel := context.WithTimeout(ctx, openPingTimeout)
	defer cancel()

	db, err := Connect(pingCtx, cfg)
	if err != nil {
		return nil, err
	}
	if err := RequireMigrated(pingCtx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Connect opens and pings the history database without looking at its tables.
// The migrate command uses it before query_history exists.
func Connect(ctx context.Context, cfg config.HistoryConfig) (*sql.DB, error) {
	connConfig, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db := stdlib.OpenDB(*connConfig)
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

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db %s: %w", describe(connConfig), err)
	}
	return db, nil
}

func RequireMigrated(ctx context.Context, db *sql.DB) error {
	var present bool
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('query_history') IS NOT NULL`).Scan(&present); err != nil {
		return fmt.Errorf("check history schema: %w", err)
	}
	if !present {
		return ErrNotMigrated
	}
	return nil
}

// Describe renders the history DSN as host/database for logs. Credentials are dropped.
func Describe(dsn string) (string, error) {
	connConfig, err := parseDSN(dsn)
	if err != nil {
		return "", err
	}
	return describe(connConfig), nil
}

func parseDSN(dsn string) (*pgx.ConnConfig, error) {
	if dsn == "" {
		return nil, fmt.Errorf("history dsn is required")
	}
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse history dsn: %w", err)
	}
	return connConfig, nil
}

func describe(connConfig *pgx.ConnConfig) string {
	return fmt.Sprintf("%s:%d/%s", connConfig.Host, connConfig.Port, connConfig.Database)
}
