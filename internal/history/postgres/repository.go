package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/querydesk/querydesk/internal/history"
)

const entryColumns = `history_id, subject, question, generated_sql, executed_sql, status, reason, row_count, model, database_id, export_key, duration_ms, created_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, in history.RecordInput) (history.Entry, error) {
	if !in.Status.Valid() {
		return history.Entry{}, fmt.Errorf("record history: invalid status %q", in.Status)
	}
	entry := history.NewEntry(uuid.NewString(), in, time.Time{})

	query := `
INSERT INTO query_history (history_id, subject, question, generated_sql, executed_sql, status, reason, row_count, model, database_id, export_key, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at`
	err := r.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.Subject,
		entry.Question,
		entry.GeneratedSQL,
		entry.ExecutedSQL,
		string(entry.Status),
		entry.Reason,
		entry.RowCount,
		entry.Model,
		entry.DatabaseID,
		entry.ExportKey,
		entry.DurationMs,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return history.Entry{}, fmt.Errorf("record history: %w", err)
	}
	return entry, nil
}

func (r *Repository) Get(ctx context.Context, id string) (history.Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return history.Entry{}, history.ErrNotFound
	}

	query := `
SELECT ` + entryColumns + `
FROM query_history
WHERE history_id = $1`
	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return history.Entry{}, history.ErrNotFound
		}
		return history.Entry{}, fmt.Errorf("get history entry: %w", err)
	}
	return entry, nil
}

func (r *Repository) List(ctx context.Context, filter history.ListFilter) ([]history.Entry, error) {
	limit := history.NormalizeLimit(filter.Limit)

	var (
		rows *sql.Rows
		err  error
	)
	if filter.Status != "" {
		query := `
SELECT ` + entryColumns + `
FROM query_history
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2`
		rows, err = r.db.QueryContext(ctx, query, string(filter.Status), limit)
	} else {
		query := `
SELECT ` + entryColumns + `
FROM query_history
ORDER BY created_at DESC
LIMIT $1`
		rows, err = r.db.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []history.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (history.Entry, error) {
	var (
		entry  history.Entry
		status string
	)
	err := row.Scan(
		&entry.ID,
		&entry.Subject,
		&entry.Question,
		&entry.GeneratedSQL,
		&entry.ExecutedSQL,
		&status,
		&entry.Reason,
		&entry.RowCount,
		&entry.Model,
		&entry.DatabaseID,
		&entry.ExportKey,
		&entry.DurationMs,
		&entry.CreatedAt,
	)
	entry.Status = history.Status(status)
	return entry, err
}
