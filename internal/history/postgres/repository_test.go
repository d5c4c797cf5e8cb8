package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/querydesk/querydesk/internal/config"
	"github.com/querydesk/querydesk/internal/history"
)

var entryRowColumns = []string{
	"history_id", "subject", "question", "generated_sql", "executed_sql", "status", "reason",
	"row_count", "model", "database_id", "export_key", "duration_ms", "created_at",
}

func TestRecordInsertsEntry(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO query_history (history_id, subject, question, generated_sql, executed_sql, status, reason, row_count, model, database_id, export_key, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING created_at`)).
		WithArgs(sqlmock.AnyArg(), "alice", "How many orders?", "SELECT COUNT(*) FROM orders;", "SELECT COUNT(*) FROM orders;", "succeeded", "", int64(1), "gpt-4o-mini", "duckdb:shop.db", "", int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	entry, err := repo.Record(context.Background(), history.RecordInput{
		Subject:      "alice",
		Question:     "How many orders?",
		GeneratedSQL: "SELECT COUNT(*) FROM orders;",
		ExecutedSQL:  "SELECT COUNT(*) FROM orders;",
		Status:       history.StatusSucceeded,
		RowCount:     1,
		Model:        "gpt-4o-mini",
		DatabaseID:   "duckdb:shop.db",
		Duration:     12 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := uuid.Parse(entry.ID); err != nil {
		t.Fatalf("ID = %q is not a uuid", entry.ID)
	}
	if !entry.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", entry.CreatedAt, now)
	}
	if entry.DurationMs != 12 {
		t.Fatalf("DurationMs = %d", entry.DurationMs)
	}
	assertSQLMock(t, mock)
}

func TestRecordRejectsUnknownStatus(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	if _, err := repo.Record(context.Background(), history.RecordInput{Status: "pending"}); err == nil {
		t.Fatal("expected error for invalid status")
	}
	assertSQLMock(t, mock)
}

func TestGetReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	id := uuid.NewString()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT ` + entryColumns + `
FROM query_history
WHERE history_id = $1`)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.Get(context.Background(), id)
	if !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, history.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestGetMalformedIDIsNotFoundWithoutQuery(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	_, err := repo.Get(context.Background(), "not-a-uuid")
	if !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, history.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestGetScansEntry(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	id := uuid.NewString()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE history_id = $1`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).
			AddRow(id, "bob", "drop it", "DROP TABLE orders;", "", "rejected", "DROP commands are not allowed", int64(0), "gpt-4o-mini", "duckdb:shop.db", "", int64(3), now))

	entry, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Status != history.StatusRejected || entry.Reason != "DROP commands are not allowed" {
		t.Fatalf("entry = %+v", entry)
	}
	assertSQLMock(t, mock)
}

func TestListFiltersByStatusAndClampsLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
FROM query_history
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2`)).
		WithArgs("failed", history.MaxListLimit).
		WillReturnRows(sqlmock.NewRows(entryRowColumns).
			AddRow(uuid.NewString(), "", "q1", "SELECT 1;", "SELECT 1;", "failed", "timeout", int64(0), "", "", "", int64(30000), now))

	entries, err := repo.List(context.Background(), history.ListFilter{Limit: 10_000, Status: history.StatusFailed})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "timeout" {
		t.Fatalf("entries = %+v", entries)
	}
	assertSQLMock(t, mock)
}

func TestListDefaultLimit(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
FROM query_history
ORDER BY created_at DESC
LIMIT $1`)).
		WithArgs(history.DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(entryRowColumns))

	entries, err := repo.List(context.Background(), history.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %+v", entries)
	}
	assertSQLMock(t, mock)
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), config.HistoryConfig{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
