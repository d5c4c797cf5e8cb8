package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querydesk/querydesk/internal/schema"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"})
	if !errors.Is(err, schema.ErrConnectionNotConfigured) {
		t.Fatalf("Open() error = %v, want ErrConnectionNotConfigured", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "whatever"})
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestListTablesAndColumnsWithSQLMock(t *testing.T) {
	db, mock := newSQLMock(t)
	dialect, err := LookupDialect("postgres")
	if err != nil {
		t.Fatalf("LookupDialect() error = %v", err)
	}
	handle := New(db, dialect, "postgres:localhost/shop")

	mock.ExpectQuery(regexp.QuoteMeta(dialect.TablesQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("customers").AddRow("orders"))
	mock.ExpectQuery(regexp.QuoteMeta(dialect.ColumnsQuery)).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type"}).
			AddRow("id", "integer").
			AddRow("customer_id", "integer"))

	tables, err := handle.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 2 || tables[0] != "customers" || tables[1] != "orders" {
		t.Fatalf("tables = %#v", tables)
	}

	columns, err := handle.Columns(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Columns() error = %v", err)
	}
	if len(columns) != 2 || columns[1].Name != "customer_id" || columns[1].Type != "integer" {
		t.Fatalf("columns = %#v", columns)
	}
	if handle.DatabaseID() != "postgres:localhost/shop" {
		t.Fatalf("DatabaseID() = %q", handle.DatabaseID())
	}
	assertSQLMock(t, mock)
}

func TestColumnsUnknownTableReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	dialect, _ := LookupDialect("mysql")
	handle := New(db, dialect, "mysql:db/shop")

	mock.ExpectQuery(regexp.QuoteMeta(dialect.ColumnsQuery)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "column_type"}))

	_, err := handle.Columns(context.Background(), "ghost")
	if !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("Columns() error = %v, want ErrTableNotFound", err)
	}
	assertSQLMock(t, mock)
}

func TestListTablesPropagatesQueryError(t *testing.T) {
	db, mock := newSQLMock(t)
	dialect, _ := LookupDialect("postgres")
	handle := New(db, dialect, "postgres:x/y")

	mock.ExpectQuery(regexp.QuoteMeta(dialect.TablesQuery)).WillReturnError(errors.New("boom"))

	if _, err := handle.ListTables(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	assertSQLMock(t, mock)
}

func TestDuckDBIntrospection(t *testing.T) {
	handle, err := Open(context.Background(), Config{Driver: "duckdb", DSN: filepath.Join(t.TempDir(), "shop.duckdb")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })

	mustExec(t, handle.SQL, `CREATE TABLE customers (id INTEGER, name VARCHAR)`)
	mustExec(t, handle.SQL, `CREATE TABLE orders (id INTEGER, customer_id INTEGER)`)

	inspector := schema.NewInspector(nil)
	rendered, err := inspector.GetSchema(context.Background(), handle)
	if err != nil {
		t.Fatalf("GetSchema() error = %v", err)
	}
	want := "Table: customers\nColumns: id (INTEGER), name (VARCHAR)\n\nTable: orders\nColumns: id (INTEGER), customer_id (INTEGER)\n"
	if rendered != want {
		t.Fatalf("GetSchema() = %q, want %q", rendered, want)
	}
}

func TestSQLiteIntrospection(t *testing.T) {
	handle, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "shop.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })

	mustExec(t, handle.SQL, `CREATE TABLE customers (id INTEGER PRIMARY KEY, name TEXT)`)

	columns, err := handle.Columns(context.Background(), "customers")
	if err != nil {
		t.Fatalf("Columns() error = %v", err)
	}
	if len(columns) != 2 || columns[0].Name != "id" || columns[1].Type != "TEXT" {
		t.Fatalf("columns = %#v", columns)
	}
	if _, err := handle.Columns(context.Background(), "missing"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("Columns(missing) error = %v", err)
	}
}

func mustExec(t *testing.T, db *sql.DB, statement string) {
	t.Helper()
	if _, err := db.Exec(statement); err != nil {
		t.Fatalf("exec %q error = %v", statement, err)
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
