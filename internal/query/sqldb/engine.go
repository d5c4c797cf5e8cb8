// Package sqldb executes validated SQL against the configured database handle.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/querydesk/querydesk/internal/observability"
	"github.com/querydesk/querydesk/internal/query"
	"github.com/querydesk/querydesk/internal/schema"
	schemadb "github.com/querydesk/querydesk/internal/schema/sqldb"
)

type Options struct {
	Timeout         time.Duration
	DefaultRowLimit int
	MaxRowLimit     int
}

type Engine struct {
	db   *schemadb.DB
	opts Options
}

func NewEngine(db *schemadb.DB, opts Options) *Engine {
	return &Engine{db: db, opts: opts}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if e == nil || e.db == nil {
		return query.Result{}, schema.ErrConnectionNotConfigured
	}
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	limit := e.rowLimit(request.RowLimit)

	var cancel context.CancelFunc
	if e.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	result, err := e.run(ctx, cancel, sqlText, limit)
	duration := time.Since(start)
	observability.ObserveQueryDuration(duration)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return query.Result{}, fmt.Errorf("%w after %s", query.ErrQueryTimeout, e.opts.Timeout)
		}
		return query.Result{}, err
	}
	result.Duration = duration
	return result, nil
}

// run scans at most limit rows. The statement is not wrapped in a LIMIT
// subquery because derived tables reject duplicate column names on MySQL;
// when one more row exists the result is marked truncated and the query is
// cancelled so the driver stops streaming.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, sqlText string, limit int) (query.Result, error) {
	var queryer interface {
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	} = e.db.SQL

	if e.db.Dialect.ReadOnlyTx {
		tx, err := e.db.SQL.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return query.Result{}, fmt.Errorf("begin read-only transaction: %w", err)
		}
		// Nothing is ever committed.
		defer func() { _ = tx.Rollback() }()
		queryer = tx
	}

	rows, err := queryer.QueryContext(ctx, sqlText)
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := query.Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		if limit > 0 && len(result.Rows) == limit {
			result.Truncated = true
			cancel()
			return result, nil
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func (e *Engine) rowLimit(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = e.opts.DefaultRowLimit
	}
	if e.opts.MaxRowLimit > 0 && limit > e.opts.MaxRowLimit {
		limit = e.opts.MaxRowLimit
	}
	return limit
}

// normalizeValues converts driver-specific values into JSON-friendly ones.
func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case *big.Int:
			normalized[i] = typed.String()
		case duckdb.Decimal:
			normalized[i] = typed.Float64()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
