// Package assistant runs the question-to-answer pipeline: schema lookup,
// translation, validation, column disambiguation, execution, summary,
// optional export and history.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/querydesk/querydesk/internal/export"
	"github.com/querydesk/querydesk/internal/history"
	"github.com/querydesk/querydesk/internal/nl2sql"
	"github.com/querydesk/querydesk/internal/observability"
	"github.com/querydesk/querydesk/internal/query"
	querysqldb "github.com/querydesk/querydesk/internal/query/sqldb"
	"github.com/querydesk/querydesk/internal/schema"
	schemadb "github.com/querydesk/querydesk/internal/schema/sqldb"
	"github.com/querydesk/querydesk/internal/sqlguard"
)

var (
	ErrQuestionRequired      = errors.New("question is required")
	ErrSQLRequired           = errors.New("sql is required")
	ErrTranslatorUnavailable = errors.New("sql translation is not configured")
	ErrExportUnavailable     = errors.New("result export is not configured")

	ErrSchemaUnavailable = errors.New("schema unavailable")
	ErrTranslationFailed = errors.New("translation failed")
	ErrExecutionFailed   = errors.New("execution failed")
)

// RejectedError reports SQL refused by the validator. It is never executed.
type RejectedError struct {
	SQL       string
	Reason    string
	HistoryID string
}

func (e *RejectedError) Error() string {
	return "sql rejected: " + e.Reason
}

// ConnectFunc opens a database handle and an engine bound to it.
type ConnectFunc func(ctx context.Context, cfg schemadb.Config) (*schemadb.DB, query.Engine, error)

// OpenConnection is the ConnectFunc used by the server.
func OpenConnection(opts querysqldb.Options) ConnectFunc {
	return func(ctx context.Context, cfg schemadb.Config) (*schemadb.DB, query.Engine, error) {
		db, err := schemadb.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return db, querysqldb.NewEngine(db, opts), nil
	}
}

type Config struct {
	Inspector *schema.Inspector
	// Database and Engine are the initial connection; Reconnect replaces both.
	Database *schemadb.DB
	Engine   query.Engine
	Connect  ConnectFunc
	// ConnectDefaults supplies pool settings and the driver for Reconnect and TestConnection.
	ConnectDefaults schemadb.Config
	Translator    nl2sql.Translator
	Summarizer    nl2sql.Summarizer
	Disambiguator *sqlguard.Disambiguator
	History       history.Store
	// Context feeds recent successful exchanges back into the prompt.
	Context  *nl2sql.History
	Exporter *export.Exporter
	Logger   *slog.Logger
}

type Assistant struct {
	cfg Config

	mu     sync.RWMutex
	db     *schemadb.DB
	engine query.Engine
}

func New(cfg Config) *Assistant {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Inspector == nil {
		cfg.Inspector = schema.NewInspector(cfg.Logger)
	}
	if cfg.Disambiguator == nil {
		cfg.Disambiguator = &sqlguard.Disambiguator{Logger: cfg.Logger}
	}
	if cfg.Connect == nil {
		cfg.Connect = OpenConnection(querysqldb.Options{})
	}
	return &Assistant{cfg: cfg, db: cfg.Database, engine: cfg.Engine}
}

type AskRequest struct {
	Subject   string
	Question  string
	RowLimit  int
	Summarize bool
	Export    bool
}

type AskResponse struct {
	Question    string
	SQL         string
	QueryType   nl2sql.QueryType
	Model       string
	Columns     []string
	Rows        [][]any
	Truncated   bool
	Summary     string
	Export      *export.Object
	ExportError string
	HistoryID   string
	Duration    time.Duration
}

type QueryResponse struct {
	SQL       string
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

func (a *Assistant) conn() (*schemadb.DB, query.Engine) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.db, a.engine
}

func (a *Assistant) DatabaseConfigured() bool {
	db, _ := a.conn()
	return db != nil
}

func (a *Assistant) HistoryStore() history.Store {
	return a.cfg.History
}

func (a *Assistant) Exporter() *export.Exporter {
	return a.cfg.Exporter
}

// Schema returns the database id and its cached schema text.
func (a *Assistant) Schema(ctx context.Context) (string, string, error) {
	db, _ := a.conn()
	if db == nil {
		return "", "", schema.ErrConnectionNotConfigured
	}
	rendered, err := a.cfg.Inspector.GetSchema(ctx, db)
	if err != nil {
		return "", "", err
	}
	return db.DatabaseID(), rendered, nil
}

func (a *Assistant) ClearSchemaCache() {
	a.cfg.Inspector.ClearCache()
}

// FixSQL qualifies ambiguous columns. Without a database the text is returned as is.
func (a *Assistant) FixSQL(ctx context.Context, sqlText string) string {
	db, _ := a.conn()
	if db == nil {
		return sqlText
	}
	return a.cfg.Disambiguator.FixAmbiguousColumns(ctx, sqlText, db)
}

// RunSQL validates, disambiguates and executes caller-supplied SQL.
func (a *Assistant) RunSQL(ctx context.Context, sqlText string, rowLimit int) (QueryResponse, error) {
	if strings.TrimSpace(sqlText) == "" {
		return QueryResponse{}, ErrSQLRequired
	}
	if result := sqlguard.Validate(sqlText); !result.OK() {
		return QueryResponse{}, &RejectedError{SQL: sqlText, Reason: result.Reason()}
	}
	db, engine := a.conn()
	if db == nil || engine == nil {
		return QueryResponse{}, schema.ErrConnectionNotConfigured
	}
	ctx = observability.ContextWithDatabase(ctx, db.DatabaseID())
	fixed := a.cfg.Disambiguator.FixAmbiguousColumns(ctx, sqlText, db)
	result, err := engine.Execute(ctx, query.Request{SQL: fixed, RowLimit: rowLimit})
	if err != nil {
		return QueryResponse{}, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}
	return QueryResponse{
		SQL:       fixed,
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
		Duration:  result.Duration,
	}, nil
}

func (a *Assistant) Ask(ctx context.Context, req AskRequest) (AskResponse, error) {
	start := time.Now()
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return AskResponse{}, ErrQuestionRequired
	}
	db, engine := a.conn()
	switch {
	case db == nil || engine == nil:
		observability.ObserveAsk("unavailable")
		return AskResponse{}, schema.ErrConnectionNotConfigured
	case a.cfg.Translator == nil:
		observability.ObserveAsk("unavailable")
		return AskResponse{}, ErrTranslatorUnavailable
	case req.Export && a.cfg.Exporter == nil:
		observability.ObserveAsk("unavailable")
		return AskResponse{}, ErrExportUnavailable
	}

	ctx = observability.ContextWithDatabase(ctx, db.DatabaseID())
	record := history.RecordInput{
		Subject:    req.Subject,
		Question:   question,
		DatabaseID: db.DatabaseID(),
	}
	fail := func(err error) (AskResponse, error) {
		record.Status = history.StatusFailed
		record.Reason = err.Error()
		record.Duration = time.Since(start)
		a.recordHistory(ctx, record)
		observability.ObserveAsk(string(history.StatusFailed))
		return AskResponse{}, err
	}

	schemaText, err := a.cfg.Inspector.GetSchema(ctx, db)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrSchemaUnavailable, err))
	}

	translated, err := a.cfg.Translator.Translate(ctx, nl2sql.Request{
		Question: question,
		Dialect:  db.Dialect.Name,
		Schema:   schemaText,
		History:  a.cfg.Context.Snapshot(),
	})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTranslationFailed, err))
	}
	record.GeneratedSQL = translated.SQL
	record.Model = translated.Model

	if verdict := sqlguard.Validate(translated.SQL); !verdict.OK() {
		record.Status = history.StatusRejected
		record.Reason = verdict.Reason()
		record.Duration = time.Since(start)
		historyID := a.recordHistory(ctx, record)
		observability.ObserveAsk(string(history.StatusRejected))
		a.cfg.Logger.WarnContext(ctx, "generated sql rejected",
			slog.String("reason", verdict.Reason()),
			slog.String("sql", translated.SQL),
		)
		return AskResponse{}, &RejectedError{SQL: translated.SQL, Reason: verdict.Reason(), HistoryID: historyID}
	}

	fixed := a.cfg.Disambiguator.FixAmbiguousColumns(ctx, translated.SQL, db)
	record.ExecutedSQL = fixed

	result, err := engine.Execute(ctx, query.Request{SQL: fixed, RowLimit: req.RowLimit})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrExecutionFailed, err))
	}
	a.cfg.Context.Add(question, fixed)

	response := AskResponse{
		Question:  question,
		SQL:       fixed,
		QueryType: translated.QueryType,
		Model:     translated.Model,
		Columns:   result.Columns,
		Rows:      result.Rows,
		Truncated: result.Truncated,
	}

	if req.Summarize {
		response.Summary = a.summarize(ctx, question, fixed, result)
	}
	if req.Export {
		object, err := a.cfg.Exporter.Export(ctx, export.Request{
			Question: question,
			SQL:      fixed,
			Columns:  result.Columns,
			Rows:     result.Rows,
		})
		if err != nil {
			a.cfg.Logger.WarnContext(ctx, "result export failed", slog.Any("error", err))
			response.ExportError = err.Error()
		} else {
			response.Export = &object
			record.ExportKey = object.Key
		}
	}

	response.Duration = time.Since(start)
	record.Status = history.StatusSucceeded
	record.RowCount = int64(len(result.Rows))
	record.Duration = response.Duration
	response.HistoryID = a.recordHistory(ctx, record)
	observability.ObserveAsk(string(history.StatusSucceeded))
	return response, nil
}

// Reconnect opens a handle for cfg and makes it the active connection. The
// previous handle is closed and the schema cache cleared. On error the active
// connection is left untouched.
func (a *Assistant) Reconnect(ctx context.Context, cfg schemadb.Config) (string, error) {
	db, engine, err := a.cfg.Connect(ctx, a.connectConfig(cfg))
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	previous := a.db
	a.db, a.engine = db, engine
	a.mu.Unlock()
	a.cfg.Inspector.ClearCache()

	if previous != nil && previous != db {
		if err := previous.Close(); err != nil {
			a.cfg.Logger.WarnContext(ctx, "close previous database failed",
				slog.String("database", previous.DatabaseID()),
				slog.Any("error", err),
			)
		}
	}
	a.cfg.Logger.InfoContext(ctx, "database reconnected", slog.String("database", db.DatabaseID()))
	return db.DatabaseID(), nil
}

// TestConnection opens and pings cfg, then closes it again.
func (a *Assistant) TestConnection(ctx context.Context, cfg schemadb.Config) (string, error) {
	db, err := schemadb.Open(ctx, a.connectConfig(cfg))
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()
	return db.DatabaseID(), nil
}

// Ping checks the active connection.
func (a *Assistant) Ping(ctx context.Context) error {
	db, _ := a.conn()
	if db == nil {
		return schema.ErrConnectionNotConfigured
	}
	return db.Ping(ctx)
}

func (a *Assistant) Close() error {
	a.mu.Lock()
	db := a.db
	a.db, a.engine = nil, nil
	a.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Close()
}

// connectConfig fills an empty driver and zero pool settings from ConnectDefaults.
func (a *Assistant) connectConfig(cfg schemadb.Config) schemadb.Config {
	defaults := a.cfg.ConnectDefaults
	if strings.TrimSpace(cfg.Driver) == "" {
		cfg.Driver = defaults.Driver
		if db, _ := a.conn(); db != nil {
			cfg.Driver = db.Dialect.Name
		}
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	return cfg
}

func (a *Assistant) summarize(ctx context.Context, question, sqlText string, result query.Result) string {
	if len(result.Rows) == 0 {
		return nl2sql.NoDataSummary
	}
	if a.cfg.Summarizer == nil {
		return ""
	}
	summary, err := a.cfg.Summarizer.Summarize(ctx, nl2sql.SummaryRequest{
		Question: question,
		SQL:      sqlText,
		Columns:  result.Columns,
		Rows:     result.Rows,
	})
	if err != nil {
		a.cfg.Logger.WarnContext(ctx, "summary generation failed", slog.Any("error", err))
		return "Could not generate summary: " + err.Error()
	}
	return summary
}

// recordHistory never fails the request; a store error is logged.
func (a *Assistant) recordHistory(ctx context.Context, in history.RecordInput) string {
	if a.cfg.History == nil {
		return ""
	}
	entry, err := a.cfg.History.Record(ctx, in)
	if err != nil {
		a.cfg.Logger.ErrorContext(ctx, "record query history failed",
			slog.String("status", string(in.Status)),
			slog.Any("error", err),
		)
		return ""
	}
	return entry.ID
}
