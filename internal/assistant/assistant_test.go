package assistant

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/querydesk/querydesk/internal/export"
	"github.com/querydesk/querydesk/internal/history"
	"github.com/querydesk/querydesk/internal/nl2sql"
	querydb "github.com/querydesk/querydesk/internal/query/sqldb"
	"github.com/querydesk/querydesk/internal/schema"
	schemadb "github.com/querydesk/querydesk/internal/schema/sqldb"
	"github.com/querydesk/querydesk/internal/storage"
)

type fakeTranslator struct {
	sql      string
	err      error
	requests []nl2sql.Request
}

func (f *fakeTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nl2sql.Result{}, f.err
	}
	return nl2sql.Result{SQL: f.sql, QueryType: nl2sql.ClassifyQuestion(req.Question), Provider: "fake", Model: "fake-model"}, nil
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(context.Context, nl2sql.SummaryRequest) (string, error) {
	f.calls++
	return f.summary, f.err
}

func openShop(t *testing.T) *schemadb.DB {
	t.Helper()
	db, err := schemadb.Open(context.Background(), schemadb.Config{Driver: "duckdb", DSN: filepath.Join(t.TempDir(), "shop.duckdb")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, statement := range []string{
		`CREATE TABLE orders (id INTEGER, customer_id INTEGER, total DOUBLE)`,
		`CREATE TABLE customers (id INTEGER, name VARCHAR)`,
		`INSERT INTO customers VALUES (10, 'Ada'), (11, 'Grace')`,
		`INSERT INTO orders VALUES (1, 10, 12.5), (2, 10, 7.25), (3, 11, 3.0)`,
	} {
		if _, err := db.SQL.Exec(statement); err != nil {
			t.Fatalf("exec %q error = %v", statement, err)
		}
	}
	return db
}

func newAssistant(t *testing.T, translator nl2sql.Translator, summarizer nl2sql.Summarizer) (*Assistant, *history.MemoryStore, *nl2sql.History) {
	t.Helper()
	db := openShop(t)
	store := history.NewMemoryStore(10)
	prompts := nl2sql.NewHistory(5)
	return New(Config{
		Database:   db,
		Engine:     querydb.NewEngine(db, querydb.Options{DefaultRowLimit: 100}),
		Translator: translator,
		Summarizer: summarizer,
		History:    store,
		Context:    prompts,
		Exporter:   export.NewExporter(newMemoryStore(), nil),
	}), store, prompts
}

func TestAskRunsFullPipeline(t *testing.T) {
	translator := &fakeTranslator{sql: "SELECT id, name FROM orders JOIN customers ON orders.customer_id = customers.id ORDER BY orders.id;"}
	summarizer := &fakeSummarizer{summary: "Three orders from two customers."}
	assistant, store, prompts := newAssistant(t, translator, summarizer)

	response, err := assistant.Ask(context.Background(), AskRequest{Subject: "alice", Question: " List all customers ", Summarize: true, Export: true})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	wantSQL := "SELECT orders.id, name FROM orders JOIN customers ON orders.customer_id = customers.id ORDER BY orders.id;"
	if response.SQL != wantSQL {
		t.Fatalf("SQL = %q, want %q", response.SQL, wantSQL)
	}
	if len(response.Rows) != 3 || response.Rows[0][1] != "Ada" {
		t.Fatalf("rows = %#v", response.Rows)
	}
	if response.Summary != "Three orders from two customers." {
		t.Fatalf("Summary = %q", response.Summary)
	}
	if response.Export == nil || response.Export.RowCount != 3 {
		t.Fatalf("Export = %+v (%s)", response.Export, response.ExportError)
	}
	if response.QueryType != nl2sql.QueryTypeListing {
		t.Fatalf("QueryType = %q", response.QueryType)
	}

	if len(translator.requests) != 1 {
		t.Fatalf("translate calls = %d", len(translator.requests))
	}
	sent := translator.requests[0]
	if sent.Question != "List all customers" || sent.Dialect != "duckdb" {
		t.Fatalf("translate request = %+v", sent)
	}
	if sent.Schema == "" {
		t.Fatal("schema was not sent to the translator")
	}

	entry, err := store.Get(context.Background(), response.HistoryID)
	if err != nil {
		t.Fatalf("history Get() error = %v", err)
	}
	if entry.Status != history.StatusSucceeded || entry.RowCount != 3 || entry.ExecutedSQL != wantSQL || entry.ExportKey != response.Export.Key {
		t.Fatalf("history entry = %+v", entry)
	}
	if snapshot := prompts.Snapshot(); len(snapshot) != 1 || snapshot[0].SQL != wantSQL {
		t.Fatalf("prompt history = %+v", snapshot)
	}
}

func TestAskFeedsPromptHistoryIntoNextTranslation(t *testing.T) {
	translator := &fakeTranslator{sql: "SELECT COUNT(*) FROM orders;"}
	assistant, _, _ := newAssistant(t, translator, nil)

	for _, question := range []string{"How many orders?", "And now?"} {
		if _, err := assistant.Ask(context.Background(), AskRequest{Question: question}); err != nil {
			t.Fatalf("Ask(%q) error = %v", question, err)
		}
	}
	second := translator.requests[1]
	if len(second.History) != 1 || second.History[0].Question != "How many orders?" {
		t.Fatalf("history sent = %+v", second.History)
	}
}

func TestAskRejectsUnsafeSQLWithoutExecuting(t *testing.T) {
	translator := &fakeTranslator{sql: "DROP TABLE orders;"}
	assistant, store, prompts := newAssistant(t, translator, nil)

	_, err := assistant.Ask(context.Background(), AskRequest{Question: "remove orders"})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Ask() error = %v, want RejectedError", err)
	}
	if rejected.Reason != "DROP commands are not allowed" {
		t.Fatalf("Reason = %q", rejected.Reason)
	}

	entry, err := store.Get(context.Background(), rejected.HistoryID)
	if err != nil {
		t.Fatalf("history Get() error = %v", err)
	}
	if entry.Status != history.StatusRejected || entry.ExecutedSQL != "" {
		t.Fatalf("history entry = %+v", entry)
	}
	if len(prompts.Snapshot()) != 0 {
		t.Fatal("rejected SQL must not enter prompt history")
	}

	response, err := assistant.RunSQL(context.Background(), "SELECT COUNT(*) FROM orders", 0)
	if err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}
	if response.Rows[0][0] != int64(3) {
		t.Fatalf("orders table changed: count = %#v", response.Rows[0][0])
	}
}

func TestAskRecordsExecutionFailure(t *testing.T) {
	translator := &fakeTranslator{sql: "SELECT missing_column FROM orders;"}
	assistant, store, _ := newAssistant(t, translator, nil)

	if _, err := assistant.Ask(context.Background(), AskRequest{Question: "show the missing column"}); !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("Ask() error = %v, want ErrExecutionFailed", err)
	}
	entries, err := store.List(context.Background(), history.ListFilter{Status: history.StatusFailed})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].GeneratedSQL != "SELECT missing_column FROM orders;" || entries[0].Reason == "" {
		t.Fatalf("failed entries = %+v", entries)
	}
}

func TestAskSummaryFallbacks(t *testing.T) {
	translator := &fakeTranslator{sql: "SELECT id FROM orders WHERE total > 1000;"}
	summarizer := &fakeSummarizer{err: errors.New("rate limited")}
	assistant, _, _ := newAssistant(t, translator, summarizer)

	response, err := assistant.Ask(context.Background(), AskRequest{Question: "Big orders?", Summarize: true})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if response.Summary != nl2sql.NoDataSummary || summarizer.calls != 0 {
		t.Fatalf("Summary = %q calls = %d", response.Summary, summarizer.calls)
	}

	translator.sql = "SELECT id FROM orders;"
	response, err = assistant.Ask(context.Background(), AskRequest{Question: "All orders?", Summarize: true})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if response.Summary != "Could not generate summary: rate limited" {
		t.Fatalf("Summary = %q", response.Summary)
	}
}

func TestAskTranslationFailure(t *testing.T) {
	translator := &fakeTranslator{err: errors.New("model overloaded")}
	assistant, store, _ := newAssistant(t, translator, nil)

	if _, err := assistant.Ask(context.Background(), AskRequest{Question: "anything"}); !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("Ask() error = %v, want ErrTranslationFailed", err)
	}
	entries, _ := store.List(context.Background(), history.ListFilter{})
	if len(entries) != 1 || entries[0].Status != history.StatusFailed {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestAskPreconditions(t *testing.T) {
	if _, err := New(Config{}).Ask(context.Background(), AskRequest{Question: "  "}); !errors.Is(err, ErrQuestionRequired) {
		t.Fatalf("empty question error = %v", err)
	}
	if _, err := New(Config{}).Ask(context.Background(), AskRequest{Question: "q"}); !errors.Is(err, schema.ErrConnectionNotConfigured) {
		t.Fatalf("no database error = %v", err)
	}

	db := openShop(t)
	engine := querydb.NewEngine(db, querydb.Options{})
	if _, err := New(Config{Database: db, Engine: engine}).Ask(context.Background(), AskRequest{Question: "q"}); !errors.Is(err, ErrTranslatorUnavailable) {
		t.Fatalf("no translator error = %v", err)
	}
	withTranslator := New(Config{Database: db, Engine: engine, Translator: &fakeTranslator{sql: "SELECT 1;"}})
	if _, err := withTranslator.Ask(context.Background(), AskRequest{Question: "q", Export: true}); !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("no exporter error = %v", err)
	}
}

func TestRunSQL(t *testing.T) {
	assistant, _, _ := newAssistant(t, nil, nil)

	_, err := assistant.RunSQL(context.Background(), "SELECT * FROM orders; DELETE FROM orders", 0)
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Reason != "DELETE commands are not allowed" {
		t.Fatalf("RunSQL() error = %v", err)
	}
	if _, err := assistant.RunSQL(context.Background(), " ", 0); !errors.Is(err, ErrSQLRequired) {
		t.Fatalf("RunSQL(empty) error = %v", err)
	}

	response, err := assistant.RunSQL(context.Background(), "SELECT id FROM orders JOIN customers ON orders.customer_id = customers.id", 2)
	if err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}
	if response.SQL != "SELECT orders.id FROM orders JOIN customers ON orders.customer_id = customers.id" {
		t.Fatalf("SQL = %q", response.SQL)
	}
	if len(response.Rows) != 2 || !response.Truncated {
		t.Fatalf("rows = %d truncated = %v", len(response.Rows), response.Truncated)
	}
}

func TestSchemaAndFixWithoutDatabase(t *testing.T) {
	assistant := New(Config{})
	if _, _, err := assistant.Schema(context.Background()); !errors.Is(err, schema.ErrConnectionNotConfigured) {
		t.Fatalf("Schema() error = %v", err)
	}
	input := "SELECT id FROM a JOIN b ON a.x = b.x"
	if got := assistant.FixSQL(context.Background(), input); got != input {
		t.Fatalf("FixSQL() = %q", got)
	}
	if assistant.DatabaseConfigured() {
		t.Fatal("DatabaseConfigured() = true")
	}
}

func TestSchemaIsCachedUntilCleared(t *testing.T) {
	assistant, _, _ := newAssistant(t, nil, nil)
	id, first, err := assistant.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if id == "" || first == "" {
		t.Fatalf("Schema() = %q, %q", id, first)
	}

	if _, err := assistant.cfg.Database.SQL.Exec(`CREATE TABLE products (sku VARCHAR)`); err != nil {
		t.Fatalf("create table error = %v", err)
	}
	_, cached, _ := assistant.Schema(context.Background())
	if cached != first {
		t.Fatal("schema changed before cache clear")
	}
	assistant.ClearSchemaCache()
	_, fresh, _ := assistant.Schema(context.Background())
	if !bytes.Contains([]byte(fresh), []byte("Table: products")) {
		t.Fatalf("schema after clear = %q", fresh)
	}
}

func seedCatalog(t *testing.T, statements ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.duckdb")
	db, err := schemadb.Open(context.Background(), schemadb.Config{Driver: "duckdb", DSN: path})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for _, statement := range statements {
		if _, err := db.SQL.Exec(statement); err != nil {
			t.Fatalf("exec %q error = %v", statement, err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func TestReconnectSwapsDatabaseAndClearsSchemaCache(t *testing.T) {
	assistant, _, _ := newAssistant(t, nil, nil)
	t.Cleanup(func() { _ = assistant.Close() })
	previous := assistant.cfg.Database
	if _, before, err := assistant.Schema(context.Background()); err != nil || !strings.Contains(before, "Table: orders") {
		t.Fatalf("Schema() = %q, %v", before, err)
	}

	path := seedCatalog(t,
		`CREATE TABLE products (sku VARCHAR, price DOUBLE)`,
		`INSERT INTO products VALUES ('A-1', 9.5)`,
	)
	databaseID, err := assistant.Reconnect(context.Background(), schemadb.Config{DSN: path})
	if err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if databaseID != "duckdb:"+path {
		t.Fatalf("Reconnect() id = %q", databaseID)
	}

	id, rendered, err := assistant.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if id != databaseID || rendered != "Table: products\nColumns: sku (VARCHAR), price (DOUBLE)\n" {
		t.Fatalf("Schema() = %q, %q", id, rendered)
	}
	response, err := assistant.RunSQL(context.Background(), "SELECT sku FROM products", 0)
	if err != nil || len(response.Rows) != 1 || response.Rows[0][0] != "A-1" {
		t.Fatalf("RunSQL() = %+v, %v", response, err)
	}
	if err := previous.Ping(context.Background()); err == nil {
		t.Fatal("previous handle should be closed after reconnect")
	}
	if err := assistant.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestReconnectFailureKeepsActiveConnection(t *testing.T) {
	assistant, _, _ := newAssistant(t, nil, nil)
	before, _, _ := assistant.Schema(context.Background())

	_, err := assistant.Reconnect(context.Background(), schemadb.Config{Driver: "oracle", DSN: "whatever"})
	if !errors.Is(err, schemadb.ErrUnsupportedDriver) {
		t.Fatalf("Reconnect() error = %v, want ErrUnsupportedDriver", err)
	}
	after, rendered, err := assistant.Schema(context.Background())
	if err != nil || after != before || !strings.Contains(rendered, "Table: orders") {
		t.Fatalf("Schema() after failed reconnect = %q, %q, %v", after, rendered, err)
	}
}

func TestReconnectWithoutInitialDatabase(t *testing.T) {
	assistant := New(Config{ConnectDefaults: schemadb.Config{Driver: "duckdb"}})
	if assistant.DatabaseConfigured() {
		t.Fatal("expected no database")
	}
	path := seedCatalog(t, `CREATE TABLE events (id INTEGER)`)
	if _, err := assistant.Reconnect(context.Background(), schemadb.Config{DSN: path}); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	t.Cleanup(func() { _ = assistant.Close() })
	if !assistant.DatabaseConfigured() {
		t.Fatal("expected database after reconnect")
	}
	if _, err := assistant.RunSQL(context.Background(), "SELECT id FROM events", 0); err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}
}

func TestTestConnectionLeavesActiveDatabase(t *testing.T) {
	assistant, _, _ := newAssistant(t, nil, nil)
	active, _, _ := assistant.Schema(context.Background())

	path := seedCatalog(t, `CREATE TABLE events (id INTEGER)`)
	databaseID, err := assistant.TestConnection(context.Background(), schemadb.Config{DSN: path})
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if databaseID != "duckdb:"+path {
		t.Fatalf("TestConnection() id = %q", databaseID)
	}
	if current, _, _ := assistant.Schema(context.Background()); current != active {
		t.Fatalf("active database changed to %q", current)
	}
	if _, err := assistant.TestConnection(context.Background(), schemadb.Config{Driver: "postgres"}); !errors.Is(err, schema.ErrConnectionNotConfigured) {
		t.Fatalf("TestConnection(empty dsn) error = %v", err)
	}
}

func TestPingAndCloseWithoutDatabase(t *testing.T) {
	assistant := New(Config{})
	if err := assistant.Ping(context.Background()); !errors.Is(err, schema.ErrConnectionNotConfigured) {
		t.Fatalf("Ping() error = %v", err)
	}
	if err := assistant.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: opts.ContentType}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}
