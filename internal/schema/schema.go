package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/querydesk/querydesk/internal/observability"
)

var ErrConnectionNotConfigured = errors.New("database connection not configured")

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// ColumnSource looks up the ordered columns of a single table.
type ColumnSource interface {
	Columns(ctx context.Context, table string) ([]Column, error)
}

// Introspector is the catalog capability set of a database handle.
type Introspector interface {
	ColumnSource
	DatabaseID() string
	ListTables(ctx context.Context) ([]string, error)
}

// Inspector renders schema descriptions and caches them per database id.
// Entries never expire; ClearCache drops all of them.
type Inspector struct {
	Logger *slog.Logger

	mu         sync.Mutex
	cache      map[string]string
	generation uint64
	group      singleflight.Group
}

func NewInspector(logger *slog.Logger) *Inspector {
	return &Inspector{Logger: logger, cache: map[string]string{}}
}

func (i *Inspector) GetSchema(ctx context.Context, handle Introspector) (string, error) {
	if isNilHandle(handle) {
		return "", ErrConnectionNotConfigured
	}
	key := handle.DatabaseID()

	i.mu.Lock()
	if rendered, ok := i.cache[key]; ok {
		i.mu.Unlock()
		observability.ObserveSchemaCache(true)
		return rendered, nil
	}
	generation := i.generation
	i.mu.Unlock()
	observability.ObserveSchemaCache(false)

	// Callers that arrive after a ClearCache never share a flight started before it.
	flightKey := fmt.Sprintf("%s#%d", key, generation)
	value, err, _ := i.group.Do(flightKey, func() (rendered any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				rendered, err = "", fmt.Errorf("introspection panic: %v", recovered)
			}
		}()

		tables, err := Describe(ctx, handle)
		if err != nil {
			return "", err
		}
		text := Render(tables)

		i.mu.Lock()
		defer i.mu.Unlock()
		if i.generation == generation {
			if i.cache == nil {
				i.cache = map[string]string{}
			}
			i.cache[key] = text
		}
		return text, nil
	})
	if err != nil {
		if i.Logger != nil {
			i.Logger.ErrorContext(ctx, "schema introspection failed",
				slog.String("database", key),
				slog.Any("error", err),
			)
		}
		return "", fmt.Errorf("failed to get database schema: %w", err)
	}
	return value.(string), nil
}

// isNilHandle also catches a nil pointer stored in the interface, e.g. (*sqldb.DB)(nil).
func isNilHandle(handle Introspector) bool {
	if handle == nil {
		return true
	}
	value := reflect.ValueOf(handle)
	return value.Kind() == reflect.Pointer && value.IsNil()
}

func (i *Inspector) ClearCache() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache = map[string]string{}
	i.generation++
}

// Describe enumerates every table and its columns in catalog order.
func Describe(ctx context.Context, handle Introspector) ([]Table, error) {
	names, err := handle.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	tables := make([]Table, 0, len(names))
	for _, name := range names {
		columns, err := handle.Columns(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list columns for table %q: %w", name, err)
		}
		tables = append(tables, Table{Name: name, Columns: columns})
	}
	return tables, nil
}

// Render produces the prompt-facing schema text, one block per table:
//
//	Table: orders
//	Columns: id (INTEGER), customer_id (INTEGER)
func Render(tables []Table) string {
	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		parts := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			parts = append(parts, column.Name+" ("+column.Type+")")
		}
		blocks = append(blocks, "Table: "+table.Name+"\nColumns: "+strings.Join(parts, ", ")+"\n")
	}
	return strings.Join(blocks, "\n")
}

// Parse reverses Render into table name -> column names, preserving table order.
func Parse(rendered string) []Table {
	var tables []Table
	for _, line := range strings.Split(rendered, "\n") {
		switch {
		case strings.HasPrefix(line, "Table:"):
			tables = append(tables, Table{Name: strings.TrimSpace(strings.TrimPrefix(line, "Table:"))})
		case strings.HasPrefix(line, "Columns:") && len(tables) > 0:
			current := &tables[len(tables)-1]
			for _, part := range splitTopLevel(strings.TrimPrefix(line, "Columns:")) {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				name, typ, _ := strings.Cut(part, " (")
				current.Columns = append(current.Columns, Column{
					Name: strings.TrimSpace(name),
					Type: strings.TrimSuffix(strings.TrimSpace(typ), ")"),
				})
			}
		}
	}
	return tables
}

// splitTopLevel splits on commas outside parentheses so types like DECIMAL(10, 2) stay whole.
func splitTopLevel(value string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range value {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, value[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, value[start:])
}
