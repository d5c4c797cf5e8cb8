package sqlguard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/querydesk/querydesk/internal/observability"
	"github.com/querydesk/querydesk/internal/schema"
)

var (
	joinKeyword    = regexp.MustCompile(`(?i)JOIN`)
	tableReference = regexp.MustCompile(`(?i)(?:FROM|JOIN)\s+([\p{L}\p{N}_]+)`)
)

// Disambiguator qualifies bare column names that more than one joined table defines.
type Disambiguator struct {
	Logger *slog.Logger
}

// FixAmbiguousColumns rewrites every unqualified occurrence of an ambiguous
// column to <table>.<column>, where table is the first referenced table that
// defines it. Queries without a JOIN, a nil source, and internal failures all
// yield sqlText unchanged.
func (d *Disambiguator) FixAmbiguousColumns(ctx context.Context, sqlText string, source schema.ColumnSource) (fixed string) {
	if source == nil || len(wholeWordMatches(sqlText, joinKeyword)) == 0 {
		return sqlText
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger().ErrorContext(ctx, "column disambiguation failed",
				slog.String("error", fmt.Sprint(recovered)),
			)
			fixed = sqlText
		}
	}()

	tables := ReferencedTables(sqlText)
	owners := map[string][]string{}
	var order []string
	for _, table := range tables {
		columns, err := source.Columns(ctx, table)
		if err != nil {
			observability.IncrementIntrospectionWarning()
			d.logger().WarnContext(ctx, "could not get columns for table",
				slog.String("table", table),
				slog.Any("error", err),
			)
			continue
		}
		for _, column := range columns {
			if _, seen := owners[column.Name]; !seen {
				order = append(order, column.Name)
			}
			owners[column.Name] = append(owners[column.Name], table)
		}
	}

	fixed = sqlText
	for _, column := range order {
		if len(owners[column]) < 2 {
			continue
		}
		fixed = qualify(fixed, column, owners[column][0])
	}
	if fixed != sqlText {
		observability.IncrementRewrite()
		d.logger().DebugContext(ctx, "qualified ambiguous columns",
			slog.String("original", sqlText),
			slog.String("rewritten", fixed),
		)
	}
	return fixed
}

func (d *Disambiguator) logger() *slog.Logger {
	if d == nil || d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// ReferencedTables lists identifiers following FROM or JOIN in first-seen order.
func ReferencedTables(sqlText string) []string {
	var tables []string
	seen := map[string]bool{}
	for _, loc := range tableReference.FindAllStringSubmatchIndex(sqlText, -1) {
		if wordBefore(sqlText, loc[0]) {
			continue
		}
		if name := sqlText[loc[2]:loc[3]]; !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables
}

// qualify replaces whole-word occurrences of column that are neither preceded
// by "<word>." nor followed by ".<word>".
func qualify(sqlText, column, table string) string {
	pattern, err := regexp.Compile(regexp.QuoteMeta(column))
	if err != nil {
		return sqlText
	}
	matches := wholeWordMatches(sqlText, pattern)
	if len(matches) == 0 {
		return sqlText
	}

	out := make([]byte, 0, len(sqlText)+len(matches)*(len(table)+1))
	last := 0
	for _, loc := range matches {
		start, end := loc[0], loc[1]
		if start >= 1 && sqlText[start-1] == '.' && wordBefore(sqlText, start-1) {
			continue
		}
		if end < len(sqlText) && sqlText[end] == '.' && wordAfter(sqlText, end+1) {
			continue
		}
		out = append(out, sqlText[last:start]...)
		out = append(out, table...)
		out = append(out, '.')
		out = append(out, column...)
		last = end
	}
	out = append(out, sqlText[last:]...)
	return string(out)
}
