package nl2sql

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/querydesk/querydesk/internal/schema"
)

type QueryType string

const (
	QueryTypeAggregation  QueryType = "AGGREGATION"
	QueryTypeComparison   QueryType = "COMPARISON"
	QueryTypeFiltering    QueryType = "FILTERING"
	QueryTypeSorting      QueryType = "SORTING"
	QueryTypeGrouping     QueryType = "GROUPING"
	QueryTypeTimeAnalysis QueryType = "TIME_ANALYSIS"
	QueryTypeListing      QueryType = "LISTING"
	QueryTypeGeneral      QueryType = "GENERAL"
)

const NoDataSummary = "No data found for your query."

var queryTypeTerms = []struct {
	queryType QueryType
	terms     []string
}{
	{QueryTypeAggregation, []string{"average", "avg", "mean", "sum", "total", "count", "how many"}},
	{QueryTypeComparison, []string{"compare", "comparison", "vs", "versus", "difference between"}},
	{QueryTypeFiltering, []string{"where", "which", "find", "search", "filter"}},
	{QueryTypeSorting, []string{"top", "bottom", "highest", "lowest", "best", "worst", "order", "sort", "rank"}},
	{QueryTypeGrouping, []string{"group", "by each", "for each", "categorize", "segment"}},
	{QueryTypeTimeAnalysis, []string{"trend", "over time", "by year", "by month", "by date", "period"}},
	{QueryTypeListing, []string{"show", "list", "display", "all", "view"}},
}

// ClassifyQuestion matches substrings in priority order, so "show the total" is an
// aggregation rather than a listing.
func ClassifyQuestion(question string) QueryType {
	lower := strings.ToLower(question)
	for _, candidate := range queryTypeTerms {
		for _, term := range candidate.terms {
			if strings.Contains(lower, term) {
				return candidate.queryType
			}
		}
	}
	return QueryTypeGeneral
}

// FewShotExamples builds example question/SQL pairs over the first two tables of
// the schema, using at most three columns of each.
func FewShotExamples(queryType QueryType, tables []schema.Table) string {
	if len(tables) == 0 {
		return ""
	}
	if len(tables) > 2 {
		tables = tables[:2]
	}
	columns := make([][]string, len(tables))
	for i, table := range tables {
		for j, column := range table.Columns {
			if j == 3 {
				break
			}
			columns[i] = append(columns[i], column.Name)
		}
	}

	var b strings.Builder
	b.WriteString("Here are a few examples of similar queries:\n\n")
	example := func(question, sql string) {
		fmt.Fprintf(&b, "Question: %s\nSQL: %s\n\n", question, sql)
	}

	switch queryType {
	case QueryTypeAggregation:
		for i, table := range tables {
			if cols := columns[i]; len(cols) >= 2 {
				example(
					fmt.Sprintf("What is the average %s for each %s in %s?", cols[0], cols[1], table.Name),
					fmt.Sprintf("SELECT %[1]s.%[3]s, AVG(%[1]s.%[2]s) FROM %[1]s GROUP BY %[1]s.%[3]s;", table.Name, cols[0], cols[1]),
				)
			}
		}
	case QueryTypeComparison:
		if len(tables) == 2 && len(columns[0]) > 0 && len(columns[1]) > 0 {
			first, second := tables[0].Name, tables[1].Name
			example(
				fmt.Sprintf("Compare the %s between %s and %s", columns[0][0], first, second),
				fmt.Sprintf("SELECT %[1]s.%[3]s, %[2]s.%[4]s FROM %[1]s JOIN %[2]s ON %[1]s.id = %[2]s.%[1]s_id;", first, second, columns[0][0], columns[1][0]),
			)
		}
	case QueryTypeFiltering:
		for i, table := range tables {
			if cols := columns[i]; len(cols) >= 2 {
				example(
					fmt.Sprintf("Find all %s where %s is greater than 100", table.Name, cols[0]),
					fmt.Sprintf("SELECT * FROM %[1]s WHERE %[1]s.%[2]s > 100;", table.Name, cols[0]),
				)
			}
		}
	case QueryTypeSorting:
		for i, table := range tables {
			if cols := columns[i]; len(cols) >= 2 {
				example(
					fmt.Sprintf("Show the top 5 %s by %s", table.Name, cols[0]),
					fmt.Sprintf("SELECT * FROM %[1]s ORDER BY %[1]s.%[2]s DESC LIMIT 5;", table.Name, cols[0]),
				)
			}
		}
	case QueryTypeGrouping:
		for i, table := range tables {
			if cols := columns[i]; len(cols) >= 2 {
				example(
					fmt.Sprintf("Group %s by %s and count them", table.Name, cols[0]),
					fmt.Sprintf("SELECT %[1]s.%[2]s, COUNT(*) FROM %[1]s GROUP BY %[1]s.%[2]s;", table.Name, cols[0]),
				)
			}
		}
	case QueryTypeTimeAnalysis:
		table, column, ok := firstTemporalColumn(tables, columns)
		if ok {
			example(
				fmt.Sprintf("Show the trend of records in %s over time", table),
				fmt.Sprintf("SELECT %[1]s.%[2]s, COUNT(*) FROM %[1]s GROUP BY %[1]s.%[2]s ORDER BY %[1]s.%[2]s;", table, column),
			)
		}
	case QueryTypeListing:
		for i, table := range tables {
			example("List all "+table.Name, "SELECT * FROM "+table.Name+";")
			if cols := columns[i]; len(cols) >= 3 {
				example(
					fmt.Sprintf("Show %s and %s from %s", cols[0], cols[1], table.Name),
					fmt.Sprintf("SELECT %[1]s.%[2]s, %[1]s.%[3]s FROM %[1]s;", table.Name, cols[0], cols[1]),
				)
			}
		}
	default:
		for _, table := range tables {
			example("Get information about "+table.Name, "SELECT * FROM "+table.Name+" LIMIT 10;")
		}
	}
	return b.String()
}

func firstTemporalColumn(tables []schema.Table, columns [][]string) (string, string, bool) {
	for i, table := range tables {
		for _, column := range columns[i] {
			lower := strings.ToLower(column)
			for _, term := range []string{"date", "time", "year", "month", "day"} {
				if strings.Contains(lower, term) {
					return table.Name, column, true
				}
			}
		}
	}
	return "", "", false
}

func historyContext(history []Exchange) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Here are some recent successful queries for context:\n\n")
	for _, item := range history {
		fmt.Fprintf(&b, "Question: %s\nSQL: %s\n\n", item.Question, item.SQL)
	}
	return b.String()
}

var markdownFence = regexp.MustCompile("```(?:sql|SQL)?")

// CleanSQL strips markdown fences, keeps only the first statement and makes
// sure the result ends with a single semicolon.
func CleanSQL(raw string) string {
	cleaned := strings.TrimSpace(markdownFence.ReplaceAllString(raw, ""))
	if cleaned == "" {
		return ""
	}
	if first, _, found := strings.Cut(cleaned, ";"); found {
		cleaned = strings.TrimSpace(first)
	}
	if cleaned == "" {
		return ""
	}
	return cleaned + ";"
}

// History keeps the most recent successful exchanges for prompt context.
type History struct {
	mu    sync.Mutex
	size  int
	items []Exchange
}

func NewHistory(size int) *History {
	return &History{size: size}
}

func (h *History) Add(question, sql string) {
	if h == nil || h.size <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, Exchange{Question: question, SQL: sql})
	if overflow := len(h.items) - h.size; overflow > 0 {
		h.items = append([]Exchange(nil), h.items[overflow:]...)
	}
}

func (h *History) Snapshot() []Exchange {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Exchange(nil), h.items...)
}
