package nl2sql

import "context"

// Exchange is one earlier question and the SQL that answered it.
type Exchange struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type Request struct {
	Question string
	// Dialect names the target database engine, e.g. "postgres".
	Dialect string
	// Schema is the rendered schema description of the target database.
	Schema  string
	History []Exchange
}

type Result struct {
	SQL       string    `json:"sql"`
	QueryType QueryType `json:"query_type"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
}

type SummaryRequest struct {
	Question string
	SQL      string
	Columns  []string
	Rows     [][]any
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}
