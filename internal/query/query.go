// Package query defines the execution contract for validated SQL.
package query

import (
	"context"
	"errors"
	"time"
)

var ErrQueryTimeout = errors.New("query timed out")

type Request struct {
	SQL string
	// RowLimit caps returned rows. Zero means the engine default.
	RowLimit int
}

type Result struct {
	Columns   []string
	Rows      [][]any
	Truncated bool
	Duration  time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
