// Package history records every question answered (or refused) by the assistant.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("history: not found")

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Entry struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject,omitempty"`
	Question     string    `json:"question"`
	GeneratedSQL string    `json:"generated_sql"`
	ExecutedSQL  string    `json:"executed_sql,omitempty"`
	Status       Status    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	RowCount     int64     `json:"row_count"`
	Model        string    `json:"model,omitempty"`
	DatabaseID   string    `json:"database_id,omitempty"`
	ExportKey    string    `json:"export_key,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

type RecordInput struct {
	Subject      string
	Question     string
	GeneratedSQL string
	ExecutedSQL  string
	Status       Status
	Reason       string
	RowCount     int64
	Model        string
	DatabaseID   string
	ExportKey    string
	Duration     time.Duration
}

type ListFilter struct {
	Limit  int
	Status Status
}

type Store interface {
	Record(ctx context.Context, in RecordInput) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, filter ListFilter) ([]Entry, error)
}

func (s Status) Valid() bool {
	switch s {
	case StatusSucceeded, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// NormalizeLimit clamps a requested page size into [1, MaxListLimit].
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
