package api

import (
	"errors"
	"net/http"

	"github.com/querydesk/querydesk/internal/assistant"
	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/export"
	"github.com/querydesk/querydesk/internal/query"
	"github.com/querydesk/querydesk/internal/schema"
)

type askRequest struct {
	Question  string `json:"question"`
	RowLimit  int    `json:"row_limit"`
	Summarize bool   `json:"summarize"`
	Export    bool   `json:"export"`
}

type askResponse struct {
	Question    string         `json:"question"`
	SQL         string         `json:"sql"`
	QueryType   string         `json:"query_type"`
	Model       string         `json:"model,omitempty"`
	Columns     []string       `json:"columns"`
	Rows        [][]any        `json:"rows"`
	Summary     string         `json:"summary,omitempty"`
	Export      *export.Object `json:"export,omitempty"`
	ExportError string         `json:"export_error,omitempty"`
	HistoryID   string         `json:"history_id,omitempty"`
	Stats       map[string]any `json:"stats"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	if !requireAssistant(deps, w, r) {
		return
	}
	var request askRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return
	}

	response, err := deps.Assistant.Ask(r.Context(), assistant.AskRequest{
		Subject:   subjectFromRequest(r),
		Question:  request.Question,
		RowLimit:  request.RowLimit,
		Summarize: request.Summarize,
		Export:    request.Export,
	})
	if err != nil {
		writeAssistantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, askResponse{
		Question:    response.Question,
		SQL:         response.SQL,
		QueryType:   string(response.QueryType),
		Model:       response.Model,
		Columns:     response.Columns,
		Rows:        response.Rows,
		Summary:     response.Summary,
		Export:      response.Export,
		ExportError: response.ExportError,
		HistoryID:   response.HistoryID,
		Stats: map[string]any{
			"row_count":   len(response.Rows),
			"truncated":   response.Truncated,
			"duration_ms": response.Duration.Milliseconds(),
		},
	})
}

func requireAssistant(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Assistant == nil || !deps.Assistant.DatabaseConfigured() {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "DATABASE_NOT_CONFIGURED", schema.ErrConnectionNotConfigured.Error(), false, nil)
		return false
	}
	return true
}

func writeAssistantError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	details := map[string]any{"details": err.Error()}

	var rejected *assistant.RejectedError
	switch {
	case errors.As(err, &rejected):
		extra := map[string]any{"reason": rejected.Reason, "sql": rejected.SQL}
		if rejected.HistoryID != "" {
			extra["history_id"] = rejected.HistoryID
		}
		writeError(ctx, w, http.StatusBadRequest, "SQL_NOT_ALLOWED", rejected.Reason, false, extra)
	case errors.Is(err, assistant.ErrQuestionRequired):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, nil)
	case errors.Is(err, assistant.ErrSQLRequired):
		writeError(ctx, w, http.StatusBadRequest, "SQL_REQUIRED", err.Error(), false, nil)
	case errors.Is(err, schema.ErrConnectionNotConfigured):
		writeError(ctx, w, http.StatusServiceUnavailable, "DATABASE_NOT_CONFIGURED", err.Error(), false, nil)
	case errors.Is(err, assistant.ErrTranslatorUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "TRANSLATOR_NOT_CONFIGURED", err.Error(), false, nil)
	case errors.Is(err, assistant.ErrExportUnavailable):
		writeError(ctx, w, http.StatusServiceUnavailable, "EXPORT_NOT_CONFIGURED", err.Error(), false, nil)
	case errors.Is(err, query.ErrQueryTimeout):
		writeError(ctx, w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", "query timed out", true, details)
	case errors.Is(err, assistant.ErrSchemaUnavailable):
		writeError(ctx, w, http.StatusBadGateway, "SCHEMA_UNAVAILABLE", "failed to get database schema", true, details)
	case errors.Is(err, assistant.ErrTranslationFailed):
		writeError(ctx, w, http.StatusBadGateway, "TRANSLATION_FAILED", "failed to translate question", true, details)
	case errors.Is(err, assistant.ErrExecutionFailed):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", "query execution failed", false, details)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "request failed", true, details)
	}
}
