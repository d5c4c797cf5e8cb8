package api

import (
	"net/http"
	"strings"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/sqlguard"
)

type sqlRequest struct {
	SQL string `json:"sql"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type queryRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type queryResponse struct {
	SQL     string         `json:"sql"`
	Columns []string       `json:"columns"`
	Rows    [][]any        `json:"rows"`
	Stats   map[string]any `json:"stats"`
}

// handleValidateSQL reports the verdict as data; an unsafe statement is still a 200.
func handleValidateSQL(w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	var request sqlRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	result := sqlguard.Validate(request.SQL)
	writeJSON(w, http.StatusOK, validateResponse{Valid: result.OK(), Reason: result.Reason()})
}

func handleFixSQL(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	var request sqlRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	fixed := request.SQL
	if deps.Assistant != nil {
		fixed = deps.Assistant.FixSQL(r.Context(), request.SQL)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sql": fixed, "changed": fixed != request.SQL})
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	if !requireAssistant(deps, w, r) {
		return
	}
	var request queryRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return
	}

	response, err := deps.Assistant.RunSQL(r.Context(), request.SQL, request.RowLimit)
	if err != nil {
		writeAssistantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		SQL:     response.SQL,
		Columns: response.Columns,
		Rows:    response.Rows,
		Stats: map[string]any{
			"row_count":   len(response.Rows),
			"truncated":   response.Truncated,
			"duration_ms": response.Duration.Milliseconds(),
		},
	})
}
