package api

import (
	"net/http"

	"github.com/querydesk/querydesk/internal/auth"
)

type schemaResponse struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader, auth.RoleSchemaAdmin) {
		return
	}
	if !requireAssistant(deps, w, r) {
		return
	}
	databaseID, rendered, err := deps.Assistant.Schema(r.Context())
	if err != nil {
		writeAssistantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemaResponse{Database: databaseID, Schema: rendered})
}

func handleClearSchemaCache(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleSchemaAdmin) {
		return
	}
	if !requireAssistant(deps, w, r) {
		return
	}
	deps.Assistant.ClearSchemaCache()
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "schema cache cleared", "subject", subjectFromRequest(r))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}
