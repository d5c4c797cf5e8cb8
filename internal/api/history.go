package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/history"
)

func handleListHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "query history is not configured", false, nil)
		return
	}

	filter := history.ListFilter{Status: history.Status(strings.TrimSpace(r.URL.Query().Get("status")))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_STATUS", "status must be succeeded, rejected or failed", false, map[string]any{"status": filter.Status})
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		filter.Limit = limit
	}

	entries, err := deps.History.List(r.Context(), filter)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to list query history", true, map[string]any{"details": err.Error()})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func handleGetHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireRoles(w, r, auth.RoleQueryReader) {
		return
	}
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "query history is not configured", false, nil)
		return
	}

	id := r.PathValue("id")
	entry, err := deps.History.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "HISTORY_NOT_FOUND", "history entry was not found", false, map[string]any{"id": id})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to load history entry", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
