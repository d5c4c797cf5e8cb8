package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/querydesk/querydesk/internal/auth"
	schemadb "github.com/querydesk/querydesk/internal/schema/sqldb"
)

type databaseRequest struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

func decodeDatabaseRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (schemadb.Config, bool) {
	if !requireRoles(w, r, auth.RoleSchemaAdmin) {
		return schemadb.Config{}, false
	}
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "ASSISTANT_NOT_CONFIGURED", "query assistant is not configured", false, nil)
		return schemadb.Config{}, false
	}
	var req databaseRequest
	if !decodeJSON(w, r, &req) {
		return schemadb.Config{}, false
	}
	if strings.TrimSpace(req.DSN) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DSN_REQUIRED", "dsn is required", false, nil)
		return schemadb.Config{}, false
	}
	return schemadb.Config{Driver: strings.TrimSpace(req.Driver), DSN: strings.TrimSpace(req.DSN)}, true
}

// handleReconnectDatabase points the service at another database. The DSN is
// never logged or echoed since it usually carries credentials.
func handleReconnectDatabase(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeDatabaseRequest(deps, w, r)
	if !ok {
		return
	}
	databaseID, err := deps.Assistant.Reconnect(r.Context(), cfg)
	if err != nil {
		writeConnectError(w, r, err)
		return
	}
	if deps.Logger != nil {
		deps.Logger.InfoContext(r.Context(), "database connection replaced",
			"subject", subjectFromRequest(r),
			"database", databaseID,
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "connected", "database": databaseID})
}

// handleTestDatabase reports reachability as data; only bad input is an error.
func handleTestDatabase(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	cfg, ok := decodeDatabaseRequest(deps, w, r)
	if !ok {
		return
	}
	databaseID, err := deps.Assistant.TestConnection(r.Context(), cfg)
	if errors.Is(err, schemadb.ErrUnsupportedDriver) {
		writeConnectError(w, r, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"reachable": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reachable": true, "database": databaseID})
}

func writeConnectError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, schemadb.ErrUnsupportedDriver) {
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_DRIVER", err.Error(), false,
			map[string]any{"supported": schemadb.SupportedDialects()})
		return
	}
	writeError(r.Context(), w, http.StatusBadGateway, "DATABASE_UNREACHABLE", "could not connect to database", true,
		map[string]any{"details": err.Error()})
}
