package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querydesk/querydesk/internal/assistant"
	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/config"
	"github.com/querydesk/querydesk/internal/history"
	"github.com/querydesk/querydesk/internal/observability"
	schemadb "github.com/querydesk/querydesk/internal/schema/sqldb"
	"github.com/querydesk/querydesk/internal/storage"
)

type ReadinessCheck func(ctx context.Context) error

// Assistant is the question and SQL pipeline behind the /v1 routes.
type Assistant interface {
	DatabaseConfigured() bool
	Schema(ctx context.Context) (string, string, error)
	ClearSchemaCache()
	FixSQL(ctx context.Context, sqlText string) string
	RunSQL(ctx context.Context, sqlText string, rowLimit int) (assistant.QueryResponse, error)
	Ask(ctx context.Context, req assistant.AskRequest) (assistant.AskResponse, error)
	Reconnect(ctx context.Context, cfg schemadb.Config) (string, error)
	TestConnection(ctx context.Context, cfg schemadb.Config) (string, error)
}

type HistoryReader interface {
	Get(ctx context.Context, id string) (history.Entry, error)
	List(ctx context.Context, filter history.ListFilter) ([]history.Entry, error)
}

type ExportReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Assistant         Assistant
	History           HistoryReader
	Exports           ExportReader
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"GET /v1/schema": func(w http.ResponseWriter, r *http.Request) {
			handleGetSchema(deps, w, r)
		},
		"DELETE /v1/schema/cache": func(w http.ResponseWriter, r *http.Request) {
			handleClearSchemaCache(deps, w, r)
		},
		"PUT /v1/database": func(w http.ResponseWriter, r *http.Request) {
			handleReconnectDatabase(deps, w, r)
		},
		"POST /v1/database/test": func(w http.ResponseWriter, r *http.Request) {
			handleTestDatabase(deps, w, r)
		},
		"POST /v1/sql/validate": func(w http.ResponseWriter, r *http.Request) {
			handleValidateSQL(w, r)
		},
		"POST /v1/sql/fix": func(w http.ResponseWriter, r *http.Request) {
			handleFixSQL(deps, w, r)
		},
		"POST /v1/query": func(w http.ResponseWriter, r *http.Request) {
			handleQuery(deps, w, r)
		},
		"POST /v1/ask": func(w http.ResponseWriter, r *http.Request) {
			handleAsk(deps, w, r)
		},
		"GET /v1/history": func(w http.ResponseWriter, r *http.Request) {
			handleListHistory(deps, w, r)
		},
		"GET /v1/history/{id}": func(w http.ResponseWriter, r *http.Request) {
			handleGetHistory(deps, w, r)
		},
		"GET /v1/exports/{key...}": func(w http.ResponseWriter, r *http.Request) {
			handleDownloadExport(deps, w, r)
		},
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		mux.Handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// CheckPing turns a connection test into a readiness check named after the dependency.
func CheckPing(name string, ping func(context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return errors.New(name + " is not reachable: " + err.Error())
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func requireRoles(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	if err := auth.RequireAnyRole(r.Context(), roles...); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	return true
}

func subjectFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Subject
	}
	return strings.TrimSpace(r.Header.Get("X-Subject"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
