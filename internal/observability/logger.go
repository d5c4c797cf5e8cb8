package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/querydesk/querydesk/internal/config"
)

type ctxKey string

const (
	traceIDKey  ctxKey = "trace_id"
	databaseKey ctxKey = "database"
)

// NewLogger builds the service logger. Records logged with a context also
// carry that context's trace id and target database, so warnings raised deep
// in validation or disambiguation can be tied back to a request.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	options := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, options)
	} else {
		handler = slog.NewTextHandler(writer, options)
	}
	return slog.New(&requestContextHandler{next: handler}).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

type requestContextHandler struct {
	next slog.Handler
}

func (h *requestContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *requestContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		record.AddAttrs(slog.String("trace_id", traceID))
	}
	if database := DatabaseFromContext(ctx); database != "" {
		record.AddAttrs(slog.String("database", database))
	}
	return h.next.Handle(ctx, record)
}

func (h *requestContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &requestContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *requestContextHandler) WithGroup(name string) slog.Handler {
	return &requestContextHandler{next: h.next.WithGroup(name)}
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// ContextWithDatabase tags ctx with the id of the database a request runs against.
func ContextWithDatabase(ctx context.Context, databaseID string) context.Context {
	return context.WithValue(ctx, databaseKey, databaseID)
}

func DatabaseFromContext(ctx context.Context) string {
	value, _ := ctx.Value(databaseKey).(string)
	return value
}
