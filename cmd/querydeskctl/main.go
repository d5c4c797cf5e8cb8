package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/querydesk/querydesk/internal/cli/querydeskctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("QUERYDESK_CLI_TIMEOUT")), 60*time.Second)
	options := querydeskctl.Options{
		BaseURL: envOr("QUERYDESK_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("QUERYDESK_API_KEY")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := querydeskctl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid QUERYDESK_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
