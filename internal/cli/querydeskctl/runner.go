// Package querydeskctl is the command-line client for the QueryDesk HTTP API.
package querydeskctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

// exitError carries a non-usage exit code out of a cobra command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Run executes one command and returns the process exit code:
// 0 on success, 1 when the request or the API fails, 2 on usage errors.
func Run(ctx context.Context, args []string, defaults Options) int {
	if defaults.Stdout == nil {
		defaults.Stdout = io.Discard
	}
	if defaults.Stderr == nil {
		defaults.Stderr = io.Discard
	}

	root := NewRootCommand(&defaults)
	root.SetArgs(args)
	root.SetOut(defaults.Stdout)
	root.SetErr(defaults.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		_, _ = fmt.Fprintln(defaults.Stderr, color.New(color.FgRed, color.Bold).Sprint("error: ")+exit.Error())
		return exit.code
	}
	_, _ = fmt.Fprintf(defaults.Stderr, "%v\n\n", err)
	_ = root.Usage()
	return 2
}

func NewRootCommand(opts *Options) *cobra.Command {
	client := &apiClient{}

	root := &cobra.Command{
		Use:           "querydeskctl",
		Short:         "Ask questions and run validated SQL through a QueryDesk server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			client.baseURL = strings.TrimRight(opts.BaseURL, "/")
			client.apiKey = strings.TrimSpace(opts.APIKey)
			client.http = opts.HTTPClient
			if client.http == nil {
				client.http = &http.Client{Timeout: opts.Timeout}
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.BaseURL, "base-url", firstNonEmpty(opts.BaseURL, "http://localhost:8080"), "QueryDesk API base URL")
	root.PersistentFlags().StringVar(&opts.APIKey, "api-key", opts.APIKey, "API key for authenticated requests")
	root.PersistentFlags().DurationVar(&opts.Timeout, "timeout", durationOr(opts.Timeout, 60*time.Second), "HTTP timeout (e.g. 30s)")

	root.AddCommand(
		simpleCommand(client, "health", "Check that the server is running", http.MethodGet, "/v1/health"),
		simpleCommand(client, "ready", "Check database and history connectivity", http.MethodGet, "/v1/ready"),
		simpleCommand(client, "clear-cache", "Drop cached schema descriptions", http.MethodDelete, "/v1/schema/cache"),
		schemaCommand(client),
		connectCommand(client),
		testConnectionCommand(client),
		validateCommand(client),
		fixCommand(client),
		queryCommand(client),
		askCommand(client),
		historyCommand(client),
	)
	return root
}

func simpleCommand(client *apiClient, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := client.do(cmd.Context(), method, path, nil)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), body)
			return nil
		},
	}
}

func schemaCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the schema description used for prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var response struct {
				Database string `json:"database"`
				Schema   string `json:"schema"`
			}
			if err := client.doJSON(cmd.Context(), http.MethodGet, "/v1/schema", nil, &response); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, color.New(color.FgCyan, color.Bold).Sprint("Database: ")+response.Database)
			_, _ = fmt.Fprintln(out)
			_, _ = fmt.Fprint(out, response.Schema)
			return nil
		},
	}
}

func connectCommand(client *apiClient) *cobra.Command {
	var driver string
	cmd := &cobra.Command{
		Use:   "connect <dsn>",
		Short: "Switch the server to another database and clear its schema cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var response struct {
				Database string `json:"database"`
			}
			err := client.doJSON(cmd.Context(), http.MethodPut, "/v1/database", map[string]any{"driver": driver, "dsn": args[0]}, &response)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgGreen, color.Bold).Sprint("connected: ")+response.Database)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "duckdb, mysql, postgres or sqlite (default: the current driver)")
	return cmd
}

func testConnectionCommand(client *apiClient) *cobra.Command {
	var driver string
	cmd := &cobra.Command{
		Use:   "test-connection <dsn>",
		Short: "Check that the server can reach a database (exit 1 when unreachable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var response struct {
				Reachable bool   `json:"reachable"`
				Database  string `json:"database"`
				Error     string `json:"error"`
			}
			err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/database/test", map[string]any{"driver": driver, "dsn": args[0]}, &response)
			if err != nil {
				return err
			}
			if !response.Reachable {
				return &exitError{code: 1, err: fmt.Errorf("unreachable: %s", response.Error)}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgGreen, color.Bold).Sprint("reachable: ")+response.Database)
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "duckdb, mysql, postgres or sqlite (default: the current driver)")
	return cmd
}

func validateCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <sql>",
		Short: "Check SQL against the safety policy (exit 1 when unsafe)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var response struct {
				Valid  bool   `json:"valid"`
				Reason string `json:"reason"`
			}
			if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/sql/validate", map[string]any{"sql": strings.Join(args, " ")}, &response); err != nil {
				return err
			}
			if !response.Valid {
				return &exitError{code: 1, err: fmt.Errorf("invalid: %s", response.Reason)}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), color.New(color.FgGreen, color.Bold).Sprint("valid"))
			return nil
		},
	}
}

func fixCommand(client *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "fix <sql>",
		Short: "Qualify ambiguous column references",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var response struct {
				SQL     string `json:"sql"`
				Changed bool   `json:"changed"`
			}
			if err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/sql/fix", map[string]any{"sql": strings.Join(args, " ")}, &response); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), response.SQL)
			return nil
		},
	}
}

func queryCommand(client *apiClient) *cobra.Command {
	var rowLimit int
	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Validate and execute SQL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := client.do(cmd.Context(), http.MethodPost, "/v1/query", map[string]any{
				"sql":       strings.Join(args, " "),
				"row_limit": rowLimit,
			})
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().IntVar(&rowLimit, "row-limit", 0, "maximum rows to return (0 uses the server default)")
	return cmd
}

func askCommand(client *apiClient) *cobra.Command {
	var (
		rowLimit  int
		summarize bool
		export    bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a natural-language question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var response struct {
				SQL     string   `json:"sql"`
				Columns []string `json:"columns"`
				Rows    [][]any  `json:"rows"`
				Summary string   `json:"summary"`
				Export  *struct {
					Key string `json:"key"`
				} `json:"export"`
				ExportError string `json:"export_error"`
			}
			err := client.doJSON(cmd.Context(), http.MethodPost, "/v1/ask", map[string]any{
				"question":  strings.Join(args, " "),
				"row_limit": rowLimit,
				"summarize": summarize,
				"export":    export,
			}, &response)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			label := color.New(color.FgCyan, color.Bold)
			_, _ = fmt.Fprintln(out, label.Sprint("SQL: ")+response.SQL)
			_, _ = fmt.Fprintln(out)
			writeTable(out, response.Columns, response.Rows)
			if response.Summary != "" {
				_, _ = fmt.Fprintln(out)
				_, _ = fmt.Fprintln(out, label.Sprint("Summary: ")+response.Summary)
			}
			if response.Export != nil {
				_, _ = fmt.Fprintln(out, label.Sprint("Export: ")+response.Export.Key)
			}
			if response.ExportError != "" {
				_, _ = fmt.Fprintln(out, color.New(color.FgYellow).Sprint("Export failed: ")+response.ExportError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&rowLimit, "row-limit", 0, "maximum rows to return (0 uses the server default)")
	cmd.Flags().BoolVar(&summarize, "summarize", true, "ask the model for a plain-language summary")
	cmd.Flags().BoolVar(&export, "export", false, "export the result to object storage as Parquet")
	return cmd
}

func historyCommand(client *apiClient) *cobra.Command {
	var (
		limit  int
		status string
	)
	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "List recent questions or show one entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/history"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			} else {
				query := url.Values{}
				if limit > 0 {
					query.Set("limit", strconv.Itoa(limit))
				}
				if status != "" {
					query.Set("status", status)
				}
				if encoded := query.Encode(); encoded != "" {
					path += "?" + encoded
				}
			}
			body, err := client.do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of entries to list")
	cmd.Flags().StringVar(&status, "status", "", "filter by status: succeeded, rejected or failed")
	return cmd
}

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, payload any, dst any) error {
	body, err := c.do(ctx, method, path, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &exitError{code: 1, err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exitError{code: 1, err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &exitError{code: 1, err: apiError(resp.StatusCode, body)}
	}
	return body, nil
}

func apiError(status int, body []byte) error {
	var envelope struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.ErrorCode != "" {
		return fmt.Errorf("http %d %s: %s", status, envelope.ErrorCode, envelope.Message)
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(body)))
}

func printJSON(w io.Writer, raw []byte) {
	if pretty, ok := prettyJSON(raw); ok {
		_, _ = fmt.Fprintln(w, pretty)
		return
	}
	if len(raw) > 0 {
		_, _ = fmt.Fprintln(w, string(raw))
	}
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
