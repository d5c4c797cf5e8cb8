package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/querydesk/querydesk/internal/schema"
)

const (
	defaultModel       = "gpt-4o-mini"
	summarySampleRows  = 5
	translateMaxTokens = 300
	summaryMaxTokens   = 200
)

type OpenAIConfig struct {
	BaseURL            string
	APIKey             string
	Model              string
	Temperature        float64
	SummaryTemperature float64
	Timeout            time.Duration
}

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL            string
	apiKey             string
	model              string
	temperature        float64
	summaryTemperature float64
	client             *http.Client
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL:            strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:             strings.TrimSpace(cfg.APIKey),
		model:              model,
		temperature:        cfg.Temperature,
		summaryTemperature: cfg.SummaryTemperature,
		client:             &http.Client{Timeout: timeout},
	}, nil
}

func (c *OpenAIClient) Model() string {
	return c.model
}

func (c *OpenAIClient) Translate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return Result{}, fmt.Errorf("question is required")
	}
	queryType := ClassifyQuestion(req.Question)
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: "You are an expert SQL query generator that translates natural language to precise, efficient SQL queries. You have deep understanding of database structures and query optimization."},
		{Role: "user", Content: buildTranslatePrompt(req, queryType)},
	}, c.temperature, translateMaxTokens)
	if err != nil {
		return Result{}, err
	}

	sql := CleanSQL(content)
	if sql == "" {
		return Result{}, fmt.Errorf("model returned empty SQL")
	}
	return Result{
		SQL:       sql,
		QueryType: queryType,
		Provider:  "openai-compatible",
		Model:     c.model,
	}, nil
}

// Summarize describes a result set in a few sentences. Empty results are
// answered locally without calling the model.
func (c *OpenAIClient) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	if len(req.Rows) == 0 {
		return NoDataSummary, nil
	}
	content, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: "You provide concise, insightful summaries of database query results."},
		{Role: "user", Content: buildSummaryPrompt(req)},
	}, c.summaryTemperature, summaryMaxTokens)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

func (c *OpenAIClient) complete(ctx context.Context, messages []chatMessage, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request chat completion: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, string(rawRespBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func buildTranslatePrompt(req Request, queryType QueryType) string {
	tables := schema.Parse(req.Schema)
	structure := make(map[string][]string, len(tables))
	for _, table := range tables {
		names := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			names = append(names, column.Name)
		}
		structure[table.Name] = names
	}
	structureJSON, _ := json.MarshalIndent(structure, "", "  ")

	dialect := req.Dialect
	if dialect == "" {
		dialect = "SQL"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an advanced natural language to SQL converter with expertise in %s. Convert the following question into a precise, efficient SQL query.\n\n", dialect)
	fmt.Fprintf(&b, "Database schema:\n%s\n\n", req.Schema)
	fmt.Fprintf(&b, "Database structure:\n%s\n\n", structureJSON)
	if history := historyContext(req.History); history != "" {
		b.WriteString(history)
	}
	fmt.Fprintf(&b, "Question: %s\n\n", strings.TrimSpace(req.Question))
	fmt.Fprintf(&b, "Identified query type: %s\n\n", queryType)
	if examples := FewShotExamples(queryType, tables); examples != "" {
		b.WriteString(examples)
	}
	b.WriteString(`Important guidelines:
1. Only return the SQL query without any explanation or markdown formatting
2. Do not use backticks or any other formatting
3. Only use SELECT statements or SHOW statements
4. Your response should be a valid SQL query that can be executed directly
5. Keep it focused on answering the question with the most efficient query
6. ALWAYS use fully qualified column names (table_name.column_name) when the query involves multiple tables
7. Be particularly careful with JOIN operations to avoid ambiguous column references

SQL Query:
`)
	return b.String()
}

func buildSummaryPrompt(req SummaryRequest) string {
	var b strings.Builder
	b.WriteString("Analyze the following database query and results:\n\n")
	fmt.Fprintf(&b, "Natural Language Query: %s\n", req.Question)
	fmt.Fprintf(&b, "SQL Query: %s\n\n", req.SQL)
	fmt.Fprintf(&b, "Data sample (first %d rows):\n%s\n", summarySampleRows, formatSample(req.Columns, req.Rows, summarySampleRows))
	fmt.Fprintf(&b, "Total rows returned: %d\nColumns returned: %d\n\n", len(req.Rows), len(req.Columns))
	b.WriteString("Please provide a concise, meaningful summary of these results in 3-4 sentences. ")
	b.WriteString("Focus on key insights, patterns, or notable findings in the data.\n")
	return b.String()
}

func formatSample(columns []string, rows [][]any, limit int) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(columns, "\t"))
	for i, row := range rows {
		if i == limit {
			break
		}
		cells := make([]string, len(row))
		for j, value := range row {
			if value == nil {
				cells[j] = "NULL"
				continue
			}
			cells[j] = fmt.Sprint(value)
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()
	return buf.String()
}
