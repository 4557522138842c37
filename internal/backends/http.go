package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultModel is used when an endpoint does not name one.
const DefaultModel = "gpt-4o-mini"

// Endpoint is one OpenAI-compatible service.
type Endpoint struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Config configures the HTTP client. Search and Image are optional; calls
// against an unconfigured endpoint fail with a configuration error.
type Config struct {
	AI      Endpoint
	Search  Endpoint
	Image   Endpoint
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPClient implements Generator, Searcher and ImageGenerator over HTTP.
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

var (
	_ Generator      = (*HTTPClient)(nil)
	_ Searcher       = (*HTTPClient)(nil)
	_ ImageGenerator = (*HTTPClient)(nil)
)

// NewHTTPClient creates a client with defaults applied.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.AI.Model == "" {
		cfg.AI.Model = DefaultModel
	}
	if cfg.Image.Model == "" {
		cfg.Image.Model = "dall-e-3"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema jsonSchemaSpec `json:"json_schema"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// GenerateStructured calls /chat/completions with a json_schema response
// format and decodes the first choice as an object.
func (c *HTTPClient) GenerateStructured(ctx context.Context, req StructuredRequest) (map[string]any, Usage, error) {
	name := req.Name
	if name == "" {
		name = "step_output"
	}
	body := chatRequest{
		Model: c.cfg.AI.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "Respond only with a JSON object that satisfies the provided schema."},
			{Role: "user", Content: req.Prompt},
		},
		ResponseFormat: &responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaSpec{Name: name, Strict: true, Schema: req.Contract},
		},
	}

	var resp chatResponse
	if err := c.post(ctx, c.cfg.AI, "/chat/completions", body, &resp); err != nil {
		return nil, Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return nil, resp.Usage, schema.NewError(schema.ErrCodeExecutor, "no response choices from model")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var fields map[string]any
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, resp.Usage, schema.NewError(schema.ErrCodeExecutor, "model returned non-object output").
			WithCause(err).WithDetails(map[string]any{"content": truncate(content, 200)})
	}

	c.logger.Debug("structured generation complete",
		"model", c.cfg.AI.Model,
		"fields", len(fields),
		"total_tokens", resp.Usage.TotalTokens,
	)
	return fields, resp.Usage, nil
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
	Usage Usage `json:"usage"`
}

// Search posts the query to {search}/search and flattens the answer and
// results into a text digest.
func (c *HTTPClient) Search(ctx context.Context, query string) (string, Usage, error) {
	var resp searchResponse
	if err := c.post(ctx, c.cfg.Search, "/search", map[string]any{"query": query}, &resp); err != nil {
		return "", Usage{}, err
	}

	var b strings.Builder
	if resp.Answer != "" {
		b.WriteString(resp.Answer)
		b.WriteString("\n")
	}
	for i, r := range resp.Results {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n", i+1, r.Title, r.URL, r.Content)
	}
	return strings.TrimSpace(b.String()), resp.Usage, nil
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateImage calls /images/generations and returns the first URL.
func (c *HTTPClient) GenerateImage(ctx context.Context, prompt string) (string, Usage, error) {
	body := map[string]any{
		"model":  c.cfg.Image.Model,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	}
	var resp imageResponse
	if err := c.post(ctx, c.cfg.Image, "/images/generations", body, &resp); err != nil {
		return "", Usage{}, err
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", Usage{}, schema.NewError(schema.ErrCodeExecutor, "image backend returned no url")
	}
	return resp.Data[0].URL, Usage{}, nil
}

func (c *HTTPClient) post(ctx context.Context, ep Endpoint, path string, body, out any) error {
	if ep.BaseURL == "" {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "backend endpoint for %s is not configured", path)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(ep.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeTimeout, "backend request cancelled").WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodeExecutor, "backend request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return schema.NewError(schema.ErrCodeExecutor, "read backend response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("backend request rejected", "url", url, "status", resp.StatusCode)
		return schema.NewErrorf(schema.ErrCodeExecutor, "backend returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(string(raw), 500)})
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewError(schema.ErrCodeExecutor, "decode backend response").WithCause(err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
