package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Client is an OpenAI-compatible LLM client covering chat completions and
// embeddings.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	embedModel     string
	label          string // tier name used in debug log lines (e.g. "PLANNER", "EMBED")
	enableThinking bool   // sends "enable_thinking":true in the request body
	maxTokens      int    // default max_tokens when a call does not set one; 0 = provider default
	retry          Retry
	httpClient     *http.Client
}

const defaultEmbedModel = "text-embedding-3-small"

// normalizeBaseURL strips trailing slashes and the "/chat/completions" suffix
// from a raw OPENAI_BASE_URL value so the path is never doubled when the
// client appends "/chat/completions" itself.
//
// Expectations:
//   - Strips a trailing "/chat/completions" suffix
//   - Strips a trailing slash without "/chat/completions"
//   - Strips trailing slash AND "/chat/completions" when both are present
//   - Returns the URL unchanged when neither suffix is present
//   - Returns "" for empty input
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// New creates a Client from the shared environment variables:
//
//	OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL, OPENAI_EMBED_MODEL
func New() *Client {
	return NewTier("")
}

// NewTier creates a Client for a named tier (e.g. "PLANNER", "EMBED").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared OPENAI_{KEY}. An empty prefix reads only the shared vars,
// making it equivalent to New().
//
// Example: prefix "PLANNER" resolves credentials as:
//
//	PLANNER_API_KEY        → OPENAI_API_KEY
//	PLANNER_BASE_URL       → OPENAI_BASE_URL
//	PLANNER_MODEL          → OPENAI_MODEL
//	PLANNER_EMBED_MODEL    → OPENAI_EMBED_MODEL → text-embedding-3-small
//	PLANNER_ENABLE_THINKING (no fallback; defaults false)
//
// Expectations:
//   - Uses {prefix}_API_KEY / _BASE_URL / _MODEL when set and non-empty
//   - Falls back to OPENAI_* vars for any unset tier-specific var
//   - Sets enableThinking when {prefix}_ENABLE_THINKING == "true"
//   - Empty prefix reads only OPENAI_* (identical to New())
//   - Embedding model defaults to text-embedding-3-small
func NewTier(prefix string) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	enableThinking := prefix != "" && os.Getenv(prefix+"_ENABLE_THINKING") == "true"
	label := prefix
	if label == "" {
		label = "LLM"
	}
	embedModel := get("EMBED_MODEL", "OPENAI_EMBED_MODEL")
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	return &Client{
		baseURL:        normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:         get("API_KEY", "OPENAI_API_KEY"),
		model:          get("MODEL", "OPENAI_MODEL"),
		embedModel:     embedModel,
		label:          label,
		enableThinking: enableThinking,
		httpClient:     &http.Client{Timeout: 120 * time.Second},
	}
}

// WithDefaults returns a copy of c with config-file overrides applied. Empty
// values keep what the environment provided.
func (c *Client) WithDefaults(model string, maxTokens int, timeout time.Duration) *Client {
	cp := *c
	if model != "" {
		cp.model = model
	}
	if maxTokens > 0 {
		cp.maxTokens = maxTokens
	}
	if timeout > 0 {
		cp.httpClient = &http.Client{Timeout: timeout}
	}
	return &cp
}

// Validate reports missing connection settings.
//
// Expectations:
//   - Returns nil when baseURL, apiKey and model are all non-empty
//   - Lists every missing field ("base URL", "API key", "model") comma-separated
//   - Error message includes the tier label
func (c *Client) Validate() error {
	var missing []string
	if c.baseURL == "" {
		missing = append(missing, "base URL")
	}
	if c.apiKey == "" {
		missing = append(missing, "API key")
	}
	if c.model == "" {
		missing = append(missing, "model")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("llm: tier %s missing %s", c.label, strings.Join(missing, ", "))
}

// Model returns the chat model name.
func (c *Client) Model() string { return c.model }

// Message is one chat turn. A trailing assistant message acts as a prefill the
// model continues from.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// System, User and Assistant build chat turns.
func System(content string) Message    { return Message{Role: "system", Content: content} }
func User(content string) Message      { return Message{Role: "user", Content: content} }
func Assistant(content string) Message { return Message{Role: "assistant", Content: content} }

// Options tunes one completion.
type Options struct {
	MaxTokens int
	Stop      []string
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Stop           []string  `json:"stop,omitempty"`
	EnableThinking bool      `json:"enable_thinking,omitempty"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	ElapsedMs        int64 `json:"-"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends the message list and returns the assistant's text and token usage.
// No streaming: the whole completion is returned at once.
func (c *Client) Chat(ctx context.Context, msgs []Message, opts Options) (string, Usage, error) {
	for _, m := range msgs {
		slog.Debug("["+c.label+"] prompt", "role", m.Role, "content", m.Content)
	}

	payload := chatRequest{
		Model:          c.model,
		Messages:       msgs,
		MaxTokens:      opts.MaxTokens,
		Stop:           opts.Stop,
		EnableThinking: c.enableThinking,
	}
	if payload.MaxTokens == 0 {
		payload.MaxTokens = c.maxTokens
	}

	start := time.Now()
	var chatResp chatResponse
	if err := c.postRetrying(ctx, "/chat/completions", payload, &chatResp); err != nil {
		return "", Usage{}, err
	}

	if chatResp.Error != nil {
		return "", Usage{}, fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("llm: no choices in response")
	}

	usage := chatResp.Usage
	usage.ElapsedMs = time.Since(start).Milliseconds()
	content := chatResp.Choices[0].Message.Content
	slog.Debug("["+c.label+"] response", "prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens, "elapsed_ms", usage.ElapsedMs, "content", content)
	return content, usage, nil
}

// post marshals body, POSTs it to baseURL+path and decodes the JSON reply into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("llm: unmarshal response: %w", err)
	}
	return nil
}
