// Package assistant – llm.go implements the generation client. Uses the
// OpenAI-compatible chat completions format, which works with OpenAI,
// Anthropic proxies, and any compatible endpoint.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// GenResult holds one generation call's outcome.
type GenResult struct {
	Text         string
	FinishReason string // "stop", "length", or provider-specific
	Usage        Usage
}

// Usage holds token usage counters, accumulated across continuation calls.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Generator is the generation provider interface.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*GenResult, error)
}

// LLMClient talks to an OpenAI-compatible chat completions endpoint.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates a generation client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.API.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			// No global timeout: each call carries its own deadline via
			// context.WithTimeout.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the configured chat model.
func (c *LLMClient) Model() string { return c.model }

// ---------- Wire Types ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// apiError captures HTTP status and body for classification.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// retryable reports whether the error is worth one more attempt.
func (e *apiError) retryable() bool {
	switch e.statusCode {
	case 429, 500, 502, 503, 529:
		return true
	}
	return e.statusCode >= 500
}

// ---------- Public Methods ----------

// Generate sends the prompt as a single user message and returns the text,
// normalized finish reason and usage. A timeout or transient upstream error
// is retried once with a longer deadline; auth and request errors are not.
func (c *LLMClient) Generate(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*GenResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("no API key configured")
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	result, err := c.generateOnce(ctx, prompt, maxTokens, timeout)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var apiErr *apiError
	transient := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &apiErr) && apiErr.retryable())
	if !transient {
		return nil, err
	}

	c.logger.Warn("generation failed, retrying once", "error", err)
	return c.generateOnce(ctx, prompt, maxTokens, timeout*2)
}

func (c *LLMClient) generateOnce(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (*GenResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody := chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if maxTokens > 0 {
		reqBody.MaxTokens = &maxTokens
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion", "model", c.model, "prompt_len", len(prompt))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error", "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return nil, &apiError{statusCode: resp.StatusCode, body: string(respBody)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("API returned no choices")
	}

	choice := parsed.Choices[0]
	result := &GenResult{
		Text:         choice.Message.Content,
		FinishReason: normalizeFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens: parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", result.Usage.PromptTokens,
		"output_tokens", result.Usage.OutputTokens,
		"finish_reason", result.FinishReason,
	)
	return result, nil
}

// normalizeFinishReason maps provider variants onto "stop" and "length".
func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop", "end_turn", "stop_sequence", "":
		return "stop"
	case "length", "max_tokens", "max_output_tokens":
		return "length"
	default:
		return reason
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
