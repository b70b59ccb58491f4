// embeddings.go implements embedding generation for semantic retrieval.
// Providers share an OpenAI-compatible request helper; Gemini gets its own
// implementation because its API carries an explicit task type per request.
// A fallback wrapper retries a second provider before giving up, and a null
// provider disables semantic retrieval entirely.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// TaskType tells the provider what the embedded text will be used for.
// Query and document vectors live in slightly different regions of the
// embedding space on providers that support the distinction; providers that
// don't simply ignore it.
type TaskType string

const (
	// TaskDocument marks card content being indexed.
	TaskDocument TaskType = "document"

	// TaskQuery marks a user question being matched against documents.
	TaskQuery TaskType = "query"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error)

	// Dimensions returns the output vector dimensionality.
	Dimensions() int

	// Name returns the provider name (part of the persistence model key).
	Name() string

	// Model returns the embedding model name.
	Model() string
}

// ProviderConfig configures an embedding provider.
type ProviderConfig struct {
	// Provider selects the implementation ("openai", "gemini", "none").
	Provider string `yaml:"provider"`

	// Model is the embedding model name.
	Model string `yaml:"model"`

	// FallbackModel is tried when the primary model is rejected by the API.
	FallbackModel string `yaml:"fallback_model"`

	// Dimensions is the output dimensionality (0 = provider default).
	Dimensions int `yaml:"dimensions"`

	// APIKey overrides the environment lookup.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-call HTTP timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:   "gemini",
		Model:      "gemini-embedding-001",
		Dimensions: 768,
		Timeout:    30 * time.Second,
	}
}

// NewProvider creates a provider from config. Unknown names degrade to the
// null provider, which disables semantic retrieval.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}

	var p Provider
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		p = NewOpenAIProvider(cfg)
	case "gemini", "google":
		p = NewGeminiProvider(cfg)
	default:
		return &NullProvider{}
	}

	if cfg.FallbackModel != "" && cfg.FallbackModel != cfg.Model {
		fallbackCfg := cfg
		fallbackCfg.Model = cfg.FallbackModel
		fallbackCfg.FallbackModel = ""
		return NewModelFallbackProvider(p, NewProvider(fallbackCfg, logger), logger)
	}

	return p
}

// ---------- OpenAI-Compatible Provider ----------

// openAIEmbedResponse is the OpenAI-compatible embeddings API response.
type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIProvider generates embeddings against an OpenAI-compatible
// /embeddings endpoint.
type OpenAIProvider struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	client     *http.Client
}

// NewOpenAIProvider creates an OpenAI embedding provider.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIProvider{
		apiKey:     resolveAPIKey(cfg.APIKey, "OPENAI_API_KEY"),
		model:      model,
		dimensions: dims,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     newEmbedHTTPClient(cfg.Timeout),
	}
}

// Embed generates embeddings for a batch of texts. The OpenAI API has no
// task-type parameter, so task is ignored.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string, _ TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := map[string]any{
		"model": p.model,
		"input": texts,
	}
	if p.dimensions > 0 {
		body["dimensions"] = p.dimensions
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("openai: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: embed API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: embed API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("openai: unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai: embed API error: %s", result.Error.Message)
	}

	// Sort by index to match input order.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

// Dimensions returns the output vector dimensionality.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Model returns the model name.
func (p *OpenAIProvider) Model() string { return p.model }

// ---------- Null Provider ----------

// NullProvider disables semantic retrieval: retrieval degrades to the
// lexical fallback when it is configured.
type NullProvider struct{}

// Embed returns nil (no embeddings).
func (p *NullProvider) Embed(_ context.Context, _ []string, _ TaskType) ([][]float32, error) {
	return nil, nil
}

// Dimensions returns 0.
func (p *NullProvider) Dimensions() int { return 0 }

// Name returns "none".
func (p *NullProvider) Name() string { return "none" }

// Model returns "none".
func (p *NullProvider) Model() string { return "none" }

// ---------- Model Fallback ----------

// ModelFallbackProvider tries a fallback provider (typically the same API
// with an older model name) when the primary call fails. Cache keys always
// use the primary model: vectors from different models are not comparable,
// so a fallback vector is still recorded under the primary identity only
// when the whole index was produced by it.
type ModelFallbackProvider struct {
	primary  Provider
	fallback Provider
	logger   *slog.Logger
}

// NewModelFallbackProvider wraps primary with a fallback.
func NewModelFallbackProvider(primary, fallback Provider, logger *slog.Logger) *ModelFallbackProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelFallbackProvider{primary: primary, fallback: fallback, logger: logger}
}

// Embed tries the primary provider, then the fallback.
func (p *ModelFallbackProvider) Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	result, err := p.primary.Embed(ctx, texts, task)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	p.logger.Warn("embedding model failed, trying fallback",
		"primary", p.primary.Model(),
		"fallback", p.fallback.Model(),
		"error", err,
	)

	result, fallbackErr := p.fallback.Embed(ctx, texts, task)
	if fallbackErr == nil {
		return result, nil
	}
	return nil, fmt.Errorf("embedding: primary (%s) failed: %w; fallback (%s) failed: %v",
		p.primary.Model(), err, p.fallback.Model(), fallbackErr)
}

// Dimensions returns the primary provider's dimensions.
func (p *ModelFallbackProvider) Dimensions() int { return p.primary.Dimensions() }

// Name returns the primary provider's name.
func (p *ModelFallbackProvider) Name() string { return p.primary.Name() }

// Model returns the primary provider's model.
func (p *ModelFallbackProvider) Model() string { return p.primary.Model() }

// ---------- Helpers ----------

// embedWithRetry calls the provider with a deadline; a timeout is retried
// once with double the budget before surfacing. Cancellation is never
// retried.
func embedWithRetry(ctx context.Context, p Provider, texts []string, task TaskType, timeout time.Duration) ([][]float32, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	attempt := func(d time.Duration) ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Embed(callCtx, texts, task)
	}

	vecs, err := attempt(timeout)
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return attempt(2 * timeout)
}

// resolveAPIKey returns the configured key, falling back to the env var.
func resolveAPIKey(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}

// newEmbedHTTPClient creates the HTTP client shared by embedding providers.
func newEmbedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
