// embeddings_gemini.go implements the Google Gemini embedding provider.
// Gemini distinguishes retrieval queries from retrieval documents via an
// explicit task type on every request, which is why the Provider interface
// threads TaskType through: the two must stay semantically distinct.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-embedding-001"
	defaultGeminiDims    = 768
)

// GeminiProvider generates embeddings using the Google Gemini API.
type GeminiProvider struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	client     *http.Client
}

// NewGeminiProvider creates a Gemini embedding provider.
func NewGeminiProvider(cfg ProviderConfig) *GeminiProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = defaultGeminiDims
	}
	return &GeminiProvider{
		apiKey:     resolveAPIKey(cfg.APIKey, "GOOGLE_API_KEY"),
		model:      model,
		dimensions: dims,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     newEmbedHTTPClient(cfg.Timeout),
	}
}

// geminiTaskType maps the engine task type onto Gemini's wire values.
func geminiTaskType(task TaskType) string {
	if task == TaskQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// geminiEmbedRequest is the Gemini embedContent request body.
type geminiEmbedRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	TaskType             string        `json:"taskType,omitempty"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

// geminiBatchEmbedRequest is the Gemini batchEmbedContents request body.
type geminiBatchEmbedRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

// geminiContent wraps text parts for the Gemini API.
type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

// geminiPart is a single text part.
type geminiPart struct {
	Text string `json:"text"`
}

// geminiEmbeddingValues holds one embedding vector.
type geminiEmbeddingValues struct {
	Values []float32 `json:"values"`
}

// geminiError represents a Gemini API error.
type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// geminiEmbedResponse is the single embedContent response.
type geminiEmbedResponse struct {
	Embedding *geminiEmbeddingValues `json:"embedding"`
	Error     *geminiError           `json:"error,omitempty"`
}

// geminiBatchEmbedResponse is the batchEmbedContents response.
type geminiBatchEmbedResponse struct {
	Embeddings []geminiEmbeddingValues `json:"embeddings"`
	Error      *geminiError            `json:"error,omitempty"`
}

// Embed generates embeddings for a batch of texts. Uses batchEmbedContents
// for multiple texts, embedContent for a single one.
func (p *GeminiProvider) Embed(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		return p.embedSingle(ctx, texts[0], task)
	}
	return p.embedBatch(ctx, texts, task)
}

func (p *GeminiProvider) embedSingle(ctx context.Context, text string, task TaskType) ([][]float32, error) {
	reqBody := geminiEmbedRequest{
		Model:    "models/" + p.model,
		Content:  geminiContent{Parts: []geminiPart{{Text: text}}},
		TaskType: geminiTaskType(task),
	}
	if p.dimensions > 0 {
		reqBody.OutputDimensionality = p.dimensions
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", p.baseURL, p.model, p.apiKey)
	respBody, err := p.post(ctx, url, reqBody)
	if err != nil {
		return nil, err
	}

	var result geminiEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("gemini: unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("gemini: embed API error: %s", result.Error.Message)
	}
	if result.Embedding == nil {
		return nil, fmt.Errorf("gemini: empty embedding response")
	}
	return [][]float32{result.Embedding.Values}, nil
}

func (p *GeminiProvider) embedBatch(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	requests := make([]geminiEmbedRequest, len(texts))
	for i, text := range texts {
		requests[i] = geminiEmbedRequest{
			Model:    "models/" + p.model,
			Content:  geminiContent{Parts: []geminiPart{{Text: text}}},
			TaskType: geminiTaskType(task),
		}
		if p.dimensions > 0 {
			requests[i].OutputDimensionality = p.dimensions
		}
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", p.baseURL, p.model, p.apiKey)
	respBody, err := p.post(ctx, url, geminiBatchEmbedRequest{Requests: requests})
	if err != nil {
		return nil, err
	}

	var result geminiBatchEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("gemini: unmarshal batch embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("gemini: batch embed API error: %s", result.Error.Message)
	}

	embeddings := make([][]float32, len(texts))
	for i := range texts {
		if i < len(result.Embeddings) {
			embeddings[i] = result.Embeddings[i].Values
		}
	}
	return embeddings, nil
}

func (p *GeminiProvider) post(ctx context.Context, url string, body any) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("gemini: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini: read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini: embed API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Dimensions returns the output vector dimensionality.
func (p *GeminiProvider) Dimensions() int { return p.dimensions }

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// Model returns the model name.
func (p *GeminiProvider) Model() string { return p.model }
