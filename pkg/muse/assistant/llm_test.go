package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testClient(t *testing.T, handler http.HandlerFunc) *LLMClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.API.BaseURL = server.URL
	cfg.API.APIKey = "test-key"
	cfg.Model = "test-model"
	return NewLLMClient(cfg, slog.Default())
}

func completionJSON(text, finishReason string) string {
	resp := map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]any{"content": text},
			"finish_reason": finishReason,
		}},
		"usage": map[string]int{
			"prompt_tokens":     100,
			"completion_tokens": 20,
			"total_tokens":      120,
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestLLMGenerate(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotReq chatRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write([]byte(completionJSON("a quiet answer", "stop")))
	})

	result, err := client.Generate(context.Background(), "hello", 256, time.Second)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if result.Text != "a quiet answer" || result.FinishReason != "stop" {
		t.Errorf("result = %+v", result)
	}
	if result.Usage.PromptTokens != 100 || result.Usage.OutputTokens != 20 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "test-model" || len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "hello" {
		t.Errorf("request = %+v", gotReq)
	}
	if gotReq.MaxTokens == nil || *gotReq.MaxTokens != 256 {
		t.Errorf("max_tokens = %v, want 256", gotReq.MaxTokens)
	}
}

func TestLLMNormalizesFinishReason(t *testing.T) {
	t.Parallel()

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("cut off mid", "max_tokens")))
	})

	result, err := client.Generate(context.Background(), "hello", 0, time.Second)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.FinishReason != "length" {
		t.Errorf("finish reason = %q, want length", result.FinishReason)
	}
}

func TestLLMRetriesTransientError(t *testing.T) {
	t.Parallel()

	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(completionJSON("recovered", "stop")))
	})

	result, err := client.Generate(context.Background(), "hello", 0, time.Second)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if calls != 2 || result.Text != "recovered" {
		t.Errorf("calls = %d, text = %q", calls, result.Text)
	}
}

func TestLLMDoesNotRetryAuthError(t *testing.T) {
	t.Parallel()

	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	})

	_, err := client.Generate(context.Background(), "hello", 0, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, auth errors must not be retried", calls)
	}
}

func TestLLMRequiresAPIKey(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.API.APIKey = ""
	client := NewLLMClient(cfg, slog.Default())

	if _, err := client.Generate(context.Background(), "hello", 0, time.Second); err == nil {
		t.Fatal("missing API key must be a hard failure")
	}
}
