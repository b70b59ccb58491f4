package assistant

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MUSE_TEST_SET", "resolved")
	os.Unsetenv("MUSE_TEST_UNSET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced set", "key: ${MUSE_TEST_SET}", "key: resolved"},
		{"braced unset keeps placeholder", "key: ${MUSE_TEST_UNSET}", "key: ${MUSE_TEST_UNSET}"},
		{"default used when unset", "key: ${MUSE_TEST_UNSET:-fallback}", "key: fallback"},
		{"default ignored when set", "key: ${MUSE_TEST_SET:-fallback}", "key: resolved"},
		{"bare var", "key: $MUSE_TEST_SET", "key: resolved"},
		{"bare unset keeps placeholder", "key: $MUSE_TEST_UNSET", "key: $MUSE_TEST_UNSET"},
		{"no reference", "key: plain", "key: plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	t.Parallel()

	yaml := `
model: custom-model
api:
  base_url: https://llm.example.com/v1
budgets:
  retrieval_context: 400
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Model != "custom-model" {
		t.Errorf("model = %q", cfg.Model)
	}
	if cfg.API.BaseURL != "https://llm.example.com/v1" {
		t.Errorf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.Timeout != 90*time.Second {
		t.Errorf("timeout = %v, want default", cfg.API.Timeout)
	}
	if cfg.Budgets.RetrievalContext != 400 {
		t.Errorf("retrieval budget = %d, want override", cfg.Budgets.RetrievalContext)
	}
	if cfg.Budgets.ScopedContext != DefaultBudgets().ScopedContext {
		t.Errorf("scoped budget = %d, want default", cfg.Budgets.ScopedContext)
	}
	if cfg.Embedding.Model == "" || cfg.Embedding.Dimensions <= 0 {
		t.Errorf("embedding defaults missing: %+v", cfg.Embedding)
	}
}

func TestLoadConfigResolvesSecretsAndRoot(t *testing.T) {
	t.Setenv("MUSE_API_KEY", "sk-from-env")
	t.Setenv("GEMINI_API_KEY", "gk-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "muse.yaml")
	yaml := `
model: test-model
api:
  api_key: ${MUSE_API_KEY}
workspace:
  root: stories
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.API.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want value from env", cfg.API.APIKey)
	}
	if cfg.Embedding.APIKey != "gk-from-env" {
		t.Errorf("embedding key = %q, want value from env", cfg.Embedding.APIKey)
	}
	if want := filepath.Join(dir, "stories"); cfg.Workspace.Root != want {
		t.Errorf("workspace root = %q, want %q", cfg.Workspace.Root, want)
	}
}

func TestSaveConfigSanitizesSecrets(t *testing.T) {
	t.Setenv("MUSE_API_KEY", "sk-live-secret")

	dir := t.TempDir()
	path := filepath.Join(dir, "muse.yaml")

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-live-secret"
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "sk-live-secret") {
		t.Error("literal API key must not be written to disk")
	}
	if !strings.Contains(string(data), "${MUSE_API_KEY}") {
		t.Error("saved config must reference the env var instead")
	}

	// A second save keeps a backup of the previous file.
	cfg.Model = "changed"
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestIsEnvReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"${MUSE_API_KEY}", true},
		{"$MUSE_API_KEY", true},
		{"sk-literal", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEnvReference(tt.in); got != tt.want {
			t.Errorf("IsEnvReference(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
