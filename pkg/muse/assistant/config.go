// Package assistant implements the writing assistant: prompt assembly over the
// card corpus, generation with automatic continuation, rolling conversation
// summaries and per-session usage accounting.
package assistant

import (
	"time"

	"github.com/storydeck/muse/pkg/muse/memory"
)

// Config is the top-level muse configuration.
type Config struct {
	// Model is the chat model used for generation.
	Model string `yaml:"model"`

	API       APIConfig              `yaml:"api"`
	Embedding memory.ProviderConfig  `yaml:"embedding"`
	Retrieval memory.RetrieverConfig `yaml:"retrieval"`
	Budgets   BudgetConfig           `yaml:"budgets"`
	Workspace WorkspaceConfig        `yaml:"workspace"`
}

// APIConfig configures the generation endpoint.
type APIConfig struct {
	// BaseURL of an OpenAI-compatible chat completions endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey may be a literal value or a ${VAR} reference resolved at load
	// time. Prefer the vault or OS keyring over putting a key here.
	APIKey string `yaml:"api_key"`

	// Timeout is the per-call request timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxTokens caps output tokens per generation call (0 = server default).
	MaxTokens int `yaml:"max_tokens"`
}

// BudgetConfig holds the per-section character caps of the assembled prompt.
// Zero values take the defaults; the defaults are tuned so a full prompt
// stays comfortably inside small context windows.
type BudgetConfig struct {
	ScopedContext     int `yaml:"scoped_context"`
	CategorySummary   int `yaml:"category_summary"`
	RetrievalContext  int `yaml:"retrieval_context"`
	RecentHistory     int `yaml:"recent_history"`
	RollingSummary    int `yaml:"rolling_summary"`
	UserMessage       int `yaml:"user_message"`
	HistoryWindowSize int `yaml:"history_window_size"`
}

// WorkspaceConfig locates the per-workspace artifacts. Root holds one
// subdirectory per workspace; Name selects the active one.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
	Name string `yaml:"name"`
}

// DefaultBudgets returns the standard prompt budgets.
func DefaultBudgets() BudgetConfig {
	return BudgetConfig{
		ScopedContext:     1200,
		CategorySummary:   500,
		RetrievalContext:  900,
		RecentHistory:     700,
		RollingSummary:    520,
		UserMessage:       600,
		HistoryWindowSize: 6,
	}
}

// Effective fills zero fields with defaults.
func (b BudgetConfig) Effective() BudgetConfig {
	d := DefaultBudgets()
	if b.ScopedContext <= 0 {
		b.ScopedContext = d.ScopedContext
	}
	if b.CategorySummary <= 0 {
		b.CategorySummary = d.CategorySummary
	}
	if b.RetrievalContext <= 0 {
		b.RetrievalContext = d.RetrievalContext
	}
	if b.RecentHistory <= 0 {
		b.RecentHistory = d.RecentHistory
	}
	if b.RollingSummary <= 0 {
		b.RollingSummary = d.RollingSummary
	}
	if b.UserMessage <= 0 {
		b.UserMessage = d.UserMessage
	}
	if b.HistoryWindowSize <= 0 {
		b.HistoryWindowSize = d.HistoryWindowSize
	}
	return b
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Model: "gpt-4o-mini",
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
			Timeout: 90 * time.Second,
		},
		Embedding: memory.DefaultProviderConfig(),
		Budgets:   DefaultBudgets(),
		Workspace: WorkspaceConfig{Root: ".", Name: "default"},
	}
}
