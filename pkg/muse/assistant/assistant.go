// Package assistant – assistant.go wires the pieces together: cards in,
// retrieval, prompt assembly, generation with continuation, session
// persistence.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/storydeck/muse/pkg/muse/cards"
	"github.com/storydeck/muse/pkg/muse/memory"
)

// summaryRefreshInterval controls how often the rolling summary is folded
// with fresh history: every Nth turn, and whenever it is empty.
const summaryRefreshInterval = 4

// Response is one answered turn.
type Response struct {
	Text         string
	Usage        Usage
	Preview      PromptPreview
	ContextLines []string
}

// Assistant drives one workspace's chat loop.
type Assistant struct {
	cfg       *Config
	repo      cards.Repository
	workspace string
	index     *memory.EmbeddingIndex
	store     *memory.IndexStore
	retriever *memory.Retriever
	builder   *Builder
	handler   *ContinuationHandler
	sessions  *SessionStore
	thread    *Thread

	digestCache map[string]memory.Digest
	logger      *slog.Logger
}

// New builds an assistant for the configured workspace. The embedding index
// and the local index store live under <workspace>/.muse; a failure to open
// the store degrades to in-memory retrieval instead of failing startup.
func New(cfg *Config, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}

	workspace := cfg.Workspace.Name
	if workspace == "" {
		workspace = "default"
	}
	stateDir := filepath.Join(cfg.Workspace.Root, workspace, ".muse")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	provider := memory.NewProvider(cfg.Embedding, logger)
	index := memory.NewEmbeddingIndex(memory.EmbeddingIndexConfig{
		Path:  filepath.Join(stateDir, "embeddings.json"),
		Model: cfg.Embedding.Model,
	}, logger)

	store, err := memory.OpenIndexStore(filepath.Join(stateDir, "index.db"), logger)
	if err != nil {
		logger.Warn("local index unavailable, falling back to in-memory retrieval", "error", err)
		store = nil
	}

	sessions, err := NewSessionStore(filepath.Join(stateDir, "sessions"), logger)
	if err != nil {
		return nil, err
	}
	thread, err := sessions.LoadLatest()
	if err != nil {
		logger.Warn("could not load previous session, starting fresh", "error", err)
		thread = sessions.NewThread()
	}

	a := &Assistant{
		cfg:         cfg,
		repo:        cards.NewFileRepository(cfg.Workspace.Root),
		workspace:   workspace,
		index:       index,
		store:       store,
		retriever:   memory.NewRetriever(index, store, provider, cfg.Retrieval, logger),
		builder:     NewBuilder(cfg.Budgets, cfg.Retrieval),
		handler:     NewContinuationHandler(NewLLMClient(cfg, logger), cfg.API.MaxTokens, cfg.API.Timeout, logger),
		sessions:    sessions,
		thread:      thread,
		digestCache: make(map[string]memory.Digest),
		logger:      logger.With("component", "assistant"),
	}
	a.loadPersistedIndex()
	return a, nil
}

// loadPersistedIndex restores embedding records for still-visible cards.
func (a *Assistant) loadPersistedIndex() {
	corpus, err := a.repo.Cards(context.Background(), a.workspace)
	if err != nil {
		a.logger.Warn("could not read cards for index load", "error", err)
		return
	}

	validIDs := make(map[string]bool)
	for _, c := range cards.VisibleCards(corpus) {
		validIDs[c.ID] = true
	}
	if err := a.index.Load(validIDs, a.cfg.Embedding.Dimensions); err != nil {
		a.logger.Warn("embedding index load failed, starting empty", "error", err)
	}
}

// Thread returns the active conversation thread.
func (a *Assistant) Thread() *Thread { return a.thread }

// Ask answers one writer message: retrieve, assemble, generate, persist.
// Cancellation before or during generation leaves the thread, rolling
// summary and digest cache untouched.
func (a *Assistant) Ask(ctx context.Context, message string) (*Response, error) {
	if err := RequireAPIKey(a.cfg); err != nil {
		return nil, err
	}

	corpus, err := a.repo.Cards(ctx, a.workspace)
	if err != nil {
		return nil, fmt.Errorf("loading cards: %w", err)
	}
	scopeList, err := a.repo.Scope(ctx, a.workspace)
	if err != nil {
		a.logger.Warn("could not read scope, continuing unscoped", "error", err)
	}
	scopedIDs := toIDSet(scopeList)

	digests := a.refreshDigests(corpus)
	contextLines := a.retriever.Retrieve(ctx, message, corpus, scopedIDs, digests)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	refresh := len(a.thread.Turns) > 0 && len(a.thread.Turns)%summaryRefreshInterval == 0
	built := a.builder.Build(BuildInput{
		Cards:           corpus,
		ScopedIDs:       scopedIDs,
		ScopeLabel:      scopeLabel(corpus, scopedIDs),
		History:         a.thread.Turns,
		UserMessage:     message,
		RollingSummary:  a.thread.RollingSummary,
		RefreshSummary:  refresh,
		DigestCache:     digests,
		SemanticContext: contextLines,
	})

	result, err := a.handler.Generate(ctx, built.Prompt)
	if err != nil {
		return nil, err
	}

	// Commit only after a complete result.
	a.digestCache = built.DigestCache
	a.thread.RollingSummary = built.RollingSummary
	a.thread.Append(Turn{
		UserMessage:       message,
		AssistantResponse: result.Text,
		Usage:             result.Usage,
		At:                time.Now().UTC(),
	})
	if err := a.sessions.Save(a.thread); err != nil {
		a.logger.Warn("failed to persist session", "error", err)
	}

	return &Response{
		Text:         result.Text,
		Usage:        result.Usage,
		Preview:      built.Preview,
		ContextLines: contextLines,
	}, nil
}

// refreshDigests updates the digest cache for the current corpus.
func (a *Assistant) refreshDigests(corpus []cards.Snapshot) map[string]memory.Digest {
	digests := make(map[string]memory.Digest)
	for _, c := range cards.VisibleCards(corpus) {
		var cached *memory.Digest
		if d, ok := a.digestCache[c.ID]; ok {
			cached = &d
		}
		digests[c.ID] = memory.BuildDigest(c.ID, c.Content, cached)
	}
	a.digestCache = digests
	return digests
}

// Search runs retrieval standalone, without a generation call.
func (a *Assistant) Search(ctx context.Context, query string) ([]string, error) {
	corpus, err := a.repo.Cards(ctx, a.workspace)
	if err != nil {
		return nil, fmt.Errorf("loading cards: %w", err)
	}
	scopeList, _ := a.repo.Scope(ctx, a.workspace)
	scopedIDs := toIDSet(scopeList)

	digests := a.refreshDigests(corpus)
	lines := a.retriever.Retrieve(ctx, query, corpus, scopedIDs, digests)
	if lines == nil {
		lines = memory.LexicalRetrieve(query, corpus, scopedIDs, digests, a.cfg.Retrieval)
	}
	return lines, nil
}

// RebuildIndex re-embeds every visible card and syncs the durable index.
func (a *Assistant) RebuildIndex(ctx context.Context) (int, error) {
	corpus, err := a.repo.Cards(ctx, a.workspace)
	if err != nil {
		return 0, fmt.Errorf("loading cards: %w", err)
	}

	digests := a.refreshDigests(corpus)
	if err := a.retriever.EnsureIndexed(ctx, corpus, digests); err != nil {
		return 0, err
	}
	return a.index.Len(), nil
}

// IndexStats reports the durable index's row counts, zero when disabled.
func (a *Assistant) IndexStats() (cardRows, postingRows int) {
	if a.store == nil {
		return 0, 0
	}
	return a.store.CardCount(), a.store.PostingCount()
}

// Close flushes the embedding index and closes the durable store.
func (a *Assistant) Close() error {
	if err := a.index.Close(); err != nil {
		a.logger.Warn("embedding index close failed", "error", err)
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// toIDSet converts a scope ID list into a lookup set.
func toIDSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// scopeLabel derives a heading for the scoped block: the scoped cards'
// dominant category, or a generic label. Ties go to the category appearing
// first in canonical card order so the heading is stable across calls.
func scopeLabel(corpus []cards.Snapshot, scopedIDs map[string]bool) string {
	if len(scopedIDs) == 0 {
		return ""
	}
	counts := make(map[string]int)
	var order []string
	for _, c := range corpus {
		if !scopedIDs[c.ID] || c.Category == "" {
			continue
		}
		if _, seen := counts[c.Category]; !seen {
			order = append(order, c.Category)
		}
		counts[c.Category]++
	}

	best := ""
	for _, category := range order {
		if best == "" || counts[category] > counts[best] {
			best = category
		}
	}
	if best == "" {
		return "Current focus"
	}
	return "Current focus: " + best
}
