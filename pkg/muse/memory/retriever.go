package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/storydeck/muse/pkg/muse/cards"
)

const (
	defaultTopK            = 8
	defaultScopeBoost      = 0.08
	defaultLineBudget      = 900
	defaultCandidateFactor = 24
	defaultCandidateFloor  = 140
	defaultEmbedTimeout    = 30 * time.Second
)

// RetrieverConfig tunes ranking. Zero values fall back to the defaults
// above; the defaults are sensible for interactive scenario editing and
// rarely need changing.
type RetrieverConfig struct {
	TopK            int           `yaml:"top_k"`
	ScopeBoost      float64       `yaml:"scope_boost"`
	LineBudget      int           `yaml:"line_budget"`
	CandidateFactor int           `yaml:"candidate_factor"`
	CandidateFloor  int           `yaml:"candidate_floor"`
	EmbedTimeout    time.Duration `yaml:"embed_timeout"`
}

func (c RetrieverConfig) withDefaults() RetrieverConfig {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.ScopeBoost == 0 {
		c.ScopeBoost = defaultScopeBoost
	}
	if c.LineBudget <= 0 {
		c.LineBudget = defaultLineBudget
	}
	if c.CandidateFactor <= 0 {
		c.CandidateFactor = defaultCandidateFactor
	}
	if c.CandidateFloor <= 0 {
		c.CandidateFloor = defaultCandidateFloor
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = defaultEmbedTimeout
	}
	return c
}

// Retriever narrows candidates through the durable index, scores them with
// embedding cosine similarity and renders ranked context lines. Every
// failure along the way degrades to "no semantic context": a chat turn is
// never lost to a retrieval hiccup.
type Retriever struct {
	index    *EmbeddingIndex
	store    *IndexStore
	provider Provider
	cfg      RetrieverConfig
	logger   *slog.Logger
}

// NewRetriever builds a retriever. store may be nil, in which case candidate
// narrowing is skipped and the full visible corpus is scored.
func NewRetriever(index *EmbeddingIndex, store *IndexStore, provider Provider, cfg RetrieverConfig, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		index:    index,
		store:    store,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Retrieve ranks the corpus against the query and returns rendered context
// lines, best first, within the line budget. An empty result means no
// semantic context; callers just omit the block.
func (r *Retriever) Retrieve(ctx context.Context, query string, corpus []cards.Snapshot, scopedIDs map[string]bool, digests map[string]Digest) []string {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < 2 {
		return nil
	}

	visible := cards.VisibleCards(corpus)
	if len(visible) == 0 {
		return nil
	}

	if err := r.ensureFresh(ctx, visible, digests); err != nil {
		r.logger.Warn("embedding refresh failed, skipping semantic context", "error", err)
		return nil
	}

	candidates := r.narrowCandidates(query, visible)

	queryVec, err := r.embedQuery(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, skipping semantic context", "error", err)
		return nil
	}

	scored := make([]scoredCard, 0, len(candidates))
	for _, c := range candidates {
		vec, ok := r.index.Vector(c.ID)
		if !ok {
			continue
		}
		score := CosineSimilarity(queryVec, vec)
		if score <= 0 {
			continue
		}
		boosted := scopedIDs[c.ID]
		if boosted {
			score += r.cfg.ScopeBoost
		}
		scored = append(scored, scoredCard{card: c, score: score, boosted: boosted})
	}

	sortScored(scored)
	return renderContextLines(scored, digests, r.cfg.TopK, r.cfg.LineBudget)
}

// EnsureIndexed brings both indexes up to date for the corpus without
// running a query: stale cards are re-embedded and the durable index synced.
func (r *Retriever) EnsureIndexed(ctx context.Context, corpus []cards.Snapshot, digests map[string]Digest) error {
	return r.ensureFresh(ctx, cards.VisibleCards(corpus), digests)
}

// ensureFresh refreshes stale embedding records and mirrors any resulting
// changes into the durable index, so candidate narrowing never ranks a card
// on a vector known stale at call time.
func (r *Retriever) ensureFresh(ctx context.Context, visible []cards.Snapshot, digests map[string]Digest) error {
	stale := r.index.StaleCards(visible)
	if len(stale) > 0 {
		if err := r.index.Refresh(ctx, stale, r.provider, r.cfg.EmbedTimeout); err != nil {
			return err
		}
	}

	validIDs := make(map[string]bool, len(visible))
	for _, c := range visible {
		validIDs[c.ID] = true
	}
	r.index.Prune(validIDs)

	if r.store == nil {
		return nil
	}
	return r.syncStore(visible, validIDs, digests)
}

// syncStore pushes changed cards into the durable index in one transaction.
// Only cards whose content hash moved are re-synced; the validIDs set still
// lets the store drop anything no longer visible.
func (r *Retriever) syncStore(visible []cards.Snapshot, validIDs map[string]bool, digests map[string]Digest) error {
	storedHashes, err := r.store.StoredHashes()
	if err != nil {
		return fmt.Errorf("read stored hashes: %w", err)
	}

	now := time.Now().UTC()
	var docs []IndexDocument
	for _, c := range visible {
		hash := ContentHash(c.Content)
		if storedHashes[c.ID] == hash {
			continue
		}
		vec, _ := r.index.Vector(c.ID)
		searchText := c.Content
		if d, ok := digests[c.ID]; ok {
			searchText = d.Summary + " " + strings.Join(d.KeyFacts, " ")
		}
		docs = append(docs, IndexDocument{
			CardID:           c.ID,
			ContentHash:      hash,
			Category:         c.Category,
			OrderIndex:       c.OrderIndex,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        now,
			Vector:           vec,
			SearchText:       searchText,
			TokenFrequencies: TokenFrequencies(c.Content),
		})
	}

	if len(docs) == 0 && len(storedHashes) == len(validIDs) {
		allValid := true
		for id := range storedHashes {
			if !validIDs[id] {
				allValid = false
				break
			}
		}
		if allValid {
			return nil
		}
	}
	return r.store.SyncIndex(docs, validIDs)
}

// narrowCandidates asks the durable index for a recall-oriented candidate
// set. An empty or failed lookup falls back to the full visible corpus.
func (r *Retriever) narrowCandidates(query string, visible []cards.Snapshot) []cards.Snapshot {
	if r.store == nil {
		return visible
	}

	limit := max(r.cfg.TopK*r.cfg.CandidateFactor, r.cfg.CandidateFloor)
	ids, err := r.store.QueryCandidateIDs(Tokenize(query), limit)
	if err != nil {
		r.logger.Warn("candidate query failed, using full corpus", "error", err)
		return visible
	}
	if len(ids) == 0 {
		return visible
	}

	byID := cards.ByID(visible)
	candidates := make([]cards.Snapshot, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return visible
	}
	return candidates
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := embedWithRetry(ctx, r.provider, []string{clampText(query, indexTextLimit)}, TaskQuery, r.cfg.EmbedTimeout)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("query embedding: empty vector")
	}
	return vecs[0], nil
}

// ---------- Scoring ----------

type scoredCard struct {
	card    cards.Snapshot
	score   float64
	boosted bool
}

// sortScored orders by descending score, ties broken by ascending order
// index then creation time, keeping retrieval output deterministic.
func sortScored(scored []scoredCard) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].card.OrderIndex != scored[j].card.OrderIndex {
			return scored[i].card.OrderIndex < scored[j].card.OrderIndex
		}
		return scored[i].card.CreatedAt.Before(scored[j].card.CreatedAt)
	})
}

// renderContextLines formats the top-K scored cards, one line each, stopping
// before a line would push the running total past the character budget.
func renderContextLines(scored []scoredCard, digests map[string]Digest, topK, budget int) []string {
	if len(scored) > topK {
		scored = scored[:topK]
	}

	var lines []string
	total := 0
	for _, sc := range scored {
		line := formatContextLine(sc, digests)
		if total+len(line) > budget {
			break
		}
		total += len(line)
		lines = append(lines, line)
	}
	return lines
}

// formatContextLine renders one ranked card. The leading marker tells a
// scope-boosted hit ("*") apart from a purely query-relevant one ("-").
func formatContextLine(sc scoredCard, digests map[string]Digest) string {
	marker := "-"
	if sc.boosted {
		marker = "*"
	}

	d, ok := digests[sc.card.ID]
	if !ok {
		d = BuildDigest(sc.card.ID, sc.card.Content, nil)
	}

	facts := d.KeyFacts
	if len(facts) > 2 {
		facts = facts[:2]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s][%s] %s", marker, sc.card.Category, d.Summary)
	if len(facts) > 0 {
		b.WriteString(" | ")
		b.WriteString(strings.Join(facts, "; "))
	}
	fmt.Fprintf(&b, " (similarity %.2f)", sc.score)
	return b.String()
}

// CosineSimilarity computes the standard dot product over norms. Empty or
// mismatched-length vectors score 0 rather than erroring.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
