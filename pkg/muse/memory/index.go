// index.go implements the per-workspace embedding index: one vector per
// visible card, keyed by content hash. Staleness is a pure function of
// (stored hash, current hash); refreshes batch stale cards through the
// provider and commit atomically per refresh call. Persistence is a small
// JSON artifact, debounced so bursts of edits coalesce into one write.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/storydeck/muse/pkg/muse/cards"
)

const (
	// indexTextLimit clamps card content before embedding.
	indexTextLimit = 1800

	// embedBatchSize is the maximum number of texts per provider call.
	embedBatchSize = 24

	// defaultMaxRecords caps the index; oldest records are evicted first.
	defaultMaxRecords = 1200

	// defaultPersistDelay coalesces rapid mutations into one write.
	defaultPersistDelay = 800 * time.Millisecond

	// indexTimeFormat is the wire format for dates in the index file.
	indexTimeFormat = time.RFC3339
)

// EmbeddingRecord associates a card with the vector computed from its
// content at a specific hash. At most one record exists per card.
type EmbeddingRecord struct {
	CardID      string
	ContentHash string
	Vector      []float32
	UpdatedAt   time.Time
}

// EmbeddingIndex holds the embedding records of one workspace.
type EmbeddingIndex struct {
	mu      sync.Mutex
	records map[string]*EmbeddingRecord

	path       string // persistence file, empty disables persistence
	model      string // embedding model that produced the vectors
	maxRecords int
	delay      time.Duration
	timer      *time.Timer
	logger     *slog.Logger
}

// EmbeddingIndexConfig configures an embedding index.
type EmbeddingIndexConfig struct {
	Path         string
	Model        string
	MaxRecords   int
	PersistDelay time.Duration
}

// NewEmbeddingIndex creates an empty index. Call Load to restore persisted
// records.
func NewEmbeddingIndex(cfg EmbeddingIndexConfig, logger *slog.Logger) *EmbeddingIndex {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = defaultPersistDelay
	}
	return &EmbeddingIndex{
		records:    make(map[string]*EmbeddingRecord),
		path:       cfg.Path,
		model:      cfg.Model,
		maxRecords: cfg.MaxRecords,
		delay:      cfg.PersistDelay,
		logger:     logger,
	}
}

// IsStale reports whether the card needs re-embedding: no record exists, or
// the stored hash differs from the hash of the card's current content.
func (idx *EmbeddingIndex) IsStale(cardID, content string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[cardID]
	return !ok || rec.ContentHash != ContentHash(content)
}

// StaleCards returns the subset of cards whose records are missing or stale.
func (idx *EmbeddingIndex) StaleCards(list []cards.Snapshot) []cards.Snapshot {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var stale []cards.Snapshot
	for _, c := range list {
		rec, ok := idx.records[c.ID]
		if !ok || rec.ContentHash != ContentHash(c.Content) {
			stale = append(stale, c)
		}
	}
	return stale
}

// Vector returns the stored vector for a card, if any.
func (idx *EmbeddingIndex) Vector(cardID string) ([]float32, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[cardID]
	if !ok {
		return nil, false
	}
	return rec.Vector, true
}

// Record returns a copy of the stored record for a card, if any.
func (idx *EmbeddingIndex) Record(cardID string) (EmbeddingRecord, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[cardID]
	if !ok {
		return EmbeddingRecord{}, false
	}
	return *rec, true
}

// Len returns the number of stored records.
func (idx *EmbeddingIndex) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.records)
}

// Refresh embeds the given stale cards and stores one record per card.
// Content is clamped before embedding and batched through the provider.
// A count mismatch on any batch aborts the whole refresh with no partial
// writes: either every card in the call gets a fresh record, or none do.
func (idx *EmbeddingIndex) Refresh(ctx context.Context, stale []cards.Snapshot, provider Provider, timeout time.Duration) error {
	if len(stale) == 0 {
		return nil
	}

	vectors := make([][]float32, 0, len(stale))
	for start := 0; start < len(stale); start += embedBatchSize {
		end := min(start+embedBatchSize, len(stale))
		batch := stale[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = clampText(c.Content, indexTextLimit)
		}

		got, err := embedWithRetry(ctx, provider, texts, TaskDocument, timeout)
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		if len(got) != len(texts) {
			return fmt.Errorf("embedding batch: got %d vectors for %d texts", len(got), len(texts))
		}
		for i, v := range got {
			if len(v) == 0 {
				return fmt.Errorf("embedding batch: empty vector for card %s", batch[i].ID)
			}
		}
		vectors = append(vectors, got...)
	}

	now := time.Now().UTC()
	idx.mu.Lock()
	for i, c := range stale {
		idx.records[c.ID] = &EmbeddingRecord{
			CardID:      c.ID,
			ContentHash: ContentHash(c.Content),
			Vector:      vectors[i],
			UpdatedAt:   now,
		}
	}
	idx.evictLocked()
	idx.mu.Unlock()

	idx.schedulePersist()
	return nil
}

// Prune drops records for cards that are no longer visible.
func (idx *EmbeddingIndex) Prune(validCardIDs map[string]bool) {
	idx.mu.Lock()
	changed := false
	for id := range idx.records {
		if !validCardIDs[id] {
			delete(idx.records, id)
			changed = true
		}
	}
	idx.mu.Unlock()

	if changed {
		idx.schedulePersist()
	}
}

// evictLocked drops oldest-updated records until the cap holds.
// Caller holds idx.mu.
func (idx *EmbeddingIndex) evictLocked() {
	if len(idx.records) <= idx.maxRecords {
		return
	}

	recs := make([]*EmbeddingRecord, 0, len(idx.records))
	for _, r := range idx.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
		}
		return recs[i].CardID < recs[j].CardID
	})

	for _, r := range recs[:len(recs)-idx.maxRecords] {
		delete(idx.records, r.CardID)
	}
}

// ---------- Persistence ----------

// indexFileRecord is the wire form of one record.
type indexFileRecord struct {
	CardID      string    `json:"cardId"`
	ContentHash string    `json:"contentHash"`
	UpdatedAt   string    `json:"updatedAt"`
	Vector      []float32 `json:"vector"`
}

// indexFile is the wire form of the whole index.
type indexFile struct {
	Model     string            `json:"model"`
	Records   []indexFileRecord `json:"records"`
	UpdatedAt string            `json:"updatedAt"`
}

// schedulePersist arms (or re-arms) the debounce timer.
func (idx *EmbeddingIndex) schedulePersist() {
	if idx.path == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.timer != nil {
		idx.timer.Stop()
	}
	idx.timer = time.AfterFunc(idx.delay, func() {
		if err := idx.Flush(); err != nil {
			idx.logger.Warn("embedding index persist failed", "path", idx.path, "error", err)
		}
	})
}

// Flush writes the index to disk immediately, applying eviction first.
// Records are sorted by card ID for stable diffs.
func (idx *EmbeddingIndex) Flush() error {
	if idx.path == "" {
		return nil
	}

	idx.mu.Lock()
	idx.evictLocked()
	file := indexFile{
		Model:     idx.model,
		UpdatedAt: time.Now().UTC().Format(indexTimeFormat),
	}
	for _, r := range idx.records {
		file.Records = append(file.Records, indexFileRecord{
			CardID:      r.CardID,
			ContentHash: r.ContentHash,
			UpdatedAt:   r.UpdatedAt.UTC().Format(indexTimeFormat),
			Vector:      r.Vector,
		})
	}
	idx.mu.Unlock()

	sort.Slice(file.Records, func(i, j int) bool {
		return file.Records[i].CardID < file.Records[j].CardID
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return fmt.Errorf("creating index dir: %w", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return os.Rename(tmp, idx.path)
}

// Load restores persisted records, dropping any for cards not in
// validCardIDs, any whose model differs from the current one, and any whose
// vector length disagrees with wantDims (a model dimensionality change
// invalidates stored vectors). The cap is re-applied after filtering.
func (idx *EmbeddingIndex) Load(validCardIDs map[string]bool, wantDims int) error {
	if idx.path == "" {
		return nil
	}

	data, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading index: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing index: %w", err)
	}
	if file.Model != idx.model {
		idx.logger.Info("embedding model changed, discarding stored index",
			"stored", file.Model, "current", idx.model)
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	kept, dropped := 0, 0
	for _, r := range file.Records {
		if !validCardIDs[r.CardID] {
			dropped++
			continue
		}
		if wantDims > 0 && len(r.Vector) != wantDims {
			dropped++
			continue
		}
		updatedAt, err := time.Parse(indexTimeFormat, r.UpdatedAt)
		if err != nil {
			dropped++
			continue
		}
		idx.records[r.CardID] = &EmbeddingRecord{
			CardID:      r.CardID,
			ContentHash: r.ContentHash,
			Vector:      r.Vector,
			UpdatedAt:   updatedAt,
		}
		kept++
	}
	idx.evictLocked()

	idx.logger.Debug("embedding index loaded", "kept", kept, "dropped", dropped)
	return nil
}

// Close flushes any pending debounced write.
func (idx *EmbeddingIndex) Close() error {
	idx.mu.Lock()
	if idx.timer != nil {
		idx.timer.Stop()
		idx.timer = nil
	}
	idx.mu.Unlock()
	return idx.Flush()
}
