// sqlite_store.go implements the durable local index: a single-file SQLite
// database holding a vector/metadata table and an inverted token-frequency
// table. The store mirrors the embedding index and exists purely to narrow
// retrieval candidates quickly; losing it costs speed, never correctness.
package memory

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// IndexDocument is one card's row in the local index: metadata, vector and
// the bag-of-words that feeds the postings table.
type IndexDocument struct {
	CardID           string
	ContentHash      string
	Category         string
	OrderIndex       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Vector           []float32
	SearchText       string
	TokenFrequencies map[string]int
}

// IndexStore is the per-workspace durable index. All mutation goes through
// SyncIndex under a single-writer mutex; readers see either the previous
// synced state or the new one, never a partial mix.
type IndexStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// OpenIndexStore opens (or creates) the index database at path.
func OpenIndexStore(path string, logger *slog.Logger) (*IndexStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &IndexStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Debug("index store opened", "path", path)
	return s, nil
}

func (s *IndexStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cards (
			card_id      TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			category     TEXT NOT NULL DEFAULT '',
			order_index  INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL DEFAULT 0,
			updated_at   INTEGER NOT NULL DEFAULT 0,
			vector       BLOB,
			search_text  TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS postings (
			token   TEXT NOT NULL,
			card_id TEXT NOT NULL,
			freq    INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (token, card_id)
		);

		CREATE INDEX IF NOT EXISTS idx_postings_card ON postings(card_id);
		CREATE INDEX IF NOT EXISTS idx_cards_updated ON cards(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SyncIndex upserts every document and replaces its postings, then deletes
// any stored card absent from validCardIDs together with its postings. The
// whole call runs in one transaction: a crash mid-sync can never leave a
// posting referencing a missing card row or vice versa.
func (s *IndexStore) SyncIndex(docs []IndexDocument, validCardIDs map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin sync: %w", err)
	}
	defer tx.Rollback()

	upsert, err := tx.Prepare(`
		INSERT INTO cards (card_id, content_hash, category, order_index, created_at, updated_at, vector, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			category     = excluded.category,
			order_index  = excluded.order_index,
			created_at   = excluded.created_at,
			updated_at   = excluded.updated_at,
			vector       = excluded.vector,
			search_text  = excluded.search_text
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer upsert.Close()

	posting, err := tx.Prepare(`INSERT INTO postings (token, card_id, freq) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare posting: %w", err)
	}
	defer posting.Close()

	for _, doc := range docs {
		if doc.CardID == "" {
			return fmt.Errorf("sync: document with empty card ID")
		}

		_, err = upsert.Exec(
			doc.CardID, doc.ContentHash, doc.Category, doc.OrderIndex,
			doc.CreatedAt.UTC().Unix(), doc.UpdatedAt.UTC().Unix(),
			encodeVector(doc.Vector), doc.SearchText,
		)
		if err != nil {
			return fmt.Errorf("upsert card %s: %w", doc.CardID, err)
		}

		// Replace, never accumulate, this card's postings.
		if _, err := tx.Exec("DELETE FROM postings WHERE card_id = ?", doc.CardID); err != nil {
			return fmt.Errorf("clear postings for %s: %w", doc.CardID, err)
		}
		for token, freq := range doc.TokenFrequencies {
			if _, err := posting.Exec(token, doc.CardID, freq); err != nil {
				return fmt.Errorf("insert posting %q/%s: %w", token, doc.CardID, err)
			}
		}
	}

	// Drop cards that are no longer valid, postings first.
	staleIDs, err := s.invalidCardIDs(tx, validCardIDs)
	if err != nil {
		return err
	}
	for _, id := range staleIDs {
		if _, err := tx.Exec("DELETE FROM postings WHERE card_id = ?", id); err != nil {
			return fmt.Errorf("delete postings for %s: %w", id, err)
		}
		if _, err := tx.Exec("DELETE FROM cards WHERE card_id = ?", id); err != nil {
			return fmt.Errorf("delete card %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// invalidCardIDs lists stored cards absent from validCardIDs.
func (s *IndexStore) invalidCardIDs(tx *sql.Tx, validCardIDs map[string]bool) ([]string, error) {
	rows, err := tx.Query("SELECT card_id FROM cards")
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		if !validCardIDs[id] {
			stale = append(stale, id)
		}
	}
	return stale, rows.Err()
}

// QueryCandidateIDs sums token frequencies per card across the query tokens
// and returns up to limit card IDs by descending summed score. When the
// token match is thin (or the token list empty), the result is padded with
// the most recently updated cards. This is a recall-oriented pre-filter:
// false positives are fine, the final ranking happens in the retriever.
func (s *IndexStore) QueryCandidateIDs(queryTokens []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 140
	}

	var ids []string
	seen := make(map[string]bool)

	if len(queryTokens) > 0 {
		placeholders := strings.Repeat("?,", len(queryTokens))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]any, 0, len(queryTokens)+1)
		for _, t := range queryTokens {
			args = append(args, t)
		}
		args = append(args, limit)

		rows, err := s.db.Query(fmt.Sprintf(`
			SELECT card_id, SUM(freq) AS score
			FROM postings
			WHERE token IN (%s)
			GROUP BY card_id
			ORDER BY score DESC, card_id ASC
			LIMIT ?
		`, placeholders), args...)
		if err != nil {
			return nil, fmt.Errorf("candidate query: %w", err)
		}
		for rows.Next() {
			var id string
			var score int
			if err := rows.Scan(&id, &score); err != nil {
				continue
			}
			ids = append(ids, id)
			seen[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("candidate rows: %w", err)
		}
	}

	if len(ids) >= limit {
		return ids, nil
	}

	// Pad with recency so sparse token matches never starve the ranker.
	rows, err := s.db.Query(`
		SELECT card_id FROM cards
		ORDER BY updated_at DESC, card_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recency pad query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if len(ids) >= limit {
			break
		}
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids, rows.Err()
}

// CardCount returns the number of indexed cards.
func (s *IndexStore) CardCount() int {
	var n int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM cards").Scan(&n)
	return n
}

// PostingCount returns the number of token postings.
func (s *IndexStore) PostingCount() int {
	var n int
	_ = s.db.QueryRow("SELECT COUNT(*) FROM postings").Scan(&n)
	return n
}

// StoredHashes returns content hashes by card ID, used to decide which
// documents actually need re-syncing.
func (s *IndexStore) StoredHashes() (map[string]string, error) {
	rows, err := s.db.Query("SELECT card_id, content_hash FROM cards")
	if err != nil {
		return nil, fmt.Errorf("list hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			continue
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

// PostingsForCard returns a card's stored token frequencies, sorted by
// token. Mainly useful in tests and the CLI inspector.
func (s *IndexStore) PostingsForCard(cardID string) ([]string, []int, error) {
	rows, err := s.db.Query("SELECT token, freq FROM postings WHERE card_id = ?", cardID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type tf struct {
		token string
		freq  int
	}
	var all []tf
	for rows.Next() {
		var t tf
		if err := rows.Scan(&t.token, &t.freq); err != nil {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].token < all[j].token })

	tokens := make([]string, len(all))
	freqs := make([]int, len(all))
	for i, t := range all {
		tokens[i] = t.token
		freqs[i] = t.freq
	}
	return tokens, freqs, rows.Err()
}

// Close closes the database.
func (s *IndexStore) Close() error {
	return s.db.Close()
}

// ---------- Vector Encoding ----------

// encodeVector packs a float32 slice as raw little-endian bytes.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks raw little-endian bytes into a float32 slice.
// A trailing partial value means corruption; nil is returned.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
