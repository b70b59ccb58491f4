// Package memory implements the semantic memory behind the writing
// assistant: card digests, an incrementally maintained embedding index, a
// durable SQLite index store, and hybrid lexical + semantic retrieval.
//
// Everything here is keyed by content hash: an artifact is fresh iff the
// hash it was computed from equals the hash of the card's current content.
// There are no dirty flags and no observers.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	// digestSummaryLimit caps the short summary length.
	digestSummaryLimit = 140

	// digestFactLimit caps each key-fact clause length.
	digestFactLimit = 44

	// digestMaxFacts is the maximum number of key facts per digest.
	digestMaxFacts = 4

	// digestMinFragment is the minimum trimmed length a sentence fragment
	// needs to qualify as a key fact.
	digestMinFragment = 6
)

// Digest is a cached compression of one card: a short summary plus up to
// four key facts, valid only while ContentHash matches the card content.
type Digest struct {
	CardID      string    `json:"card_id"`
	ContentHash string    `json:"content_hash"`
	Summary     string    `json:"summary"`
	KeyFacts    []string  `json:"key_facts,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ContentHash returns the SHA-256 hex hash of the trimmed text. This is the
// version key for digests and embedding records alike.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(h[:])
}

// BuildDigest returns a digest for the card, reusing cached when its hash
// still matches the card's current content. The function is pure: no stored
// state, safe to call concurrently for disjoint cards.
func BuildDigest(cardID, content string, cached *Digest) Digest {
	hash := ContentHash(content)
	if cached != nil && cached.ContentHash == hash {
		return *cached
	}

	return Digest{
		CardID:      cardID,
		ContentHash: hash,
		Summary:     clampText(flattenNewlines(content), digestSummaryLimit),
		KeyFacts:    extractKeyFacts(content),
		UpdatedAt:   time.Now().UTC(),
	}
}

// extractKeyFacts splits content into sentence-like fragments and keeps the
// first few that look substantial. Falls back to a single clamped fragment
// of the whole text when nothing qualifies.
func extractKeyFacts(content string) []string {
	fragments := strings.FieldsFunc(content, func(r rune) bool {
		switch r {
		case '.', '!', '?', ';':
			return true
		}
		return false
	})

	var facts []string
	for _, frag := range fragments {
		frag = strings.TrimSpace(flattenNewlines(frag))
		if len(frag) < digestMinFragment {
			continue
		}
		facts = append(facts, clampText(frag, digestFactLimit))
		if len(facts) == digestMaxFacts {
			break
		}
	}

	if len(facts) == 0 {
		full := strings.TrimSpace(flattenNewlines(content))
		if full != "" {
			facts = []string{clampText(full, digestFactLimit)}
		}
	}

	return facts
}

// flattenNewlines replaces line breaks with single spaces and collapses the
// resulting runs of whitespace.
func flattenNewlines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clampText truncates s to at most limit bytes, backing up so no rune is
// split mid-sequence.
func clampText(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8RuneStart(s[limit]) {
		limit--
	}
	return strings.TrimSpace(s[:limit])
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
