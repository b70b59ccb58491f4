package memory

import (
	"math"
	"strings"

	"github.com/storydeck/muse/pkg/muse/cards"
)

// LexicalRetrieve is the offline fallback ranking: classic TF-IDF with
// cosine similarity, computed entirely over the in-memory corpus. It uses
// the same scope boost, tie-break and line format as the embedding path,
// so downstream consumers cannot tell which path fired.
func LexicalRetrieve(query string, corpus []cards.Snapshot, scopedIDs map[string]bool, digests map[string]Digest, cfg RetrieverConfig) []string {
	cfg = cfg.withDefaults()

	query = strings.TrimSpace(query)
	if len([]rune(query)) < 2 {
		return nil
	}
	queryTokens := Tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	visible := cards.VisibleCards(corpus)
	if len(visible) == 0 {
		return nil
	}

	// Document frequency per term across the visible corpus.
	docFreqs := make([]map[string]int, len(visible))
	df := make(map[string]int)
	for i, c := range visible {
		freqs := TokenFrequencies(c.Content)
		docFreqs[i] = freqs
		for term := range freqs {
			df[term]++
		}
	}

	n := len(visible)
	idf := func(term string) float64 {
		return math.Log(float64(1+n)/float64(1+df[term])) + 1
	}

	queryVec := tfidfVector(tokenCounts(queryTokens), idf)

	scored := make([]scoredCard, 0, n)
	for i, c := range visible {
		score := sparseCosine(queryVec, tfidfVector(docFreqs[i], idf))
		if score <= 0 {
			continue
		}
		boosted := scopedIDs[c.ID]
		if boosted {
			score += cfg.ScopeBoost
		}
		scored = append(scored, scoredCard{card: c, score: score, boosted: boosted})
	}

	sortScored(scored)
	return renderContextLines(scored, digests, cfg.TopK, cfg.LineBudget)
}

func tokenCounts(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	return counts
}

// tfidfVector weights each term by log-scaled term frequency times inverse
// document frequency.
func tfidfVector(freqs map[string]int, idf func(string) float64) map[string]float64 {
	vec := make(map[string]float64, len(freqs))
	for term, tf := range freqs {
		if tf <= 0 {
			continue
		}
		vec[term] = (1 + math.Log(float64(tf))) * idf(term)
	}
	return vec
}

func sparseCosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, wa := range a {
		normA += wa * wa
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
