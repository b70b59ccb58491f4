package memory

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// minTokenLen drops single-character tokens, which carry almost no lexical
// signal and bloat the postings table.
const minTokenLen = 2

// Tokenize lowercases text and splits it into runs of letters and digits.
// Hangul input is NFC-normalized first so decomposed jamo sequences compose
// into syllable blocks; for every Hangul token all character bigrams are
// additionally emitted, which lets two-syllable query fragments match longer
// words (partial-syllable matching).
func Tokenize(text string) []string {
	text = norm.NFC.String(strings.ToLower(text))

	raw := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var tokens []string
	for _, tok := range raw {
		if runeLen(tok) < minTokenLen {
			continue
		}
		tokens = append(tokens, tok)
		if containsHangul(tok) {
			tokens = append(tokens, hangulBigrams(tok)...)
		}
	}
	return tokens
}

// TokenFrequencies tokenizes text and counts occurrences per token. This is
// the bag-of-words stored in the local index's postings table.
func TokenFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, tok := range Tokenize(text) {
		freq[tok]++
	}
	return freq
}

// hangulBigrams emits every adjacent character pair of a token. Only called
// for tokens containing Hangul; bigrams shorter than the token itself are
// skipped when the token is already two runes.
func hangulBigrams(tok string) []string {
	runes := []rune(tok)
	if len(runes) <= 2 {
		return nil
	}
	grams := make([]string, 0, len(runes)-1)
	for i := 0; i+1 < len(runes); i++ {
		grams = append(grams, string(runes[i:i+2]))
	}
	return grams
}

func containsHangul(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
