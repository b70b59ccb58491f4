// Package cards defines the card snapshot model consumed by the retrieval
// engine. Cards are short text units (plot beats, notes) arranged in a tree;
// the engine only ever reads them, it never mutates card content.
package cards

import (
	"sort"
	"time"
)

// Snapshot is a read-only view of one card at a point in time.
type Snapshot struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Category   string    `json:"category"`
	Content    string    `json:"content"`
	OrderIndex int       `json:"order_index"`
	CreatedAt  time.Time `json:"created_at"`
	IsArchived bool      `json:"is_archived"`
	IsFloating bool      `json:"is_floating"`
}

// Visible reports whether the card participates in retrieval.
// Archived and floating cards are invisible to the engine.
func (s Snapshot) Visible() bool {
	return !s.IsArchived && !s.IsFloating
}

// VisibleCards filters a snapshot list down to retrieval-visible cards.
func VisibleCards(all []Snapshot) []Snapshot {
	visible := make([]Snapshot, 0, len(all))
	for _, c := range all {
		if c.Visible() {
			visible = append(visible, c)
		}
	}
	return visible
}

// SortCanonical orders cards by OrderIndex, then CreatedAt. This is the
// same ordering used for retrieval tie-breaks, so every consumer sees a
// single deterministic card order.
func SortCanonical(list []Snapshot) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].OrderIndex != list[j].OrderIndex {
			return list[i].OrderIndex < list[j].OrderIndex
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// Categories returns the distinct categories of the given cards, in
// canonical card order (first appearance wins).
func Categories(list []Snapshot) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range list {
		if c.Category == "" || seen[c.Category] {
			continue
		}
		seen[c.Category] = true
		out = append(out, c.Category)
	}
	return out
}

// ByID builds a lookup map from card ID to snapshot.
func ByID(list []Snapshot) map[string]Snapshot {
	m := make(map[string]Snapshot, len(list))
	for _, c := range list {
		m[c.ID] = c
	}
	return m
}
