// Package assistant – builder.go assembles the generation prompt from five
// independently budgeted blocks: scoped context, per-category summaries,
// retrieval context, recent history, and the rolling summary. Budgets and
// section order are fixed so the same inputs always produce the same prompt.
package assistant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/storydeck/muse/pkg/muse/cards"
	"github.com/storydeck/muse/pkg/muse/memory"
)

// truncatedMarker is appended to a block when at least one candidate line
// was dropped for budget.
const truncatedMarker = "(truncated)"

// promptPreamble is the fixed role/instructions header of every prompt.
const promptPreamble = `You are a writing assistant embedded in a card-based scenario editor.
The cards below describe the story world. Treat them as ground truth: stay
consistent with established facts, names and tone. Answer the writer's
request directly and concretely.`

// BuildInput carries everything the builder needs for one turn.
type BuildInput struct {
	Cards       []cards.Snapshot
	ScopedIDs   map[string]bool
	ScopeLabel  string
	History     []Turn
	UserMessage string

	// RollingSummary is the previous rolling summary; refreshed when
	// RefreshSummary is true or the previous summary is empty.
	RollingSummary string
	RefreshSummary bool

	// DigestCache holds prior digests keyed by card ID; fresh entries are
	// reused, stale ones recomputed.
	DigestCache map[string]memory.Digest

	// SemanticContext is the precomputed retrieval block. When nil the
	// builder falls back to in-memory TF-IDF ranking over the corpus.
	SemanticContext []string
}

// BuildResult is the assembled prompt plus the updated caches.
type BuildResult struct {
	Prompt         string
	DigestCache    map[string]memory.Digest
	RollingSummary string
	Preview        PromptPreview
}

// PromptPreview exposes each block verbatim for UI inspection. These are
// the literal strings concatenated into the prompt, not re-derived copies.
type PromptPreview struct {
	ScopedContext     string
	CategorySummaries map[string]string
	RetrievalContext  string
	RecentHistory     string
	RollingSummary    string
	UserMessage       string
}

// Builder assembles prompts under the configured budgets.
type Builder struct {
	budgets   BudgetConfig
	retrieval memory.RetrieverConfig
}

// NewBuilder creates a prompt builder.
func NewBuilder(budgets BudgetConfig, retrieval memory.RetrieverConfig) *Builder {
	return &Builder{budgets: budgets.Effective(), retrieval: retrieval}
}

// Build assembles the prompt for one turn.
func (b *Builder) Build(in BuildInput) BuildResult {
	visible := cards.VisibleCards(in.Cards)

	// Refresh digests, merging into a new cache.
	digests := make(map[string]memory.Digest, len(visible))
	for _, c := range visible {
		var cached *memory.Digest
		if d, ok := in.DigestCache[c.ID]; ok {
			cached = &d
		}
		digests[c.ID] = memory.BuildDigest(c.ID, c.Content, cached)
	}

	scoped := b.scopedBlock(visible, in.ScopedIDs, digests)
	categories := b.categoryBlocks(visible, digests)

	retrievalLines := in.SemanticContext
	if retrievalLines == nil {
		retrievalLines = memory.LexicalRetrieve(in.UserMessage, in.Cards, in.ScopedIDs, digests, b.retrieval)
	}
	retrieval, _ := budgetedBlock(retrievalLines, b.budgets.RetrievalContext)

	history := b.historyBlock(in.History)

	rolling := in.RollingSummary
	if in.RefreshSummary || strings.TrimSpace(rolling) == "" {
		rolling = b.foldRollingSummary(in.RollingSummary, in.History)
	}
	rolling = clampChars(rolling, b.budgets.RollingSummary)

	userMessage := clampChars(in.UserMessage, b.budgets.UserMessage)

	preview := PromptPreview{
		ScopedContext:     scoped,
		CategorySummaries: categories,
		RetrievalContext:  retrieval,
		RecentHistory:     history,
		RollingSummary:    rolling,
		UserMessage:       userMessage,
	}

	return BuildResult{
		Prompt:         b.assemble(in.ScopeLabel, visible, preview),
		DigestCache:    digests,
		RollingSummary: rolling,
		Preview:        preview,
	}
}

// scopedBlock renders the current focus cards in canonical order.
func (b *Builder) scopedBlock(visible []cards.Snapshot, scopedIDs map[string]bool, digests map[string]memory.Digest) string {
	if len(scopedIDs) == 0 {
		return ""
	}

	var focus []cards.Snapshot
	for _, c := range visible {
		if scopedIDs[c.ID] {
			focus = append(focus, c)
		}
	}
	cards.SortCanonical(focus)

	lines := make([]string, 0, len(focus))
	for _, c := range focus {
		d := digests[c.ID]
		line := fmt.Sprintf("[%s] %s", c.Category, d.Summary)
		if len(d.KeyFacts) > 0 {
			line += " | " + strings.Join(d.KeyFacts, "; ")
		}
		lines = append(lines, line)
	}

	block, _ := budgetedBlock(lines, b.budgets.ScopedContext)
	return block
}

// categoryBlocks renders one capped summary lane per category, in the order
// categories first appear in the corpus.
func (b *Builder) categoryBlocks(visible []cards.Snapshot, digests map[string]memory.Digest) map[string]string {
	blocks := make(map[string]string)
	for _, category := range cards.Categories(visible) {
		var lines []string
		for _, c := range visible {
			if c.Category != category {
				continue
			}
			lines = append(lines, "- "+digests[c.ID].Summary)
		}
		block, _ := budgetedBlock(lines, b.budgets.CategorySummary)
		blocks[category] = block
	}
	return blocks
}

// historyBlock renders the most recent turns, newest last.
func (b *Builder) historyBlock(history []Turn) string {
	if len(history) == 0 {
		return ""
	}
	window := history
	if len(window) > b.budgets.HistoryWindowSize {
		window = window[len(window)-b.budgets.HistoryWindowSize:]
	}

	var lines []string
	for _, turn := range window {
		lines = append(lines, "Writer: "+flattenText(turn.UserMessage))
		if turn.AssistantResponse != "" {
			lines = append(lines, "Assistant: "+flattenText(turn.AssistantResponse))
		}
	}
	block, _ := budgetedBlock(lines, b.budgets.RecentHistory)
	return block
}

// foldRollingSummary folds the previous summary with the latest history
// window into a fresh compressed summary.
func (b *Builder) foldRollingSummary(previous string, history []Turn) string {
	var parts []string
	if prev := strings.TrimSpace(previous); prev != "" {
		parts = append(parts, prev)
	}

	window := history
	if len(window) > b.budgets.HistoryWindowSize {
		window = window[len(window)-b.budgets.HistoryWindowSize:]
	}
	for _, turn := range window {
		parts = append(parts, flattenText(turn.UserMessage))
		if turn.AssistantResponse != "" {
			parts = append(parts, clampChars(flattenText(turn.AssistantResponse), 160))
		}
	}

	return clampChars(strings.Join(parts, " / "), b.budgets.RollingSummary)
}

// assemble concatenates the preamble and the blocks in fixed section order.
func (b *Builder) assemble(scopeLabel string, visible []cards.Snapshot, p PromptPreview) string {
	var sb strings.Builder
	sb.WriteString(promptPreamble)

	if p.ScopedContext != "" {
		label := scopeLabel
		if label == "" {
			label = "Current focus"
		}
		fmt.Fprintf(&sb, "\n\n## %s\n%s", label, p.ScopedContext)
	}

	if len(p.CategorySummaries) > 0 {
		sb.WriteString("\n\n## Story cards")
		for _, category := range orderedCategories(visible, p.CategorySummaries) {
			fmt.Fprintf(&sb, "\n### %s\n%s", category, p.CategorySummaries[category])
		}
	}

	if p.RetrievalContext != "" {
		sb.WriteString("\n\n## Relevant cards\n")
		sb.WriteString(p.RetrievalContext)
	}

	if p.RecentHistory != "" {
		sb.WriteString("\n\n## Recent conversation\n")
		sb.WriteString(p.RecentHistory)
	}

	if p.RollingSummary != "" {
		sb.WriteString("\n\n## Conversation so far\n")
		sb.WriteString(p.RollingSummary)
	}

	sb.WriteString("\n\n## Request\n")
	sb.WriteString(p.UserMessage)
	return sb.String()
}

// orderedCategories returns the preview's categories in corpus
// first-appearance order, with any stragglers sorted at the end.
func orderedCategories(visible []cards.Snapshot, blocks map[string]string) []string {
	var ordered []string
	seen := make(map[string]bool)
	for _, category := range cards.Categories(visible) {
		if _, ok := blocks[category]; ok && !seen[category] {
			ordered = append(ordered, category)
			seen[category] = true
		}
	}

	var rest []string
	for category := range blocks {
		if !seen[category] {
			rest = append(rest, category)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// budgetedBlock greedily appends lines while the running character count
// stays under the cap, adding the truncation marker when anything dropped.
// The marker counts against the budget too, so the returned block never
// exceeds it; kept lines are evicted from the tail to make room.
func budgetedBlock(lines []string, budget int) (string, bool) {
	kept := make([]string, 0, len(lines))
	total := 0
	truncated := false

	for _, line := range lines {
		cost := len(line)
		if len(kept) > 0 {
			cost++ // joining newline
		}
		if total+cost > budget {
			truncated = true
			break
		}
		kept = append(kept, line)
		total += cost
	}

	if !truncated {
		return strings.Join(kept, "\n"), false
	}

	for len(kept) > 0 && total+len(truncatedMarker)+1 > budget {
		last := kept[len(kept)-1]
		kept = kept[:len(kept)-1]
		total -= len(last)
		if len(kept) > 0 {
			total-- // the newline that joined it
		}
	}
	if len(kept) == 0 {
		if len(truncatedMarker) > budget {
			return "", true
		}
		return truncatedMarker, true
	}
	return strings.Join(kept, "\n") + "\n" + truncatedMarker, true
}

// clampChars truncates s to at most limit bytes on a rune boundary.
func clampChars(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8RuneStart(s[limit]) {
		limit--
	}
	return strings.TrimSpace(s[:limit])
}

// flattenText collapses whitespace runs into single spaces.
func flattenText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
