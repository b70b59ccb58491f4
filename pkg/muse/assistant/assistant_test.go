package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/storydeck/muse/pkg/muse/cards"
)

// seedWorkspace writes a small corpus and a scope selection under root.
func seedWorkspace(t *testing.T, root, workspace string) {
	t.Helper()

	repo := cards.NewFileRepository(root)
	corpus := []cards.Snapshot{
		{
			ID:         "villain",
			Category:   "character",
			Content:    "Lord Ashvale wants the obsidian crown and will burn the valley to get it.",
			OrderIndex: 1,
			CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			ID:         "hero",
			Category:   "character",
			Content:    "Senna is a cartographer who maps the valley's hidden paths.",
			OrderIndex: 2,
			CreatedAt:  time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
		},
		{
			ID:         "setting",
			Category:   "location",
			Content:    "The valley of Brennmark narrows into a single mountain pass at its northern end.",
			OrderIndex: 3,
			CreatedAt:  time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC),
		},
	}
	if err := repo.SaveCards(workspace, corpus); err != nil {
		t.Fatalf("seeding cards: %v", err)
	}

	scope, _ := json.Marshal([]string{"villain"})
	if err := os.WriteFile(filepath.Join(root, workspace, "scope.json"), scope, 0o644); err != nil {
		t.Fatalf("seeding scope: %v", err)
	}
}

// newTestAssistant stands up an assistant against a scripted chat endpoint.
// The embedding provider is disabled so retrieval exercises the lexical path.
func newTestAssistant(t *testing.T, handler http.HandlerFunc) *Assistant {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	root := t.TempDir()
	seedWorkspace(t, root, "studio")

	cfg := DefaultConfig()
	cfg.Model = "test-model"
	cfg.API.BaseURL = server.URL
	cfg.API.APIKey = "test-key"
	cfg.API.Timeout = 5 * time.Second
	cfg.Embedding.Provider = "none"
	cfg.Workspace.Root = root
	cfg.Workspace.Name = "studio"

	a, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("creating assistant: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAskEndToEnd(t *testing.T) {
	t.Parallel()

	var prompts []string
	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		prompts = append(prompts, req.Messages[0].Content)
		w.Write([]byte(completionJSON("He wants the obsidian crown above all.", "stop")))
	})

	resp, err := a.Ask(context.Background(), "What does Lord Ashvale want from the valley?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	if resp.Text != "He wants the obsidian crown above all." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 120 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	if len(prompts) != 1 {
		t.Fatalf("generation calls = %d, want 1", len(prompts))
	}
	prompt := prompts[0]
	for _, want := range []string{
		"## Current focus: character",
		"obsidian crown",
		"## Relevant cards",
		"## Request",
		"What does Lord Ashvale want",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if resp.Preview.RetrievalContext == "" {
		t.Error("retrieval block must be filled by the lexical fallback")
	}

	thread := a.Thread()
	if len(thread.Turns) != 1 || thread.Turns[0].AssistantResponse != resp.Text {
		t.Errorf("thread = %+v", thread.Turns)
	}
}

func TestAskCarriesHistory(t *testing.T) {
	t.Parallel()

	var prompts []string
	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		prompts = append(prompts, req.Messages[0].Content)
		w.Write([]byte(completionJSON("The pass at Brennmark's northern end.", "stop")))
	})

	if _, err := a.Ask(context.Background(), "Where would Senna ambush him?"); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	if _, err := a.Ask(context.Background(), "And who guards it?"); err != nil {
		t.Fatalf("second ask: %v", err)
	}

	if len(prompts) != 2 {
		t.Fatalf("generation calls = %d, want 2", len(prompts))
	}
	second := prompts[1]
	if !strings.Contains(second, "Writer: Where would Senna ambush him?") {
		t.Error("second prompt must carry the first turn in history")
	}
	if !strings.Contains(second, "Assistant: The pass at Brennmark's northern end.") {
		t.Error("second prompt must carry the first response in history")
	}
	if !strings.Contains(a.Thread().RollingSummary, "Where would Senna ambush him?") {
		t.Error("rolling summary must fold in earlier turns once history exists")
	}
}

func TestAskCancellationLeavesThreadUntouched(t *testing.T) {
	t.Parallel()

	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("never used", "stop")))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Ask(ctx, "What happens next?"); err == nil {
		t.Fatal("cancelled context must fail the turn")
	}
	if len(a.Thread().Turns) != 0 {
		t.Error("cancelled turn must not be appended to the thread")
	}
	if a.Thread().RollingSummary != "" {
		t.Error("cancelled turn must not touch the rolling summary")
	}
}

func TestAskRequiresAPIKey(t *testing.T) {
	t.Parallel()

	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("never used", "stop")))
	})
	a.cfg.API.APIKey = ""

	if _, err := a.Ask(context.Background(), "anything"); err == nil {
		t.Fatal("missing API key must fail before any processing")
	}
}

func TestAskPersistsSession(t *testing.T) {
	t.Parallel()

	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("Noted.", "stop")))
	})

	if _, err := a.Ask(context.Background(), "Remember the crown."); err != nil {
		t.Fatalf("ask: %v", err)
	}

	sessionDir := filepath.Join(a.cfg.Workspace.Root, "studio", ".muse", "sessions")
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		t.Fatalf("reading session dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("completed turn must be persisted to disk")
	}

	loaded, err := a.sessions.Load(a.Thread().ID)
	if err != nil {
		t.Fatalf("loading thread: %v", err)
	}
	if len(loaded.Turns) != 1 || loaded.Turns[0].UserMessage != "Remember the crown." {
		t.Errorf("persisted turns = %+v", loaded.Turns)
	}
}

func TestSearchFallsBackToLexical(t *testing.T) {
	t.Parallel()

	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("never used", "stop")))
	})

	lines, err := a.Search(context.Background(), "obsidian crown valley")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("search must return lexical matches when embeddings are disabled")
	}
	if !strings.Contains(lines[0], "obsidian crown") {
		t.Errorf("top line = %q, want villain card first", lines[0])
	}
	if !strings.Contains(lines[0], "[*]") {
		t.Errorf("scoped villain card must carry the boost marker: %q", lines[0])
	}
}

func TestScopeLabelTieBreaksByCardOrder(t *testing.T) {
	t.Parallel()

	corpus := []cards.Snapshot{
		{ID: "p1", Category: "plot", OrderIndex: 1},
		{ID: "l1", Category: "lore", OrderIndex: 2},
	}
	scoped := map[string]bool{"p1": true, "l1": true}

	for i := 0; i < 20; i++ {
		if got := scopeLabel(corpus, scoped); got != "Current focus: plot" {
			t.Fatalf("label = %q, want the first-appearing category on a tie", got)
		}
	}

	if got := scopeLabel(corpus, map[string]bool{"l1": true}); got != "Current focus: lore" {
		t.Errorf("label = %q", got)
	}
	if got := scopeLabel([]cards.Snapshot{{ID: "x"}}, map[string]bool{"x": true}); got != "Current focus" {
		t.Errorf("label for uncategorized scope = %q, want generic heading", got)
	}
}

func TestIndexStats(t *testing.T) {
	t.Parallel()

	a := newTestAssistant(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("never used", "stop")))
	})

	cardRows, postingRows := a.IndexStats()
	if cardRows != 0 || postingRows != 0 {
		t.Errorf("fresh index stats = (%d, %d), want empty", cardRows, postingRows)
	}
}
