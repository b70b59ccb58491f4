package assistant

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := NewSessionStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("creating session store: %v", err)
	}
	return store
}

func TestThreadAppend(t *testing.T) {
	t.Parallel()

	store := newTestSessionStore(t)
	thread := store.NewThread()

	first := Turn{
		UserMessage:       "open the gates",
		AssistantResponse: "The gates creak open.",
		Usage:             Usage{PromptTokens: 10, OutputTokens: 5, TotalTokens: 15},
		At:                time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	second := Turn{
		UserMessage: "what next",
		Usage:       Usage{PromptTokens: 20, OutputTokens: 8, TotalTokens: 28},
		At:          time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}
	thread.Append(first)
	thread.Append(second)

	if len(thread.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(thread.Turns))
	}
	if thread.TotalUsage.TotalTokens != 43 {
		t.Errorf("total usage = %d, want 43", thread.TotalUsage.TotalTokens)
	}
	if !thread.UpdatedAt.Equal(second.At) {
		t.Errorf("updated at = %v, want %v", thread.UpdatedAt, second.At)
	}
}

func TestThreadAppendCapsTurns(t *testing.T) {
	t.Parallel()

	thread := &Thread{ID: "cap-test"}
	for i := 0; i < maxPersistedTurns+25; i++ {
		thread.Append(Turn{UserMessage: "turn", At: time.Now().UTC()})
	}

	if len(thread.Turns) != maxPersistedTurns {
		t.Errorf("turns = %d, want cap %d", len(thread.Turns), maxPersistedTurns)
	}
}

func TestSessionSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	store := newTestSessionStore(t)
	thread := store.NewThread()
	thread.RollingSummary = "The party reached the fog line."
	thread.Append(Turn{
		UserMessage:       "climb the bridge",
		AssistantResponse: "Rope by rope, they climb.",
		Usage:             Usage{PromptTokens: 30, OutputTokens: 12, TotalTokens: 42},
		At:                time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})

	if err := store.Save(thread); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(thread.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != thread.ID || loaded.RollingSummary != thread.RollingSummary {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Turns) != 1 || loaded.Turns[0].AssistantResponse != "Rope by rope, they climb." {
		t.Errorf("turns = %+v", loaded.Turns)
	}
	if loaded.TotalUsage.TotalTokens != 42 {
		t.Errorf("total usage = %d, want 42", loaded.TotalUsage.TotalTokens)
	}
}

func TestSessionListOrdering(t *testing.T) {
	t.Parallel()

	store := newTestSessionStore(t)

	older := store.NewThread()
	older.UpdatedAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := store.NewThread()
	newer.UpdatedAt = time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	if err := store.Save(older); err != nil {
		t.Fatalf("save older: %v", err)
	}
	if err := store.Save(newer); err != nil {
		t.Fatalf("save newer: %v", err)
	}

	threads, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(threads))
	}
	if threads[0].ID != newer.ID {
		t.Error("most recently updated thread must sort first")
	}

	latest, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if latest.ID != newer.ID {
		t.Errorf("latest = %s, want %s", latest.ID, newer.ID)
	}
}

func TestSessionListSkipsMalformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewSessionStore(dir, nil)
	if err != nil {
		t.Fatalf("creating session store: %v", err)
	}

	good := store.NewThread()
	if err := store.Save(good); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing broken file: %v", err)
	}

	threads, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != good.ID {
		t.Errorf("threads = %+v, want only the valid thread", threads)
	}
}

func TestSessionStoreCapsThreadCount(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewSessionStore(dir, nil)
	if err != nil {
		t.Fatalf("creating session store: %v", err)
	}

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var newest, oldest *Thread
	for i := 0; i < maxPersistedThreads+3; i++ {
		thread := store.NewThread()
		thread.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Save(thread); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if i == 0 {
			oldest = thread
		}
		newest = thread
	}

	threads, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(threads) != maxPersistedThreads {
		t.Errorf("threads = %d, want cap %d", len(threads), maxPersistedThreads)
	}
	if threads[0].ID != newest.ID {
		t.Error("newest thread must survive pruning")
	}
	for _, thread := range threads {
		if thread.ID == oldest.ID {
			t.Error("oldest thread must be pruned first")
		}
	}

	// Reopening the store enforces the cap on load as well.
	reopened, err := NewSessionStore(dir, nil)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	threads, err = reopened.List()
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if len(threads) > maxPersistedThreads {
		t.Errorf("threads after reopen = %d, want at most %d", len(threads), maxPersistedThreads)
	}
}

func TestSessionLoadLatestEmptyStore(t *testing.T) {
	t.Parallel()

	store := newTestSessionStore(t)
	thread, err := store.LoadLatest()
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if thread.ID == "" || len(thread.Turns) != 0 {
		t.Errorf("empty store must yield a fresh thread, got %+v", thread)
	}
}
