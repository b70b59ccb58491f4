// Package assistant – session.go persists chat threads: turns, the rolling
// summary, and accumulated token usage, one JSON file per thread.
package assistant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPersistedTurns caps how many turns a thread file keeps. Older turns
// fall off the front; the rolling summary preserves their gist.
const maxPersistedTurns = 200

// maxPersistedThreads caps how many thread files the store keeps. The
// oldest-updated threads are dropped first, on open and after every save.
const maxPersistedThreads = 50

// Turn is one user/assistant exchange.
type Turn struct {
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	Usage             Usage     `json:"usage"`
	At                time.Time `json:"at"`
}

// Thread is a persisted conversation.
type Thread struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Turns          []Turn    `json:"turns"`
	RollingSummary string    `json:"rolling_summary,omitempty"`
	TotalUsage     Usage     `json:"total_usage"`
}

// Append records a completed turn and its usage.
func (t *Thread) Append(turn Turn) {
	t.Turns = append(t.Turns, turn)
	if len(t.Turns) > maxPersistedTurns {
		t.Turns = t.Turns[len(t.Turns)-maxPersistedTurns:]
	}
	t.TotalUsage.Add(turn.Usage)
	t.UpdatedAt = turn.At
}

// SessionStore stores threads as JSON files in a directory.
type SessionStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSessionStore creates the store, making the directory if needed.
func NewSessionStore(dir string, logger *slog.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	s := &SessionStore{dir: dir, logger: logger}
	s.mu.Lock()
	s.pruneLocked()
	s.mu.Unlock()
	return s, nil
}

// NewThread creates an empty thread with a fresh ID.
func (s *SessionStore) NewThread() *Thread {
	now := time.Now().UTC()
	return &Thread{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Load reads a thread by ID.
func (s *SessionStore) Load(id string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.threadPath(id))
	if err != nil {
		return nil, fmt.Errorf("reading thread %s: %w", id, err)
	}

	var thread Thread
	if err := json.Unmarshal(data, &thread); err != nil {
		return nil, fmt.Errorf("parsing thread %s: %w", id, err)
	}
	if len(thread.Turns) > maxPersistedTurns {
		thread.Turns = thread.Turns[len(thread.Turns)-maxPersistedTurns:]
	}
	return &thread, nil
}

// LoadLatest returns the most recently updated thread, or a new one when
// the store is empty.
func (s *SessionStore) LoadLatest() (*Thread, error) {
	threads, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return s.NewThread(), nil
	}
	return s.Load(threads[0].ID)
}

// Save writes the thread atomically.
func (s *SessionStore) Save(thread *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(thread, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling thread: %w", err)
	}

	path := s.threadPath(thread.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing thread: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing thread: %w", err)
	}
	s.pruneLocked()

	s.logger.Debug("thread saved", "id", thread.ID, "turns", len(thread.Turns))
	return nil
}

// pruneLocked removes the oldest-updated thread files beyond the store cap.
// Caller must hold s.mu.
func (s *SessionStore) pruneLocked() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	type threadFile struct {
		name    string
		updated time.Time
	}
	var files []threadFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var thread Thread
		if err := json.Unmarshal(data, &thread); err != nil {
			continue
		}
		files = append(files, threadFile{name: entry.Name(), updated: thread.UpdatedAt})
	}
	if len(files) <= maxPersistedThreads {
		return
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].updated.After(files[j].updated)
	})
	for _, f := range files[maxPersistedThreads:] {
		if err := os.Remove(filepath.Join(s.dir, f.name)); err != nil {
			s.logger.Warn("could not prune old thread file", "file", f.name, "error", err)
		} else {
			s.logger.Debug("pruned old thread", "file", f.name)
		}
	}
}

// List returns thread summaries sorted by most recently updated.
func (s *SessionStore) List() ([]*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var threads []*Thread
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var thread Thread
		if err := json.Unmarshal(data, &thread); err != nil {
			s.logger.Warn("skipping malformed thread file", "file", entry.Name(), "error", err)
			continue
		}
		threads = append(threads, &thread)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

func (s *SessionStore) threadPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}
