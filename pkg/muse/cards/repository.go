package cards

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Repository supplies card snapshots and the active scope for a workspace.
// The scenario editor implements this over its own document store; the CLI
// uses FileRepository below.
type Repository interface {
	// Cards returns every card in the workspace, including archived and
	// floating ones. Callers filter with VisibleCards.
	Cards(ctx context.Context, workspace string) ([]Snapshot, error)

	// Scope returns the IDs of the cards the user is currently focused on.
	// An empty slice means no active selection.
	Scope(ctx context.Context, workspace string) ([]string, error)
}

const (
	cardsFileName = "cards.json"
	scopeFileName = "scope.json"
)

// FileRepository reads cards and scope from JSON files inside a workspace
// directory. This is the storage format the CLI operates on.
type FileRepository struct {
	Root string // parent directory holding one subdirectory per workspace
}

// NewFileRepository creates a repository rooted at dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{Root: dir}
}

// Cards implements Repository.
func (r *FileRepository) Cards(_ context.Context, workspace string) ([]Snapshot, error) {
	path := filepath.Join(r.Root, workspace, cardsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cards: %w", err)
	}

	var list []Snapshot
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cardsFileName, err)
	}
	SortCanonical(list)
	return list, nil
}

// Scope implements Repository.
func (r *FileRepository) Scope(_ context.Context, workspace string) ([]string, error) {
	path := filepath.Join(r.Root, workspace, scopeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading scope: %w", err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", scopeFileName, err)
	}
	return ids, nil
}

// SaveCards writes the card list for a workspace. Writes to a temp file and
// renames so a crash mid-write never leaves a truncated cards.json.
func (r *FileRepository) SaveCards(workspace string, list []Snapshot) error {
	dir := filepath.Join(r.Root, workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cards: %w", err)
	}

	path := filepath.Join(dir, cardsFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cards: %w", err)
	}
	return os.Rename(tmp, path)
}
