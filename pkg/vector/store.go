package vector

import (
	"context"
	"path/filepath"
	"sync"
)

// Store is the per-character vector surface the memory engine consumes.
// Filters are equality matches on metadata.
type Store interface {
	Add(ctx context.Context, characterID, id string, vec []float32, metadata map[string]string) error
	Update(ctx context.Context, characterID, id string, vec []float32) error
	Remove(ctx context.Context, characterID, id string) error
	Search(ctx context.Context, characterID string, query []float32, k int, filter map[string]string) ([]Result, error)
	Clear(ctx context.Context, characterID string) error
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

// FlatStore keeps one Index per character, snapshotted under
// <dir>/vectors/<characterId>.json. An empty dir keeps everything in
// memory.
type FlatStore struct {
	dir string

	mu      sync.Mutex
	indexes map[string]*Index
}

func NewFlatStore(dir string) *FlatStore {
	return &FlatStore{dir: dir, indexes: make(map[string]*Index)}
}

func (s *FlatStore) index(characterID string) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ix, ok := s.indexes[characterID]; ok {
		return ix, nil
	}

	path := ""
	if s.dir != "" {
		path = filepath.Join(s.dir, "vectors", characterID+".json")
	}
	ix := NewIndex(path)
	if err := ix.Load(); err != nil {
		return nil, err
	}
	s.indexes[characterID] = ix
	return ix, nil
}

func (s *FlatStore) Add(ctx context.Context, characterID, id string, vec []float32, metadata map[string]string) error {
	ix, err := s.index(characterID)
	if err != nil {
		return err
	}
	if err := ix.Add(id, vec, metadata); err != nil {
		return err
	}
	return ix.Save()
}

func (s *FlatStore) Update(ctx context.Context, characterID, id string, vec []float32) error {
	ix, err := s.index(characterID)
	if err != nil {
		return err
	}
	if err := ix.Update(id, vec); err != nil {
		return err
	}
	return ix.Save()
}

func (s *FlatStore) Remove(ctx context.Context, characterID, id string) error {
	ix, err := s.index(characterID)
	if err != nil {
		return err
	}
	ix.Remove(id)
	return ix.Save()
}

func (s *FlatStore) Search(ctx context.Context, characterID string, query []float32, k int, filter map[string]string) ([]Result, error) {
	ix, err := s.index(characterID)
	if err != nil {
		return nil, err
	}
	var pred func(map[string]string) bool
	if len(filter) > 0 {
		pred = func(metadata map[string]string) bool { return matchesFilter(metadata, filter) }
	}
	return ix.Search(query, k, pred)
}

func (s *FlatStore) Clear(ctx context.Context, characterID string) error {
	ix, err := s.index(characterID)
	if err != nil {
		return err
	}
	ix.Clear()
	return ix.Save()
}

var _ Store = (*FlatStore)(nil)
