// Package vector stores memory embeddings per character.
//
// The default backing is a flat in-memory index with a durable JSON
// snapshot. Expected cardinality is at most a few thousand vectors per
// character, so exhaustive cosine search beats the complexity of an ANN
// structure. A chromem-go backing is available for deployments that want
// its gzip persistence instead.
package vector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/duskpoint/reverie/pkg/embedders"
	"github.com/duskpoint/reverie/pkg/errs"
)

// Entry is one stored vector.
type Entry struct {
	ID       string            `json:"id"`
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is one search hit, score descending.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

type snapshot struct {
	Dimensions int     `json:"dimensions"`
	Entries    []Entry `json:"entries"`
}

// Index is a flat per-character vector index. Dimensions are fixed by the
// first insert; every later vector must match.
type Index struct {
	mu         sync.RWMutex
	path       string
	dimensions int
	entries    map[string]Entry
}

// NewIndex builds an index snapshotted at path. An empty path keeps the
// index memory-only.
func NewIndex(path string) *Index {
	return &Index{path: path, entries: make(map[string]Entry)}
}

// Load replaces index contents with the snapshot at path. A missing file
// leaves an empty index.
func (ix *Index) Load() error {
	if ix.path == "" {
		return nil
	}

	raw, err := os.ReadFile(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Storage("vector index", err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return errs.Storage("vector index", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dimensions = snap.Dimensions
	ix.entries = make(map[string]Entry, len(snap.Entries))
	for _, e := range snap.Entries {
		ix.entries[e.ID] = e
	}
	return nil
}

// Save writes the snapshot via write-temp-then-rename.
func (ix *Index) Save() error {
	if ix.path == "" {
		return nil
	}

	ix.mu.RLock()
	snap := snapshot{Dimensions: ix.dimensions, Entries: make([]Entry, 0, len(ix.entries))}
	for _, e := range ix.entries {
		snap.Entries = append(snap.Entries, e)
	}
	ix.mu.RUnlock()

	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })

	raw, err := json.Marshal(snap)
	if err != nil {
		return errs.Storage("vector index", err)
	}

	dir := filepath.Dir(ix.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Storage("vector index", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.Storage("vector index", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.Storage("vector index", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Storage("vector index", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Storage("vector index", err)
	}
	if err := os.Rename(tmpName, ix.path); err != nil {
		return errs.Storage("vector index", err)
	}
	return nil
}

// Add inserts or replaces a vector. The first insert fixes dimensions.
func (ix *Index) Add(id string, vec []float32, metadata map[string]string) error {
	if len(vec) == 0 {
		return errs.InvalidRequest("vector is empty")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dimensions == 0 {
		ix.dimensions = len(vec)
	} else if len(vec) != ix.dimensions {
		return errs.InvalidRequest("vector dimension mismatch")
	}

	ix.entries[id] = Entry{ID: id, Vector: vec, Metadata: metadata}
	return nil
}

// Update replaces an existing vector, keeping its metadata.
func (ix *Index) Update(id string, vec []float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entry, ok := ix.entries[id]
	if !ok {
		return errs.NotFound("vector", id)
	}
	if len(vec) != ix.dimensions {
		return errs.InvalidRequest("vector dimension mismatch")
	}
	entry.Vector = vec
	ix.entries[id] = entry
	return nil
}

// Remove drops a vector. Unknown ids are a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, id)
}

// Clear drops everything, including the dimension lock-in.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = make(map[string]Entry)
	ix.dimensions = 0
}

// Len reports the entry count.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search scores query against every entry and returns the top k, filtered
// by the optional metadata predicate.
func (ix *Index) Search(query []float32, k int, filter func(map[string]string) bool) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != ix.dimensions {
		return nil, errs.InvalidRequest("query dimension mismatch")
	}

	results := make([]Result, 0, len(ix.entries))
	for _, e := range ix.entries {
		if filter != nil && !filter(e.Metadata) {
			continue
		}
		score, err := embedders.Cosine(query, e.Vector)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{ID: e.ID, Score: score, Metadata: e.Metadata})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
