package vector

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/duskpoint/reverie/pkg/errs"
)

// ChromemStore backs Store with chromem-go, one collection per character.
// Vectors are pre-computed by the embedding client, so the collection's
// embedding function must never run.
type ChromemStore struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens a chromem database. A nonempty persistPath enables
// chromem's own gzip-compressed persistence.
func NewChromemStore(persistPath string, compress bool) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if persistPath != "" {
		db, err = chromem.NewPersistentDB(persistPath, compress)
		if err != nil {
			return nil, errs.Storage("vector db", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemStore{db: db, collections: make(map[string]*chromem.Collection)}, nil
}

func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed")
}

func (s *ChromemStore) collection(characterID string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := "memories-" + characterID
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, rejectEmbedding)
	if err != nil {
		return nil, errs.Storage("vector db", err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) Add(ctx context.Context, characterID, id string, vec []float32, metadata map[string]string) error {
	col, err := s.collection(characterID)
	if err != nil {
		return err
	}
	doc := chromem.Document{ID: id, Metadata: metadata, Embedding: vec}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return errs.Storage("vector db", err)
	}
	return nil
}

func (s *ChromemStore) Update(ctx context.Context, characterID, id string, vec []float32) error {
	// chromem upserts by id; metadata is re-attached by the caller when it
	// changes.
	return s.Add(ctx, characterID, id, vec, nil)
}

func (s *ChromemStore) Remove(ctx context.Context, characterID, id string) error {
	col, err := s.collection(characterID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return errs.Storage("vector db", err)
	}
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, characterID string, query []float32, k int, filter map[string]string) ([]Result, error) {
	col, err := s.collection(characterID)
	if err != nil {
		return nil, err
	}

	// chromem rejects k beyond the collection size.
	if count := col.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, query, k, filter, nil)
	if err != nil {
		return nil, errs.Storage("vector db", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{ID: h.ID, Score: float64(h.Similarity), Metadata: h.Metadata})
	}
	return out, nil
}

func (s *ChromemStore) Clear(ctx context.Context, characterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := "memories-" + characterID
	if err := s.db.DeleteCollection(name); err != nil {
		return errs.Storage("vector db", err)
	}
	delete(s.collections, name)
	return nil
}

var _ Store = (*ChromemStore)(nil)
