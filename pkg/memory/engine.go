// Package memory implements long-term character memory: hybrid retrieval
// over vectors with a keyword fallback, plus policy-driven housekeeping.
package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/embedders"
	"github.com/duskpoint/reverie/pkg/store"
	"github.com/duskpoint/reverie/pkg/vector"
)

const (
	defaultTopK      = 8
	similarityWeight = 0.7
	recencyWeight    = 0.3
	// recencyHalfLifeDays controls how fast unaccessed memories fade in
	// ranking. A memory untouched for a month scores ~0.5 on recency.
	recencyHalfLifeDays = 30.0
)

// Embedder resolves the user's default embedding profile and produces a
// vector. Implemented by the runtime, which owns credential decryption.
type Embedder interface {
	Embed(ctx context.Context, userID, text string) ([]float32, error)
}

// Engine is the memory service for one deployment.
type Engine struct {
	memories store.Repository[*domain.Memory]
	vectors  vector.Store
	embed    Embedder
}

func NewEngine(memories store.Repository[*domain.Memory], vectors vector.Store, embed Embedder) *Engine {
	return &Engine{memories: memories, vectors: vectors, embed: embed}
}

// SearchOptions narrows retrieval.
type SearchOptions struct {
	TopK      int
	ChatID    string
	PersonaID string
}

// RankedMemory is one retrieval hit with its scoring breakdown.
type RankedMemory struct {
	Memory     *domain.Memory
	Similarity float64
	Score      float64
}

// Add persists a memory and indexes its embedding. An embedding failure is
// not fatal: the memory stays retrievable through the keyword fallback.
func (e *Engine) Add(ctx context.Context, mem *domain.Memory) error {
	if mem.LastAccessedAt.IsZero() {
		mem.LastAccessedAt = domain.Now()
	}
	if err := e.memories.Create(ctx, mem); err != nil {
		return err
	}

	vec, err := e.embed.Embed(ctx, mem.UserID, mem.Content)
	if err != nil {
		slog.Warn("Memory stored without embedding", "memory", mem.ID, "error", err)
		return nil
	}
	if err := e.vectors.Add(ctx, mem.CharacterID, mem.ID, vec, memoryMetadata(mem)); err != nil {
		slog.Warn("Failed to index memory vector", "memory", mem.ID, "error", err)
	}
	return nil
}

// Delete removes a memory and its vector.
func (e *Engine) Delete(ctx context.Context, userID, characterID, id string) error {
	if err := e.memories.Delete(ctx, userID, id); err != nil {
		return err
	}
	if err := e.vectors.Remove(ctx, characterID, id); err != nil {
		slog.Warn("Failed to remove memory vector", "memory", id, "error", err)
	}
	return nil
}

func memoryMetadata(mem *domain.Memory) map[string]string {
	metadata := map[string]string{"userId": mem.UserID}
	if mem.ChatID != "" {
		metadata["chatId"] = mem.ChatID
	}
	if mem.PersonaID != "" {
		metadata["personaId"] = mem.PersonaID
	}
	return metadata
}

// Search retrieves the character's most relevant memories for a query.
// Vector search is attempted first; on embedding failure or zero hits the
// engine falls back to keyword scoring over summaries and content.
func (e *Engine) Search(ctx context.Context, userID, characterID, query string, opts SearchOptions) ([]RankedMemory, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	all, err := e.memories.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Memory)
	for _, m := range all {
		if m.CharacterID == characterID {
			byID[m.ID] = m
		}
	}
	if len(byID) == 0 {
		return nil, nil
	}

	similarities := e.vectorSimilarities(ctx, userID, characterID, query, topK)
	if len(similarities) == 0 {
		// Keyword fallback over summaries, then content.
		similarities = make(map[string]float64, len(byID))
		for id, m := range byID {
			text := m.Summary
			if text == "" {
				text = m.Content
			}
			if s := embedders.TextSimilarity(query, text); s > 0 {
				similarities[id] = s
			}
		}
	}

	now := domain.Now()
	ranked := make([]RankedMemory, 0, len(similarities))
	for id, sim := range similarities {
		mem, ok := byID[id]
		if !ok {
			continue
		}
		score := similarityWeight*sim + recencyWeight*recency(mem.LastAccessedAt, now) + mem.Importance
		ranked = append(ranked, RankedMemory{Memory: mem, Similarity: sim, Score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Memory.ID < ranked[j].Memory.ID
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	e.touchAccessed(userID, ranked)
	return ranked, nil
}

func (e *Engine) vectorSimilarities(ctx context.Context, userID, characterID, query string, topK int) map[string]float64 {
	vec, err := e.embed.Embed(ctx, userID, query)
	if err != nil {
		slog.Debug("Memory search falling back to keywords", "error", err)
		return nil
	}

	hits, err := e.vectors.Search(ctx, characterID, vec, topK, nil)
	if err != nil {
		slog.Debug("Vector search failed, falling back to keywords", "error", err)
		return nil
	}

	similarities := make(map[string]float64, len(hits))
	for _, h := range hits {
		similarities[h.ID] = h.Score
	}
	return similarities
}

func recency(lastAccessed time.Time, now time.Time) float64 {
	if lastAccessed.IsZero() {
		return 0
	}
	days := now.Sub(lastAccessed).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-days * math.Ln2 / recencyHalfLifeDays)
}

// touchAccessed refreshes lastAccessedAt for returned memories without
// blocking the caller. Failures only log.
func (e *Engine) touchAccessed(userID string, ranked []RankedMemory) {
	if len(ranked) == 0 {
		return
	}
	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.Memory.ID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		now := domain.Now()
		for _, id := range ids {
			mem, err := e.memories.FindByID(ctx, userID, id)
			if err != nil {
				continue
			}
			mem.LastAccessedAt = now
			if err := e.memories.Update(ctx, userID, mem); err != nil {
				slog.Debug("Failed to update memory access time", "memory", id, "error", err)
			}
		}
	}()
}
