package tools

import (
	"context"

	"github.com/duskpoint/reverie/pkg/memory"
)

// MemorySearcher is the retrieval surface the memory tool calls into.
type MemorySearcher interface {
	Search(ctx context.Context, userID, characterID, query string, opts memory.SearchOptions) ([]memory.RankedMemory, error)
}

var searchMemoriesSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "What to recall from long-term memory.",
		},
		"topK": map[string]any{
			"type":    "integer",
			"minimum": 1,
			"maximum": 20,
		},
	},
	"required":             []any{"query"},
	"additionalProperties": false,
}

type memoryHit struct {
	Content    string   `json:"content"`
	Importance float64  `json:"importance"`
	Keywords   []string `json:"keywords,omitempty"`
	Score      float64  `json:"score"`
}

type searchMemoriesPayload struct {
	Query    string      `json:"query"`
	Memories []memoryHit `json:"memories"`
}

// NewSearchMemoriesTool builds the long-term memory retrieval tool.
func NewSearchMemoriesTool(engine MemorySearcher) *Tool {
	return &Tool{
		Name:        "search_memories",
		Description: "Search the character's long-term memories about the user and past conversations.",
		Schema:      searchMemoriesSchema,
		Handler: func(ctx context.Context, args map[string]any, tc Context) (*Result, error) {
			query, _ := args["query"].(string)
			topK := 5
			if k, ok := args["topK"].(float64); ok && k > 0 {
				topK = int(k)
			}

			ranked, err := engine.Search(ctx, tc.UserID, tc.CharacterID, query, memory.SearchOptions{
				TopK:   topK,
				ChatID: tc.ChatID,
			})
			if err != nil {
				return nil, err
			}

			payload := searchMemoriesPayload{Query: query, Memories: []memoryHit{}}
			for _, r := range ranked {
				payload.Memories = append(payload.Memories, memoryHit{
					Content:    r.Memory.Content,
					Importance: r.Memory.Importance,
					Keywords:   r.Memory.Keywords,
					Score:      r.Score,
				})
			}
			return &Result{Payload: payload}, nil
		},
	}
}
