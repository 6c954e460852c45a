// Package tokens approximates provider token usage for budget accounting.
//
// Estimates deliberately overshoot: a conservative chars-per-token ratio, a
// 5% safety buffer, and fixed per-message/per-conversation overheads keep
// assembled prompts inside provider context windows.
package tokens

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/duskpoint/reverie/pkg/domain"
)

const (
	defaultCharsPerToken    = 3.5
	safetyBuffer            = 0.05
	perMessageOverhead      = 4
	perConversationOverhead = 3
)

// charsPerToken tunes the ratio per provider family. Values stay at or
// below observed averages so estimates overshoot.
var charsPerToken = map[domain.Provider]float64{
	domain.ProviderOpenAI:           3.6,
	domain.ProviderOpenRouter:       3.6,
	domain.ProviderOpenAICompatible: 3.5,
	domain.ProviderGrok:             3.5,
	domain.ProviderGabAI:            3.5,
	domain.ProviderAnthropic:        3.4,
	domain.ProviderOllama:           3.2,
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Estimator converts text to token estimates for one provider/model pair.
// When a tiktoken encoding is known for the model, counts are exact before
// buffering; otherwise the character heuristic applies.
type Estimator struct {
	provider domain.Provider
	encoding *tiktoken.Tiktoken
}

// Message is a role/content pair for conversation estimates.
type Message struct {
	Role    string
	Content string
}

// NewEstimator builds an estimator for the given provider and model. The
// model may be empty; unknown models fall back to the heuristic.
func NewEstimator(provider domain.Provider, model string) *Estimator {
	return &Estimator{
		provider: provider,
		encoding: encodingFor(model),
	}
}

func encodingFor(model string) *tiktoken.Tiktoken {
	if model == "" {
		return nil
	}

	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return cached
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()
	return encoding
}

// EstimateText returns the buffered token estimate for raw text.
func (e *Estimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}

	var raw float64
	if e.encoding != nil {
		raw = float64(len(e.encoding.Encode(text, nil, nil)))
	} else {
		ratio := defaultCharsPerToken
		if r, ok := charsPerToken[e.provider]; ok {
			ratio = r
		}
		raw = math.Ceil(float64(len(text)) / ratio)
	}

	return int(math.Ceil(raw * (1 + safetyBuffer)))
}

// EstimateMessage adds the per-message overhead and role cost.
func (e *Estimator) EstimateMessage(msg Message) int {
	return perMessageOverhead + e.EstimateText(msg.Role) + e.EstimateText(msg.Content)
}

// EstimateConversation sums message estimates plus conversation overhead.
func (e *Estimator) EstimateConversation(msgs []Message) int {
	total := perConversationOverhead
	for _, m := range msgs {
		total += e.EstimateMessage(m)
	}
	return total
}
