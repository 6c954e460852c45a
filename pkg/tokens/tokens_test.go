package tokens

import (
	"strings"
	"testing"

	"github.com/duskpoint/reverie/pkg/domain"
)

func TestEstimateTextEmpty(t *testing.T) {
	e := NewEstimator(domain.ProviderOpenAI, "")
	if got := e.EstimateText(""); got != 0 {
		t.Errorf("EstimateText(\"\") = %d, want 0", got)
	}
}

func TestEstimateTextHeuristicOvershoots(t *testing.T) {
	// Without a known model the character heuristic applies.
	e := NewEstimator(domain.ProviderOllama, "")
	text := strings.Repeat("word ", 200) // 1000 chars

	got := e.EstimateText(text)
	// 1000 chars / 3.2 chars-per-token ≈ 313, buffered ≈ 329.
	if got < 313 {
		t.Errorf("EstimateText() = %d, want >= 313 (conservative)", got)
	}
}

func TestEstimateTextBufferApplied(t *testing.T) {
	e := NewEstimator(domain.ProviderGrok, "")
	text := strings.Repeat("a", 350) // exactly 100 raw tokens at 3.5

	if got := e.EstimateText(text); got != 105 {
		t.Errorf("EstimateText() = %d, want 105 (100 + 5%% buffer)", got)
	}
}

func TestEstimateMessageOverhead(t *testing.T) {
	e := NewEstimator(domain.ProviderOpenAICompatible, "")
	content := e.EstimateText("hello there")
	role := e.EstimateText("user")

	got := e.EstimateMessage(Message{Role: "user", Content: "hello there"})
	if got != 4+role+content {
		t.Errorf("EstimateMessage() = %d, want %d", got, 4+role+content)
	}
}

func TestEstimateConversation(t *testing.T) {
	e := NewEstimator(domain.ProviderAnthropic, "")
	msgs := []Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	}

	sum := 3
	for _, m := range msgs {
		sum += e.EstimateMessage(m)
	}

	if got := e.EstimateConversation(msgs); got != sum {
		t.Errorf("EstimateConversation() = %d, want %d", got, sum)
	}
}

func TestTiktokenPathForKnownModel(t *testing.T) {
	e := NewEstimator(domain.ProviderOpenAI, "gpt-4o")
	if e.encoding == nil {
		t.Skip("tiktoken encoding unavailable in this environment")
	}

	// Exact counting still carries the safety buffer, so a known short
	// string stays small but nonzero.
	got := e.EstimateText("hello world")
	if got < 2 || got > 8 {
		t.Errorf("EstimateText(hello world) = %d, want small count", got)
	}
}
