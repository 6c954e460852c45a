package prompt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/files"
	"github.com/duskpoint/reverie/pkg/memory"
	"github.com/duskpoint/reverie/pkg/store"
)

type stubMemories struct {
	ranked []memory.RankedMemory
	query  string
}

func (s *stubMemories) Search(ctx context.Context, userID, characterID, query string, opts memory.SearchOptions) ([]memory.RankedMemory, error) {
	s.query = query
	return s.ranked, nil
}

func newTestFiles(t *testing.T) *files.Store {
	t.Helper()
	return files.NewStore(
		store.NewMemoryRepository[*domain.FileEntry]("file"),
		files.NewLocalBlobStore(t.TempDir()),
	)
}

func testCharacter() *domain.Character {
	return &domain.Character{
		ID:          "char-1",
		UserID:      "u1",
		Name:        "Rin",
		Description: "{{char}} is a wandering swordswoman.",
		Personality: "stoic, dry wit",
		Scenario:    "A rainy mountain pass.",
	}
}

func testChat() *domain.Chat {
	return &domain.Chat{ID: "chat-1", UserID: "u1"}
}

func testProfile(params map[string]any) *domain.ConnectionProfile {
	return &domain.ConnectionProfile{
		ID:         "prof-1",
		UserID:     "u1",
		Provider:   domain.ProviderOpenAICompatible,
		ModelName:  "local-model",
		Parameters: params,
	}
}

func userMessage(chatID, content string) *domain.ChatEvent {
	return domain.NewMessageEvent(chatID, domain.MessageEvent{Role: domain.RoleUser, Content: content})
}

func assistantMessage(chatID, content string) *domain.ChatEvent {
	return domain.NewMessageEvent(chatID, domain.MessageEvent{Role: domain.RoleAssistant, Content: content})
}

func TestAssembleOrder(t *testing.T) {
	mems := &stubMemories{ranked: []memory.RankedMemory{
		{Memory: &domain.Memory{Content: "User prefers rainy weather", CreatedAt: time.Now()}, Score: 0.9},
	}}
	a := NewAssembler(mems, newTestFiles(t))

	char := testCharacter()
	char.SystemPrompt = "Roleplay as {{char}}."
	char.ExampleDialogues = "<START>\n{{user}}: Who are you?\n{{char}}: A stranger on the road."

	persona := &domain.Persona{ID: "pers-1", Name: "Kai", Description: "A traveling scholar."}

	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: char,
		Persona:   persona,
		Profile:   testProfile(nil),
		Events: []*domain.ChatEvent{
			userMessage("chat-1", "Hello"),
			assistantMessage("chat-1", "Hm."),
		},
		Content: "What brings you here?",
	})
	require.NoError(t, err)

	contents := make([]string, len(out.Messages))
	for i, m := range out.Messages {
		contents[i] = m.Content
	}

	// 1. system prompt, templated
	assert.Equal(t, "Roleplay as Rin.", contents[0])
	// 2. persona block
	assert.Equal(t, "You are talking to Kai. A traveling scholar.", contents[1])
	// 3. character block
	assert.Contains(t, contents[2], "Rin is a wandering swordswoman.")
	assert.Contains(t, contents[2], "Rin's personality: stoic, dry wit")
	assert.Contains(t, contents[2], "Scenario: A rainy mountain pass.")
	// 4. example dialogue pair
	assert.Equal(t, domain.RoleUser, out.Messages[3].Role)
	assert.Equal(t, "Who are you?", contents[3])
	assert.Equal(t, domain.RoleAssistant, out.Messages[4].Role)
	assert.Equal(t, "A stranger on the road.", contents[4])
	// 5. memories block
	assert.True(t, strings.HasPrefix(contents[5], "Relevant long-term memories:"))
	assert.Contains(t, contents[5], "User prefers rainy weather")
	// 7. history then 8. pending turn
	assert.Equal(t, "Hello", contents[6])
	assert.Equal(t, "Hm.", contents[7])
	assert.Equal(t, "What brings you here?", contents[8])
	assert.Equal(t, domain.RoleUser, out.Messages[8].Role)

	assert.Equal(t, "What brings you here?", mems.query, "pending turn drives retrieval")
	assert.Equal(t, 2, out.IncludedHistory)
	assert.Equal(t, 1, out.IncludedMemory)
}

func TestAssembleDefaultSystemPromptAndNoPersona(t *testing.T) {
	a := NewAssembler(&stubMemories{}, newTestFiles(t))

	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: testCharacter(),
		Profile:   testProfile(nil),
		Content:   "hi",
	})
	require.NoError(t, err)

	assert.Contains(t, out.Messages[0].Content, "You are Rin.")
	for _, m := range out.Messages {
		assert.NotContains(t, m.Content, "You are talking to")
	}
}

func TestAssembleSummaryReplacesPriorHistory(t *testing.T) {
	a := NewAssembler(&stubMemories{}, newTestFiles(t))

	early1 := userMessage("chat-1", "old question")
	early2 := assistantMessage("chat-1", "old answer")
	summary := &domain.ChatEvent{
		ID:     domain.NewID(),
		ChatID: "chat-1",
		Kind:   domain.EventContextSummary,
		Summary: &domain.ContextSummaryEvent{
			SummarizesUpToEventID: early2.ID,
			Content:               "They discussed the old question.",
		},
		CreatedAt: domain.Now(),
	}
	late := userMessage("chat-1", "new question")

	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: testCharacter(),
		Profile:   testProfile(nil),
		Events:    []*domain.ChatEvent{early1, early2, summary, late},
		Content:   "follow-up",
	})
	require.NoError(t, err)

	joined := ""
	for _, m := range out.Messages {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "They discussed the old question.")
	assert.Contains(t, joined, "new question")
	assert.NotContains(t, joined, "old answer", "summarized history is replaced")
}

func TestAssembleBudgetDropsOldestHistory(t *testing.T) {
	a := NewAssembler(&stubMemories{}, newTestFiles(t))

	long := strings.Repeat("a very long message about nothing in particular. ", 40)
	events := []*domain.ChatEvent{
		userMessage("chat-1", long),
		assistantMessage("chat-1", long),
		userMessage("chat-1", "recent short question"),
		assistantMessage("chat-1", "recent short answer"),
	}

	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: testCharacter(),
		Profile:   testProfile(map[string]any{"contextLimit": 1300}),
		Events:    events,
		Content:   "and now?",
	})
	require.NoError(t, err)

	joined := ""
	for _, m := range out.Messages {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "recent short question")
	assert.Contains(t, joined, "recent short answer")
	assert.NotContains(t, joined, long, "oldest history falls out of budget first")
	assert.Less(t, out.IncludedHistory, len(events))
}

func TestAssembleMemoryFloorSurvivesTightBudget(t *testing.T) {
	now := time.Now()
	mems := &stubMemories{ranked: []memory.RankedMemory{
		{Memory: &domain.Memory{Content: "newest memory", CreatedAt: now}},
		{Memory: &domain.Memory{Content: "middle memory", CreatedAt: now.Add(-time.Hour)}},
		{Memory: &domain.Memory{Content: "oldest memory", CreatedAt: now.Add(-2 * time.Hour)}},
	}}
	a := NewAssembler(mems, newTestFiles(t))

	long := strings.Repeat("chatter that fills the window entirely. ", 30)
	events := []*domain.ChatEvent{
		userMessage("chat-1", long),
		assistantMessage("chat-1", long),
	}

	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: testCharacter(),
		Profile:   testProfile(map[string]any{"contextLimit": 1500}),
		Events:    events,
		Content:   "hello",
	})
	require.NoError(t, err)

	joined := ""
	for _, m := range out.Messages {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "newest memory")
	assert.Contains(t, joined, "middle memory")
	assert.GreaterOrEqual(t, out.IncludedMemory, 2, "memory floor holds under pressure")
}

func TestAssembleOversizedMemoryNeverBustsBudget(t *testing.T) {
	huge := strings.Repeat("an exhaustive recollection of every detail. ", 120)
	mems := &stubMemories{ranked: []memory.RankedMemory{
		{Memory: &domain.Memory{Content: huge, CreatedAt: time.Now()}},
		{Memory: &domain.Memory{Content: huge, CreatedAt: time.Now().Add(-time.Hour)}},
	}}
	a := NewAssembler(mems, newTestFiles(t))

	limit := 1300
	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: testCharacter(),
		Profile:   testProfile(map[string]any{"contextLimit": limit}),
		Content:   "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, out.IncludedMemory, "memories that cannot fit are dropped, floor or not")
	assert.LessOrEqual(t, out.PromptTokens+reservedResponse, limit, "reply reservation survives memory pressure")
}

func TestAssembleContextOverflow(t *testing.T) {
	a := NewAssembler(&stubMemories{}, newTestFiles(t))

	char := testCharacter()
	char.Description = strings.Repeat("an extremely detailed backstory. ", 200)

	_, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: char,
		Profile:   testProfile(map[string]any{"contextLimit": 1200}),
		Content:   "hi",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeContextOverflow, errs.CodeOf(err))
}

func TestAssembleResolvesAttachments(t *testing.T) {
	fileStore := newTestFiles(t)
	entry, err := fileStore.Create(context.Background(), files.CreateInput{
		Data:             []byte("pixels"),
		OriginalFilename: "photo.png",
		MimeType:         "image/png",
		Source:           domain.FileSourceUploaded,
		Category:         domain.FileCategoryAttachment,
		UserID:           "u1",
	})
	require.NoError(t, err)

	a := NewAssembler(&stubMemories{}, fileStore)
	out, err := a.Assemble(context.Background(), Input{
		Chat:        testChat(),
		Character:   testCharacter(),
		Profile:     testProfile(nil),
		Content:     "look at this",
		Attachments: []domain.Attachment{{FileID: entry.ID, MimeType: "image/png"}},
	})
	require.NoError(t, err)

	pending := out.Messages[len(out.Messages)-1]
	require.Len(t, pending.Attachments, 1)
	assert.Equal(t, []byte("pixels"), pending.Attachments[0].Data)
	assert.Equal(t, "photo.png", pending.Attachments[0].Filename)
}

func TestAssembleDropsUnreadableAttachment(t *testing.T) {
	a := NewAssembler(&stubMemories{}, newTestFiles(t))

	out, err := a.Assemble(context.Background(), Input{
		Chat:        testChat(),
		Character:   testCharacter(),
		Profile:     testProfile(nil),
		Content:     "look at this",
		Attachments: []domain.Attachment{{FileID: "missing-file", MimeType: "image/png"}},
	})
	require.NoError(t, err, "a bad attachment must not fail the turn")

	pending := out.Messages[len(out.Messages)-1]
	assert.Empty(t, pending.Attachments)
	require.Len(t, out.FailedAttachments, 1)
	assert.Equal(t, "missing-file", out.FailedAttachments[0].FileID)
	assert.NotEmpty(t, out.FailedAttachments[0].Reason)
}

func TestAssembleSelectedSwipeEntersHistory(t *testing.T) {
	a := NewAssembler(&stubMemories{}, newTestFiles(t))

	user := userMessage("chat-1", "tell me a story")
	swipeA := domain.NewMessageEvent("chat-1", domain.MessageEvent{
		Role: domain.RoleAssistant, Content: "variant A", SwipeGroupID: "g1", SwipeIndex: 0,
	})
	swipeB := domain.NewMessageEvent("chat-1", domain.MessageEvent{
		Role: domain.RoleAssistant, Content: "variant B", SwipeGroupID: "g1", SwipeIndex: 1,
	})
	selectA := &domain.ChatEvent{
		ID:          domain.NewID(),
		ChatID:      "chat-1",
		Kind:        domain.EventSwipeSelect,
		SwipeSelect: &domain.SwipeSelectEvent{SwipeGroupID: "g1", SwipeIndex: 0},
		CreatedAt:   domain.Now(),
	}

	out, err := a.Assemble(context.Background(), Input{
		Chat:      testChat(),
		Character: testCharacter(),
		Profile:   testProfile(nil),
		Events:    []*domain.ChatEvent{user, swipeA, swipeB, selectA},
		Content:   "go on",
	})
	require.NoError(t, err)

	joined := ""
	for _, m := range out.Messages {
		joined += m.Content + "\n"
	}
	assert.Contains(t, joined, "variant A")
	assert.NotContains(t, joined, "variant B")
}
