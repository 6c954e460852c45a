package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/providers"
)

type stubMemoryWriter struct {
	mu    sync.Mutex
	added []*domain.Memory
	err   error
}

func (s *stubMemoryWriter) Add(ctx context.Context, mem *domain.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, mem)
	return s.err
}

func (w *world) appendMessage(t *testing.T, role domain.Role, content string) *domain.ChatEvent {
	t.Helper()
	ev := domain.NewMessageEvent(w.chatID, domain.MessageEvent{Role: role, Content: content})
	if role == domain.RoleAssistant {
		ev.Message.SwipeGroupID = domain.NewID()
	}
	require.NoError(t, w.store.Events.Append(context.Background(), ev))
	return ev
}

func (w *world) jobsSetup(t *testing.T) *turnSetup {
	t.Helper()
	ctx := context.Background()
	chat, err := w.store.Chats.FindByID(ctx, w.userID, w.chatID)
	require.NoError(t, err)
	character, err := w.store.Characters.FindByID(ctx, w.userID, w.charID)
	require.NoError(t, err)
	return &turnSetup{chat: chat, character: character, profile: w.profile}
}

func TestExtractMemories(t *testing.T) {
	w := newWorld(t)
	w.appendMessage(t, domain.RoleUser, "My sister's name is Yua.")
	w.appendMessage(t, domain.RoleAssistant, "Rin nods. \"I will remember Yua.\"")

	w.adapter.responses = []*providers.Response{{
		Content: "```json\n[{\"content\": \"The user has a sister named Yua.\", \"summary\": \"sister Yua\", \"keywords\": [\"yua\", \"sister\"], \"importance\": 0.8}]\n```",
	}}

	writer := &stubMemoryWriter{}
	jobs := NewJobs(w.store, writer, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	setup := w.jobsSetup(t)

	require.NoError(t, jobs.ExtractMemories(context.Background(), setup.chat, setup.character))

	require.Len(t, writer.added, 1)
	mem := writer.added[0]
	assert.Equal(t, "The user has a sister named Yua.", mem.Content)
	assert.Equal(t, "sister Yua", mem.Summary)
	assert.Equal(t, []string{"yua", "sister"}, mem.Keywords)
	assert.Equal(t, 0.8, mem.Importance)
	assert.Equal(t, w.userID, mem.UserID)
	assert.Equal(t, w.charID, mem.CharacterID)
	assert.Equal(t, w.chatID, mem.ChatID)

	// The closing exchange was the prompt body.
	require.Len(t, w.adapter.sent, 1)
	prompt := w.adapter.sent[0]
	assert.Contains(t, prompt[1].Content, "My sister's name is Yua.")
}

func TestExtractMemoriesNothingQualifies(t *testing.T) {
	w := newWorld(t)
	w.appendMessage(t, domain.RoleUser, "hi")
	w.appendMessage(t, domain.RoleAssistant, "hello")

	w.adapter.responses = []*providers.Response{{Content: "[]"}}

	writer := &stubMemoryWriter{}
	jobs := NewJobs(w.store, writer, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	setup := w.jobsSetup(t)

	require.NoError(t, jobs.ExtractMemories(context.Background(), setup.chat, setup.character))
	assert.Empty(t, writer.added)
}

func TestExtractMemoriesSkipsEmptyChat(t *testing.T) {
	w := newWorld(t)
	writer := &stubMemoryWriter{}
	jobs := NewJobs(w.store, writer, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	setup := w.jobsSetup(t)

	require.NoError(t, jobs.ExtractMemories(context.Background(), setup.chat, setup.character))
	assert.Empty(t, writer.added)
	assert.Empty(t, w.adapter.sent, "no model call without an exchange")
}

func TestRefreshTitleAtCheckpoint(t *testing.T) {
	w := newWorld(t)
	for i := 0; i < 2; i++ {
		w.appendMessage(t, domain.RoleUser, "question")
		w.appendMessage(t, domain.RoleAssistant, "answer")
	}

	w.adapter.responses = []*providers.Response{{Content: "\"A Fireside Meeting\"\n"}}

	jobs := NewJobs(w.store, nil, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	setup := w.jobsSetup(t)

	require.NoError(t, jobs.RefreshTitle(context.Background(), setup.chat))

	chat, err := w.store.Chats.FindByID(context.Background(), w.userID, w.chatID)
	require.NoError(t, err)
	assert.Equal(t, "A Fireside Meeting", chat.Title)
	assert.Equal(t, 2, chat.TitleLastCheckedAtInterchange)

	// The same checkpoint is not re-evaluated.
	require.NoError(t, jobs.RefreshTitle(context.Background(), chat))
	assert.Len(t, w.adapter.sent, 1)
}

func TestRefreshTitleSkipsBetweenCheckpoints(t *testing.T) {
	w := newWorld(t)
	w.appendMessage(t, domain.RoleUser, "question")
	w.appendMessage(t, domain.RoleAssistant, "answer")

	jobs := NewJobs(w.store, nil, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	setup := w.jobsSetup(t)

	require.NoError(t, jobs.RefreshTitle(context.Background(), setup.chat))
	assert.Empty(t, w.adapter.sent, "one interchange is not a checkpoint")

	chat, err := w.store.Chats.FindByID(context.Background(), w.userID, w.chatID)
	require.NoError(t, err)
	assert.Equal(t, "New chat", chat.Title)
}

func TestSummarizeContext(t *testing.T) {
	w := newWorld(t)
	for i := 0; i < 4; i++ {
		w.appendMessage(t, domain.RoleUser, "question")
		w.appendMessage(t, domain.RoleAssistant, "answer")
	}

	w.adapter.responses = []*providers.Response{{Content: "Rin and the user traded four questions by the fire."}}

	jobs := NewJobs(w.store, nil, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	jobs.summarizeThreshold = 6
	jobs.keepRecent = 3
	setup := w.jobsSetup(t)

	require.NoError(t, jobs.SummarizeContext(context.Background(), setup.chat))

	events := w.events(t)
	summary, ok := domain.LatestSummary(events)
	require.True(t, ok)
	assert.Equal(t, "Rin and the user traded four questions by the fire.", summary.Summary.Content)

	// The newest keepRecent messages stay raw.
	messages := domain.ProjectMessages(events)
	cutoff := messages[len(messages)-1-3].Event.ID // 8 messages, 5 summarized
	assert.Equal(t, cutoff, summary.Summary.SummarizesUpToEventID)

	remaining := domain.ProjectMessages(domain.EventsAfter(events, summary.Summary.SummarizesUpToEventID))
	raw := 0
	for _, m := range remaining {
		if m.Event.Kind == domain.EventMessage {
			raw++
		}
	}
	assert.Equal(t, 3, raw)

	// Below the threshold nothing new is summarized.
	require.NoError(t, jobs.SummarizeContext(context.Background(), setup.chat))
	assert.Len(t, w.adapter.sent, 1)
}

func TestSummarizeContextFoldsPriorSummary(t *testing.T) {
	w := newWorld(t)
	for i := 0; i < 3; i++ {
		w.appendMessage(t, domain.RoleUser, "question")
		w.appendMessage(t, domain.RoleAssistant, "answer")
	}

	jobs := NewJobs(w.store, nil, func(p *domain.ConnectionProfile) (providers.Adapter, error) { return w.adapter, nil }, nil)
	jobs.summarizeThreshold = 4
	jobs.keepRecent = 2
	setup := w.jobsSetup(t)

	w.adapter.responses = []*providers.Response{
		{Content: "First summary."},
		{Content: "Second summary."},
	}

	require.NoError(t, jobs.SummarizeContext(context.Background(), setup.chat))

	for i := 0; i < 3; i++ {
		w.appendMessage(t, domain.RoleUser, "more")
		w.appendMessage(t, domain.RoleAssistant, "still more")
	}
	require.NoError(t, jobs.SummarizeContext(context.Background(), setup.chat))

	require.Len(t, w.adapter.sent, 2)
	second := w.adapter.sent[1]
	assert.Contains(t, second[1].Content, "Previous summary: First summary.")

	summary, ok := domain.LatestSummary(w.events(t))
	require.True(t, ok)
	assert.Equal(t, "Second summary.", summary.Summary.Content)
}

func TestCheapProfilePreferred(t *testing.T) {
	w := newWorld(t)
	cheap := &domain.ConnectionProfile{
		UserID:    w.userID,
		Provider:  domain.ProviderOpenAICompatible,
		ModelName: "tiny-model",
		BaseURL:   "http://localhost:9999",
		IsCheap:   true,
	}
	require.NoError(t, w.store.ConnectionProfiles.Create(context.Background(), cheap))

	jobs := NewJobs(w.store, nil, nil, nil)
	got, err := jobs.cheapProfile(context.Background(), w.userID)
	require.NoError(t, err)
	assert.Equal(t, cheap.ID, got.ID)
}
