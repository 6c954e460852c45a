package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/files"
	"github.com/duskpoint/reverie/pkg/prompt"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/store"
	"github.com/duskpoint/reverie/pkg/tools"
)

// fakeAdapter replays scripted stream segments and unary responses, and
// records the message lists it was called with.
type fakeAdapter struct {
	mu sync.Mutex

	streams   [][]providers.Chunk
	streamIdx int
	streamed  [][]providers.Message

	responses []*providers.Response
	respIdx   int
	sent      [][]providers.Message

	gate chan struct{} // when set, each stream waits here before its frames
}

func (f *fakeAdapter) Provider() domain.Provider { return domain.ProviderOpenAICompatible }

func (f *fakeAdapter) Capabilities() providers.Capabilities {
	return providers.Capabilities{SupportsTools: true}
}

func (f *fakeAdapter) StreamMessage(ctx context.Context, params providers.Params) (<-chan providers.Chunk, error) {
	f.mu.Lock()
	msgs := make([]providers.Message, len(params.Messages))
	copy(msgs, params.Messages)
	f.streamed = append(f.streamed, msgs)
	var script []providers.Chunk
	if f.streamIdx < len(f.streams) {
		script = f.streams[f.streamIdx]
		f.streamIdx++
	} else {
		script = []providers.Chunk{{Done: true}}
	}
	gate := f.gate
	f.mu.Unlock()

	out := make(chan providers.Chunk)
	go func() {
		defer close(out)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				out <- providers.Chunk{Done: true, Cancelled: true}
				return
			}
		}
		for _, chunk := range script {
			select {
			case out <- chunk:
			case <-ctx.Done():
				out <- providers.Chunk{Done: true, Cancelled: true}
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeAdapter) SendMessage(ctx context.Context, params providers.Params) (*providers.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]providers.Message, len(params.Messages))
	copy(msgs, params.Messages)
	f.sent = append(f.sent, msgs)
	if f.respIdx < len(f.responses) {
		resp := f.responses[f.respIdx]
		f.respIdx++
		return resp, nil
	}
	return &providers.Response{Content: "ok", FinishReason: "stop"}, nil
}

func (f *fakeAdapter) ParseToolCalls(raw json.RawMessage) ([]providers.ToolCall, error) {
	var calls []providers.ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func (f *fakeAdapter) ValidateCredential(ctx context.Context, apiKey string) (bool, error) {
	return true, nil
}

func (f *fakeAdapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	return nil, nil
}

func (f *fakeAdapter) GenerateImage(ctx context.Context, params providers.ImageParams) (*providers.ImageResponse, error) {
	return nil, nil
}

// stubImageGen returns a scripted image response.
type stubImageGen struct {
	resp *providers.ImageResponse
	err  error
}

func (s *stubImageGen) Generate(ctx context.Context, userID, profileID string, params providers.ImageParams) (*providers.ImageResponse, error) {
	return s.resp, s.err
}

// stubSearcher returns scripted web results.
type stubSearcher struct {
	results []tools.WebResult
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, query string, maxResults int) ([]tools.WebResult, error) {
	return s.results, s.err
}

// tinyPNG is a valid 1x1 transparent PNG.
var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// rawCalls marshals tool calls into the fake adapter's terminal payload
// format.
func rawCalls(t *testing.T, calls ...providers.ToolCall) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(calls)
	require.NoError(t, err)
	return raw
}

// world is a fully wired orchestrator over in-memory storage.
type world struct {
	store   *store.Store
	files   *files.Store
	adapter *fakeAdapter
	orch    *Orchestrator

	userID  string
	chatID  string
	charID  string
	profile *domain.ConnectionProfile
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()

	st := store.OpenMemory()
	fileStore := files.NewStore(st.Files, files.NewLocalBlobStore(t.TempDir()))

	userID := domain.NewID()
	character := &domain.Character{
		UserID:      userID,
		Name:        "Rin",
		Description: "A wandering swordswoman.",
	}
	require.NoError(t, st.Characters.Create(ctx, character))

	profile := &domain.ConnectionProfile{
		UserID:    userID,
		Provider:  domain.ProviderOpenAICompatible,
		ModelName: "local-model",
		BaseURL:   "http://localhost:9999",
		IsDefault: true,
	}
	require.NoError(t, st.ConnectionProfiles.Create(ctx, profile))

	chat := &domain.Chat{
		UserID: userID,
		Title:  "New chat",
		Participants: []domain.Participant{
			{Kind: domain.ParticipantCharacter, RefID: character.ID, IsActive: true, ConnectionProfileID: profile.ID},
		},
	}
	require.NoError(t, st.Chats.Create(ctx, chat))

	adapter := &fakeAdapter{}
	w := &world{
		store:   st,
		files:   fileStore,
		adapter: adapter,
		userID:  userID,
		chatID:  chat.ID,
		charID:  character.ID,
		profile: profile,
	}
	w.orch = NewOrchestrator(Options{
		Store:     st,
		Assembler: prompt.NewAssembler(nil, fileStore),
		Adapters:  func(p *domain.ConnectionProfile) (providers.Adapter, error) { return adapter, nil },
		Creds: func(ctx context.Context, userID, credentialID string) (string, error) {
			return "test-key", nil
		},
	})
	return w
}

// drain collects a whole public stream.
func drain(t *testing.T, stream <-chan PublicChunk) []PublicChunk {
	t.Helper()
	var chunks []PublicChunk
	for c := range stream {
		chunks = append(chunks, c)
	}
	return chunks
}

// last returns the terminal frame of a drained stream.
func last(t *testing.T, chunks []PublicChunk) PublicChunk {
	t.Helper()
	require.NotEmpty(t, chunks)
	return chunks[len(chunks)-1]
}

func (w *world) events(t *testing.T) []*domain.ChatEvent {
	t.Helper()
	events, err := w.store.Events.Events(context.Background(), w.chatID)
	require.NoError(t, err)
	return events
}
