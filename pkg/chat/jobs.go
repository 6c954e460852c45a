package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/store"
)

const (
	// summarizeThreshold is how many raw messages may follow the latest
	// summary before the next one is cut.
	defaultSummarizeThreshold = 20
	// keepRecent messages stay out of any new summary.
	defaultKeepRecent = 10
	// maxMemoriesPerTurn caps extraction output.
	maxMemoriesPerTurn = 5
)

// MemoryWriter persists extracted memories.
type MemoryWriter interface {
	Add(ctx context.Context, mem *domain.Memory) error
}

// Jobs runs the post-turn housekeeping: memory extraction, title refresh and
// context summarization. Everything here is best-effort; failures log and
// never surface to the caller or block the next turn.
type Jobs struct {
	store    *store.Store
	memories MemoryWriter
	adapters AdapterFactory
	creds    CredentialResolver

	summarizeThreshold int
	keepRecent         int
}

// JobsOption adjusts job thresholds.
type JobsOption func(*Jobs)

// WithSummarizeThreshold sets how many unsummarized messages trigger a new
// context summary.
func WithSummarizeThreshold(n int) JobsOption {
	return func(j *Jobs) {
		if n > 0 {
			j.summarizeThreshold = n
		}
	}
}

// WithKeepRecent sets how many of the newest messages stay out of summaries.
func WithKeepRecent(n int) JobsOption {
	return func(j *Jobs) {
		if n > 0 {
			j.keepRecent = n
		}
	}
}

func NewJobs(st *store.Store, memories MemoryWriter, adapters AdapterFactory, creds CredentialResolver, opts ...JobsOption) *Jobs {
	if adapters == nil {
		adapters = providers.FromProfile
	}
	if creds == nil {
		creds = func(ctx context.Context, userID, credentialID string) (string, error) { return "", nil }
	}
	j := &Jobs{
		store:              st,
		memories:           memories,
		adapters:           adapters,
		creds:              creds,
		summarizeThreshold: defaultSummarizeThreshold,
		keepRecent:         defaultKeepRecent,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run executes all jobs for the turn that just finalized.
func (j *Jobs) Run(ctx context.Context, setup *turnSetup) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := j.ExtractMemories(ctx, setup.chat, setup.character); err != nil {
			slog.Error("Memory extraction failed", "chat", setup.chat.ID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := j.RefreshTitle(ctx, setup.chat); err != nil {
			slog.Error("Title refresh failed", "chat", setup.chat.ID, "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := j.SummarizeContext(ctx, setup.chat); err != nil {
			slog.Error("Context summarization failed", "chat", setup.chat.ID, "error", err)
		}
		return nil
	})
	_ = g.Wait()
}

// cheapProfile picks the profile for background work: an IsCheap profile if
// one exists, otherwise the default.
func (j *Jobs) cheapProfile(ctx context.Context, userID string) (*domain.ConnectionProfile, error) {
	profiles, err := j.store.ConnectionProfiles.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		if p.IsCheap {
			return p, nil
		}
	}
	for _, p := range profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	return nil, errs.Configuration("no connection profile for background jobs", "connectionProfileId")
}

// complete runs one unary request against the cheap profile.
func (j *Jobs) complete(ctx context.Context, userID, system, user string) (string, error) {
	profile, err := j.cheapProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	adapter, err := j.adapters(profile)
	if err != nil {
		return "", err
	}
	apiKey, err := j.creds(ctx, userID, profile.APICredentialID)
	if err != nil {
		return "", err
	}

	resp, err := adapter.SendMessage(ctx, providers.Params{
		APIKey: apiKey,
		Messages: []providers.Message{
			{Role: domain.RoleSystem, Content: system},
			{Role: domain.RoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

type memoryCandidate struct {
	Content    string   `json:"content"`
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Importance float64  `json:"importance"`
}

// ExtractMemories summarizes the closing exchange into memory candidates
// and persists each one.
func (j *Jobs) ExtractMemories(ctx context.Context, chat *domain.Chat, character *domain.Character) error {
	if j.memories == nil {
		return nil
	}
	events, err := j.store.Events.Events(ctx, chat.ID)
	if err != nil {
		return err
	}
	exchange := closingExchange(events)
	if exchange == "" {
		return nil
	}

	system := fmt.Sprintf(
		"You extract long-term memories from a roleplay conversation. "+
			"Return a JSON array of at most %d objects with fields content, summary, keywords (array of strings) "+
			"and importance (0.0-1.0). Only include facts worth remembering across sessions. "+
			"Return [] when nothing qualifies.", maxMemoriesPerTurn)

	raw, err := j.complete(ctx, chat.UserID, system, exchange)
	if err != nil {
		return err
	}

	var candidates []memoryCandidate
	if err := json.Unmarshal([]byte(stripFences(raw)), &candidates); err != nil {
		return fmt.Errorf("unparseable memory candidates: %w", err)
	}
	if len(candidates) > maxMemoriesPerTurn {
		candidates = candidates[:maxMemoriesPerTurn]
	}

	for _, c := range candidates {
		if c.Content == "" {
			continue
		}
		mem := &domain.Memory{
			UserID:      chat.UserID,
			CharacterID: character.ID,
			ChatID:      chat.ID,
			Content:     c.Content,
			Summary:     c.Summary,
			Keywords:    c.Keywords,
			Importance:  c.Importance,
		}
		if err := j.memories.Add(ctx, mem); err != nil {
			slog.Warn("Failed to persist extracted memory", "chat", chat.ID, "error", err)
		}
	}
	return nil
}

// closingExchange renders the last user/assistant pair as transcript text.
func closingExchange(events []*domain.ChatEvent) string {
	messages := domain.ProjectMessages(events)
	if len(messages) == 0 {
		return ""
	}
	start := len(messages) - 2
	if start < 0 {
		start = 0
	}
	var lines []string
	for _, m := range messages[start:] {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Event.Message.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// RefreshTitle re-titles the chat at interchange checkpoints. A checkpoint
// already evaluated is skipped via TitleLastCheckedAtInterchange.
func (j *Jobs) RefreshTitle(ctx context.Context, chat *domain.Chat) error {
	events, err := j.store.Events.Events(ctx, chat.ID)
	if err != nil {
		return err
	}
	n := domain.CountInterchanges(events)
	if !domain.IsTitleCheckpoint(n) || chat.TitleLastCheckedAtInterchange >= n {
		return nil
	}

	transcript := recentTranscript(events, 6)
	title, err := j.complete(ctx, chat.UserID,
		"You title conversations. Reply with a title of at most six words. No quotes, no punctuation at the end.",
		transcript)
	if err != nil {
		return err
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))

	fresh, err := j.store.Chats.FindByID(ctx, chat.UserID, chat.ID)
	if err != nil {
		return err
	}
	if title != "" {
		fresh.Title = title
	}
	fresh.TitleLastCheckedAtInterchange = n
	return j.store.Chats.Update(ctx, chat.UserID, fresh)
}

func recentTranscript(events []*domain.ChatEvent, max int) string {
	messages := domain.ProjectMessages(events)
	if len(messages) > max {
		messages = messages[len(messages)-max:]
	}
	var lines []string
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Event.Message.Role, m.Content))
	}
	return strings.Join(lines, "\n")
}

// SummarizeContext folds the oldest raw history into a context-summary
// event once the unsummarized window outgrows the threshold. The newest
// messages stay raw.
func (j *Jobs) SummarizeContext(ctx context.Context, chat *domain.Chat) error {
	events, err := j.store.Events.Events(ctx, chat.ID)
	if err != nil {
		return err
	}

	window := events
	priorSummary := ""
	if summary, ok := domain.LatestSummary(events); ok {
		priorSummary = summary.Summary.Content
		window = domain.EventsAfter(events, summary.Summary.SummarizesUpToEventID)
	}

	messages := domain.ProjectMessages(window)
	if len(messages) <= j.summarizeThreshold {
		return nil
	}

	cut := len(messages) - j.keepRecent
	toSummarize := messages[:cut]
	upToEventID := toSummarize[len(toSummarize)-1].Event.ID

	var lines []string
	if priorSummary != "" {
		lines = append(lines, "Previous summary: "+priorSummary)
	}
	for _, m := range toSummarize {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Event.Message.Role, m.Content))
	}

	content, err := j.complete(ctx, chat.UserID,
		"Summarize this roleplay conversation so it can replace the raw history. "+
			"Keep names, established facts, promises and emotional state. Write a compact paragraph.",
		strings.Join(lines, "\n"))
	if err != nil {
		return err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	return j.store.Events.Append(ctx, &domain.ChatEvent{
		ID:        domain.NewID(),
		ChatID:    chat.ID,
		Kind:      domain.EventContextSummary,
		CreatedAt: domain.Now(),
		Summary: &domain.ContextSummaryEvent{
			SummarizesUpToEventID: upToEventID,
			Content:               content,
		},
	})
}

// stripFences removes a markdown code fence around model output, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
