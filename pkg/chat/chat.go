// Package chat implements the turn orchestrator: it accepts user turns,
// assembles prompts, drives the provider stream, executes in-band tool
// calls, persists every produced event to the chat's append-only log, and
// manages swipe variants, edits and post-turn housekeeping.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/prompt"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/store"
	"github.com/duskpoint/reverie/pkg/template"
	"github.com/duskpoint/reverie/pkg/tools"
)

// maxToolLoops is the default bound on tool-resume recursion within a single
// turn.
const maxToolLoops = 5

// defaultProgressTimeout bounds the silence between stream chunks before a
// stalled provider aborts the segment.
const defaultProgressTimeout = 30 * time.Second

// ChunkKind discriminates public stream frames.
type ChunkKind string

const (
	ChunkDelta        ChunkKind = "delta"
	ChunkToolStarted  ChunkKind = "tool-started"
	ChunkToolFinished ChunkKind = "tool-finished"
	ChunkDone         ChunkKind = "done"
	ChunkError        ChunkKind = "error"
)

// PublicChunk is one frame of the caller-facing turn stream.
type PublicChunk struct {
	Kind         ChunkKind
	Delta        string
	ToolName     string
	ToolSuccess  bool
	EventID      string // on done: the persisted assistant message event
	FinishReason string // on done
	Err          error  // on error

	// DroppedAttachments lists file ids of pending-turn attachments that
	// failed to resolve and were left out of the prompt. Set on done.
	DroppedAttachments []string
}

// TurnInput is one incoming user turn.
type TurnInput struct {
	Text                      string
	Attachments               []domain.Attachment
	ConnectionProfileOverride string
	ImageProfileOverride      string
	ClientRequestID           string
}

// AdapterFactory builds the provider adapter for a connection profile.
type AdapterFactory func(profile *domain.ConnectionProfile) (providers.Adapter, error)

// CredentialResolver recovers the plaintext API key referenced by a profile.
// An empty credential id resolves to the empty key.
type CredentialResolver func(ctx context.Context, userID, credentialID string) (string, error)

// Orchestrator drives turns. One instance serves all chats; turns within a
// chat serialize, turns across chats run in parallel.
type Orchestrator struct {
	store        *store.Store
	assembler    *prompt.Assembler
	runtime      *tools.Runtime
	adapters     AdapterFactory
	creds        CredentialResolver
	jobs            *Jobs
	locks           *chatLocks
	maxToolLoops    int
	progressTimeout time.Duration
}

// Options wires an orchestrator.
type Options struct {
	Store     *store.Store
	Assembler *prompt.Assembler
	Runtime   *tools.Runtime
	Adapters  AdapterFactory
	Creds     CredentialResolver
	Jobs      *Jobs

	// MaxToolLoops overrides the tool-resume bound. Zero means the default.
	MaxToolLoops int

	// ProgressTimeout overrides the stream no-progress watchdog. Zero means
	// the default.
	ProgressTimeout time.Duration
}

func NewOrchestrator(opts Options) *Orchestrator {
	adapters := opts.Adapters
	if adapters == nil {
		adapters = providers.FromProfile
	}
	creds := opts.Creds
	if creds == nil {
		creds = func(ctx context.Context, userID, credentialID string) (string, error) { return "", nil }
	}
	loops := opts.MaxToolLoops
	if loops <= 0 {
		loops = maxToolLoops
	}
	progress := opts.ProgressTimeout
	if progress <= 0 {
		progress = defaultProgressTimeout
	}
	return &Orchestrator{
		store:           opts.Store,
		assembler:       opts.Assembler,
		runtime:         opts.Runtime,
		adapters:        adapters,
		creds:           creds,
		jobs:            opts.Jobs,
		locks:           newChatLocks(),
		maxToolLoops:    loops,
		progressTimeout: progress,
	}
}

// turnSetup is everything a turn needs once the chat is resolved.
type turnSetup struct {
	chat      *domain.Chat
	character *domain.Character
	persona   *domain.Persona
	profile   *domain.ConnectionProfile
	adapter   providers.Adapter
	apiKey    string
	toolCtx   tools.Context

	// droppedAttachments is filled during assembly when pending-turn
	// attachments fail to resolve; reported on the done frame.
	droppedAttachments []string
}

// resolveTurn loads the chat and its participant entities and builds the
// adapter for the effective connection profile.
func (o *Orchestrator) resolveTurn(ctx context.Context, chatID, userID string, in TurnInput) (*turnSetup, error) {
	chat, err := o.store.Chats.FindByID(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	charPart, ok := chat.ActiveCharacter()
	if !ok {
		return nil, errs.InvalidRequest("chat has no active character")
	}
	character, err := o.store.Characters.FindByID(ctx, userID, charPart.RefID)
	if err != nil {
		return nil, err
	}

	var persona *domain.Persona
	if personaPart, ok := chat.ActivePersona(); ok {
		persona, err = o.store.Personas.FindByID(ctx, userID, personaPart.RefID)
		if err != nil {
			return nil, err
		}
	}

	profile, err := o.resolveProfile(ctx, userID, charPart, in.ConnectionProfileOverride)
	if err != nil {
		return nil, err
	}

	adapter, err := o.adapters(profile)
	if err != nil {
		return nil, err
	}
	apiKey, err := o.creds(ctx, userID, profile.APICredentialID)
	if err != nil {
		return nil, err
	}

	imageProfileID := in.ImageProfileOverride
	if imageProfileID == "" {
		imageProfileID = charPart.ImageProfileID
	}

	return &turnSetup{
		chat:      chat,
		character: character,
		persona:   persona,
		profile:   profile,
		adapter:   adapter,
		apiKey:    apiKey,
		toolCtx: tools.Context{
			ChatID:               chatID,
			UserID:               userID,
			CharacterID:          character.ID,
			ImageProfileID:       imageProfileID,
			CallingParticipantID: charPart.RefID,
		},
	}, nil
}

func (o *Orchestrator) resolveProfile(ctx context.Context, userID string, charPart domain.Participant, override string) (*domain.ConnectionProfile, error) {
	profileID := override
	if profileID == "" {
		profileID = charPart.ConnectionProfileID
	}
	if profileID != "" {
		return o.store.ConnectionProfiles.FindByID(ctx, userID, profileID)
	}
	profile, ok, err := store.FindDefault(ctx, o.store.ConnectionProfiles, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Configuration("no connection profile configured", "connectionProfileId")
	}
	return profile, nil
}

// SubmitTurn appends the user's message and streams the assistant response.
// Retrying with the same client request id replays the already-produced
// response instead of running the turn again.
func (o *Orchestrator) SubmitTurn(ctx context.Context, chatID, userID string, in TurnInput) (<-chan PublicChunk, error) {
	if in.Text == "" && len(in.Attachments) == 0 {
		return nil, errs.Validation("turn needs text or attachments", "text")
	}

	release, err := o.locks.acquire(ctx, chatID)
	if err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if held {
			release()
		}
	}()

	setup, err := o.resolveTurn(ctx, chatID, userID, in)
	if err != nil {
		return nil, err
	}

	if in.ClientRequestID != "" {
		if replay, ok, err := o.replayFor(ctx, chatID, in.ClientRequestID); err != nil {
			return nil, err
		} else if ok {
			return replay, nil
		}
	}

	userEvent := domain.NewMessageEvent(chatID, domain.MessageEvent{
		Role:        domain.RoleUser,
		Content:     in.Text,
		Attachments: in.Attachments,
	})
	userEvent.ClientRequestID = in.ClientRequestID
	if err := o.store.Events.Append(ctx, userEvent); err != nil {
		return nil, err
	}
	for _, att := range in.Attachments {
		if err := o.linkAttachment(ctx, userID, att.FileID, chatID); err != nil {
			return nil, err
		}
	}

	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return nil, err
	}
	// History excludes the pending turn; Assemble appends it last.
	history := events[:len(events)-1]

	out := make(chan PublicChunk, 64)
	held = false
	go func() {
		defer close(out)
		defer release()
		o.runTurn(ctx, setup, history, in, newAssistantShape(), out)
	}()
	return out, nil
}

func (o *Orchestrator) linkAttachment(ctx context.Context, userID, fileID, chatID string) error {
	entry, err := o.store.Files.FindByID(ctx, userID, fileID)
	if err != nil {
		return err
	}
	entry.AddLink(chatID)
	return o.store.Files.Update(ctx, userID, entry)
}

// replayFor answers an idempotent retry: the assistant message that followed
// the original user event is streamed back as one delta plus done.
func (o *Orchestrator) replayFor(ctx context.Context, chatID, clientRequestID string) (<-chan PublicChunk, bool, error) {
	original, found, err := o.store.Events.FindByRequestID(ctx, chatID, clientRequestID)
	if err != nil || !found {
		return nil, false, err
	}

	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return nil, false, err
	}

	var response *domain.ChatEvent
	for _, ev := range domain.EventsAfter(events, original.ID) {
		if ev.Kind == domain.EventMessage && ev.Message.Role == domain.RoleAssistant {
			response = ev
			break
		}
	}

	out := make(chan PublicChunk, 2)
	if response != nil {
		out <- PublicChunk{Kind: ChunkDelta, Delta: response.Message.Content}
		out <- PublicChunk{Kind: ChunkDone, EventID: response.ID, FinishReason: response.Message.FinishReason}
	} else {
		// The original run died before persisting a response; report done
		// with nothing rather than double-appending the user turn.
		out <- PublicChunk{Kind: ChunkDone}
	}
	close(out)
	return out, true, nil
}

// Swipe regenerates an assistant message as a new variant in its swipe
// group, using the same history the original turn saw.
func (o *Orchestrator) Swipe(ctx context.Context, chatID, userID, messageID string) (<-chan PublicChunk, error) {
	release, err := o.locks.acquire(ctx, chatID)
	if err != nil {
		return nil, err
	}
	held := true
	defer func() {
		if held {
			release()
		}
	}()

	setup, err := o.resolveTurn(ctx, chatID, userID, TurnInput{})
	if err != nil {
		return nil, err
	}

	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return nil, err
	}
	target, ok := domain.FindEvent(events, messageID)
	if !ok {
		return nil, errs.NotFound("message", messageID)
	}
	if target.Kind != domain.EventMessage || target.Message.Role != domain.RoleAssistant {
		return nil, errs.InvalidRequest("only assistant messages can be swiped")
	}
	gid := target.Message.SwipeGroupID
	if gid == "" {
		return nil, errs.InvalidRequest("message does not belong to a swipe group")
	}

	group := domain.SwipeGroup(events, gid)
	nextIndex := 0
	var firstSeq int64
	for _, ev := range group.Events {
		if ev.Message.SwipeIndex >= nextIndex {
			nextIndex = ev.Message.SwipeIndex + 1
		}
		if firstSeq == 0 || ev.Seq < firstSeq {
			firstSeq = ev.Seq
		}
	}

	// History up to but excluding the swiped group.
	var history []*domain.ChatEvent
	for _, ev := range events {
		if ev.Seq < firstSeq {
			history = append(history, ev)
		}
	}

	// The pending turn is the user message the original turn answered.
	pending, history, err := splitPendingUser(history)
	if err != nil {
		return nil, err
	}

	shape := assistantShape{
		swipeGroupID: gid,
		swipeIndex:   nextIndex,
		createdAt:    target.CreatedAt,
	}
	in := TurnInput{Text: pending.Content, Attachments: pending.Attachments}

	out := make(chan PublicChunk, 64)
	held = false
	go func() {
		defer close(out)
		defer release()
		o.runTurn(ctx, setup, history, in, shape, out)
	}()
	return out, nil
}

// splitPendingUser removes the trailing user message from history and
// returns it as the pending turn.
func splitPendingUser(history []*domain.ChatEvent) (*domain.MessageEvent, []*domain.ChatEvent, error) {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if ev.Kind == domain.EventMessage && ev.Message.Role == domain.RoleUser {
			trimmed := make([]*domain.ChatEvent, 0, len(history)-1)
			trimmed = append(trimmed, history[:i]...)
			trimmed = append(trimmed, history[i+1:]...)
			return ev.Message, trimmed, nil
		}
	}
	return nil, nil, errs.InvalidRequest("no user turn precedes the swiped message")
}

// SelectSwipe records which variant of a swipe group is visible.
func (o *Orchestrator) SelectSwipe(ctx context.Context, chatID, userID, messageID string, swipeIndex int) error {
	release, err := o.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := o.store.Chats.FindByID(ctx, userID, chatID); err != nil {
		return err
	}
	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return err
	}
	target, ok := domain.FindEvent(events, messageID)
	if !ok {
		return errs.NotFound("message", messageID)
	}
	if target.Kind != domain.EventMessage || target.Message.SwipeGroupID == "" {
		return errs.InvalidRequest("message does not belong to a swipe group")
	}

	gid := target.Message.SwipeGroupID
	group := domain.SwipeGroup(events, gid)
	found := false
	for _, ev := range group.Events {
		if ev.Message.SwipeIndex == swipeIndex {
			found = true
			break
		}
	}
	if !found {
		return errs.InvalidRequest(fmt.Sprintf("swipe group has no variant %d", swipeIndex))
	}

	return o.store.Events.Append(ctx, &domain.ChatEvent{
		ID:          domain.NewID(),
		ChatID:      chatID,
		Kind:        domain.EventSwipeSelect,
		CreatedAt:   domain.Now(),
		SwipeSelect: &domain.SwipeSelectEvent{SwipeGroupID: gid, SwipeIndex: swipeIndex},
	})
}

// EditMessage supersedes a message's content, keeping the prior text in the
// edit record. Swipe siblings of the edited variant become stale.
func (o *Orchestrator) EditMessage(ctx context.Context, chatID, userID, messageID, newContent string) error {
	release, err := o.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := o.store.Chats.FindByID(ctx, userID, chatID); err != nil {
		return err
	}
	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return err
	}
	target, ok := domain.FindEvent(events, messageID)
	if !ok {
		return errs.NotFound("message", messageID)
	}
	if target.Kind != domain.EventMessage {
		return errs.InvalidRequest("only messages can be edited")
	}

	prior := target.Message.Content
	for _, ev := range events {
		if ev.Kind == domain.EventEdit && ev.Edit.TargetEventID == messageID {
			prior = ev.Edit.NewContent
		}
	}

	return o.store.Events.Append(ctx, &domain.ChatEvent{
		ID:        domain.NewID(),
		ChatID:    chatID,
		Kind:      domain.EventEdit,
		CreatedAt: domain.Now(),
		Edit: &domain.EditEvent{
			TargetEventID: messageID,
			PriorContent:  prior,
			NewContent:    newContent,
		},
	})
}

// DeleteMessage tombstones a message. The event remains in the log but is
// excluded from assembly and projection.
func (o *Orchestrator) DeleteMessage(ctx context.Context, chatID, userID, messageID string) error {
	release, err := o.locks.acquire(ctx, chatID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := o.store.Chats.FindByID(ctx, userID, chatID); err != nil {
		return err
	}
	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return err
	}
	target, ok := domain.FindEvent(events, messageID)
	if !ok {
		return errs.NotFound("message", messageID)
	}
	if target.Kind != domain.EventMessage {
		return errs.InvalidRequest("only messages can be deleted")
	}
	for _, ev := range events {
		if ev.Kind == domain.EventTombstone && ev.Tombstone != nil && ev.Tombstone.TargetEventID == messageID {
			return nil
		}
	}

	return o.store.Events.Append(ctx, &domain.ChatEvent{
		ID:        domain.NewID(),
		ChatID:    chatID,
		Kind:      domain.EventTombstone,
		CreatedAt: domain.Now(),
		Tombstone: &domain.TombstoneEvent{TargetEventID: messageID},
	})
}

// SeedFirstMessage appends the character's greeting as the opening assistant
// message of an empty chat. A chat with events or a character without a
// first message is left untouched.
func (o *Orchestrator) SeedFirstMessage(ctx context.Context, chatID, userID string) error {
	chat, err := o.store.Chats.FindByID(ctx, userID, chatID)
	if err != nil {
		return err
	}
	events, err := o.store.Events.Events(ctx, chatID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		return nil
	}

	charPart, ok := chat.ActiveCharacter()
	if !ok {
		return nil
	}
	character, err := o.store.Characters.FindByID(ctx, userID, charPart.RefID)
	if err != nil {
		return err
	}
	if character.FirstMessage == "" {
		return nil
	}

	userName := "User"
	if personaPart, ok := chat.ActivePersona(); ok {
		if persona, err := o.store.Personas.FindByID(ctx, userID, personaPart.RefID); err == nil {
			userName = persona.Name
		}
	}

	vars := template.CharacterVars(
		character.Name, character.Description, character.Personality, character.Scenario, userName,
	)
	greeting := domain.NewMessageEvent(chatID, domain.MessageEvent{
		Role:         domain.RoleAssistant,
		Content:      template.Render(character.FirstMessage, vars),
		SwipeGroupID: domain.NewID(),
		FinishReason: domain.FinishStop,
	})
	return o.store.Events.Append(ctx, greeting)
}
