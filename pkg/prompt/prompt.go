// Package prompt assembles the provider message list for a turn: fixed-order
// identity blocks, retrieved memories, summarized or raw history, and the
// pending user turn, fitted to the connection profile's token budget.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/files"
	"github.com/duskpoint/reverie/pkg/memory"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/template"
	"github.com/duskpoint/reverie/pkg/tokens"
)

const (
	defaultSystemPrompt = "You are {{char}}. Stay in character and respond as {{char}} would."

	defaultContextLimit = 8192
	reservedResponse    = 1000
	defaultMemoryTopK   = 5
	memoryFloor         = 2
	memoriesLabel       = "Relevant long-term memories:"
	summaryLabel        = "Summary of the conversation so far:"
)

// MemorySearcher retrieves long-term memories for the memories block.
type MemorySearcher interface {
	Search(ctx context.Context, userID, characterID, query string, opts memory.SearchOptions) ([]memory.RankedMemory, error)
}

// Assembler builds prompts. The file store resolves attachment references to
// inline payloads at send time.
type Assembler struct {
	memories MemorySearcher
	files    *files.Store

	contextLimit int // fallback when the profile declares none
	reserved     int
	memoryTopK   int
}

// Option adjusts assembler budget defaults.
type Option func(*Assembler)

// WithContextLimit sets the fallback context window for profiles that do not
// declare one.
func WithContextLimit(limit int) Option {
	return func(a *Assembler) {
		if limit > 0 {
			a.contextLimit = limit
		}
	}
}

// WithReservedResponse sets how many tokens are withheld for the reply.
func WithReservedResponse(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.reserved = n
		}
	}
}

// WithMemoryTopK sets how many memories are retrieved per turn.
func WithMemoryTopK(k int) Option {
	return func(a *Assembler) {
		if k > 0 {
			a.memoryTopK = k
		}
	}
}

func NewAssembler(memories MemorySearcher, fileStore *files.Store, opts ...Option) *Assembler {
	a := &Assembler{
		memories:     memories,
		files:        fileStore,
		contextLimit: defaultContextLimit,
		reserved:     reservedResponse,
		memoryTopK:   defaultMemoryTopK,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Input is everything a turn's prompt is assembled from.
type Input struct {
	Chat      *domain.Chat
	Character *domain.Character
	Persona   *domain.Persona // nil when no persona participant is active
	Profile   *domain.ConnectionProfile
	Events    []*domain.ChatEvent

	// Pending user turn.
	Content     string
	Attachments []domain.Attachment
}

// Output is the assembled prompt plus its accounting.
type Output struct {
	Messages        []providers.Message
	PromptTokens    int
	IncludedHistory int
	IncludedMemory  int

	// FailedAttachments lists pending-turn attachments that could not be
	// resolved and were dropped from the prompt.
	FailedAttachments []FailedAttachment
}

// FailedAttachment records one attachment dropped during resolution.
type FailedAttachment struct {
	FileID string
	Reason string
}

// Assemble produces the ordered provider message list within the token
// budget. Mandatory blocks plus the pending turn exceeding the budget is a
// ContextOverflow error.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Output, error) {
	sampling, err := in.Profile.Sampling()
	if err != nil {
		return nil, err
	}
	contextLimit := sampling.ContextLimit
	if contextLimit <= 0 {
		contextLimit = a.contextLimit
	}
	est := tokens.NewEstimator(in.Profile.Provider, in.Profile.ModelName)

	userName := a.userName(in)
	vars := template.CharacterVars(
		in.Character.Name,
		in.Character.Description,
		in.Character.Personality,
		in.Character.Scenario,
		userName,
	)

	// Blocks 1-4 are non-negotiable.
	fixed := a.fixedBlocks(in, vars, userName)

	pending, failed := a.pendingTurn(ctx, in)

	fixedCost := est.EstimateConversation(toEstimates(fixed)) + est.EstimateMessage(toEstimate(pending))
	available := contextLimit - a.reserved
	if fixedCost > available {
		return nil, errs.ContextOverflow(fixedCost+a.reserved, contextLimit)
	}
	remaining := available - fixedCost

	memoryMsgs := a.memoryBlock(ctx, in)
	historyMsgs := a.historyWindow(in)

	included, histCount, memCount := fitBudget(est, historyMsgs, memoryMsgs, remaining)

	msgs := make([]providers.Message, 0, len(fixed)+len(included)+1)
	msgs = append(msgs, fixed...)
	msgs = append(msgs, included...)
	msgs = append(msgs, pending)

	return &Output{
		Messages:          msgs,
		PromptTokens:      est.EstimateConversation(toEstimates(msgs)),
		IncludedHistory:   histCount,
		IncludedMemory:    memCount,
		FailedAttachments: failed,
	}, nil
}

func (a *Assembler) userName(in Input) string {
	if in.Persona != nil && in.Persona.Name != "" {
		return in.Persona.Name
	}
	return "User"
}

// fixedBlocks renders blocks 1-4: system prompt, persona, character sheet
// and example dialogues.
func (a *Assembler) fixedBlocks(in Input, vars template.Vars, userName string) []providers.Message {
	var msgs []providers.Message

	system := in.Character.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	msgs = append(msgs, providers.Message{
		Role:    domain.RoleSystem,
		Content: template.Render(system, vars),
	})

	if in.Persona != nil {
		personaText := in.Persona.Description
		if in.Persona.Personality != "" {
			personaText = strings.TrimSpace(personaText + "\n" + in.Persona.Personality)
		}
		block := template.Render("You are talking to {{user}}. {{persona}}", template.Vars{
			"user":    userName,
			"persona": personaText,
		})
		msgs = append(msgs, providers.Message{Role: domain.RoleSystem, Content: strings.TrimSpace(block)})
	}

	if block := characterBlock(in.Character, vars); block != "" {
		msgs = append(msgs, providers.Message{Role: domain.RoleSystem, Content: block})
	}

	msgs = append(msgs, exampleDialogues(in.Character, vars, userName)...)
	return msgs
}

// characterBlock combines description, personality and scenario into one
// system message.
func characterBlock(c *domain.Character, vars template.Vars) string {
	var parts []string
	if c.Description != "" {
		parts = append(parts, template.Render(c.Description, vars))
	}
	if c.Personality != "" {
		parts = append(parts, fmt.Sprintf("%s's personality: %s", c.Name, template.Render(c.Personality, vars)))
	}
	if c.Scenario != "" {
		parts = append(parts, "Scenario: "+template.Render(c.Scenario, vars))
	}
	return strings.Join(parts, "\n\n")
}

// exampleDialogues parses the card-format example block into few-shot
// user/assistant pairs. Lines starting with "{{user}}:" become user turns,
// "{{char}}:" assistant turns; <START> markers separate dialogues.
func exampleDialogues(c *domain.Character, vars template.Vars, userName string) []providers.Message {
	if c.ExampleDialogues == "" {
		return nil
	}

	var msgs []providers.Message
	flush := func(role domain.Role, buf *strings.Builder) {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text != "" {
			msgs = append(msgs, providers.Message{Role: role, Content: template.Render(text, vars)})
		}
	}

	var buf strings.Builder
	var role domain.Role
	for _, line := range strings.Split(c.ExampleDialogues, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(trimmed, "<START>"):
			flush(role, &buf)
			role = ""
		case strings.HasPrefix(trimmed, "{{user}}:"):
			flush(role, &buf)
			role = domain.RoleUser
			buf.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "{{user}}:")))
		case strings.HasPrefix(trimmed, "{{char}}:"):
			flush(role, &buf)
			role = domain.RoleAssistant
			buf.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "{{char}}:")))
		default:
			if role != "" && trimmed != "" {
				buf.WriteString("\n" + trimmed)
			}
		}
	}
	flush(role, &buf)
	return msgs
}

// budgetItem is one admissible message with its position in chronological
// order. Admission runs newest-first; emission oldest-first.
type budgetItem struct {
	msg  providers.Message
	cost int
}

// memoryBlock retrieves memories for the pending turn and renders each as a
// single-line entry. Retrieval failure drops the block rather than the turn.
func (a *Assembler) memoryBlock(ctx context.Context, in Input) []budgetItem {
	if a.memories == nil || in.Character == nil {
		return nil
	}
	personaID := ""
	if in.Persona != nil {
		personaID = in.Persona.ID
	}
	ranked, err := a.memories.Search(ctx, in.Chat.UserID, in.Character.ID, in.Content, memory.SearchOptions{
		TopK:      a.memoryTopK,
		ChatID:    in.Chat.ID,
		PersonaID: personaID,
	})
	if err != nil || len(ranked) == 0 {
		return nil
	}

	// Oldest first, so newest-first admission drops old memories first.
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Memory.CreatedAt.Before(ranked[j].Memory.CreatedAt)
	})
	items := make([]budgetItem, 0, len(ranked))
	for _, r := range ranked {
		items = append(items, budgetItem{msg: providers.Message{
			Role:    domain.RoleSystem,
			Content: r.Memory.Content,
		}})
	}
	return items
}

// historyWindow projects the log into provider messages: the latest summary
// (if any) followed by the raw messages after it.
func (a *Assembler) historyWindow(in Input) []budgetItem {
	events := in.Events
	var items []budgetItem

	if summary, ok := domain.LatestSummary(events); ok {
		items = append(items, budgetItem{msg: providers.Message{
			Role:    domain.RoleSystem,
			Content: summaryLabel + "\n" + summary.Summary.Content,
		}})
		events = domain.EventsAfter(events, summary.Summary.SummarizesUpToEventID)
	}

	for _, resolved := range domain.ProjectMessages(events) {
		msg := resolved.Event.Message
		items = append(items, budgetItem{msg: providers.Message{
			Role:    msg.Role,
			Content: resolved.Content,
		}})
	}
	return items
}

// fitBudget admits history and memories newest-first into the remaining
// budget. Memories keep a floor of two entries when they fit; beyond the
// floor, history wins and the oldest memories are dropped first.
func fitBudget(est *tokens.Estimator, history, memories []budgetItem, remaining int) ([]providers.Message, int, int) {
	for i := range history {
		history[i].cost = est.EstimateMessage(toEstimate(history[i].msg))
	}
	for i := range memories {
		memories[i].cost = est.EstimateMessage(toEstimate(memories[i].msg))
	}

	// Reserve the floor: the two newest memories.
	floorCost := 0
	floor := len(memories)
	if floor > memoryFloor {
		floor = memoryFloor
	}
	for i := 0; i < floor; i++ {
		floorCost += memories[len(memories)-1-i].cost
	}

	// History admission, newest first, against what the floor leaves.
	histBudget := remaining - floorCost
	firstHist := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].cost > histBudget {
			break
		}
		histBudget -= history[i].cost
		firstHist = i
	}
	includedHist := history[firstHist:]

	// Memories take the floor plus whatever history left over. The floor is
	// a priority, not an exemption: entries that do not fit the remaining
	// budget are dropped regardless.
	memBudget := floorCost + histBudget
	firstMem := len(memories)
	for i := len(memories) - 1; i >= 0; i-- {
		if memories[i].cost > memBudget {
			break
		}
		memBudget -= memories[i].cost
		firstMem = i
	}
	includedMem := memories[firstMem:]

	var msgs []providers.Message
	if len(includedMem) > 0 {
		lines := make([]string, 0, len(includedMem)+1)
		lines = append(lines, memoriesLabel)
		for _, item := range includedMem {
			lines = append(lines, "- "+item.msg.Content)
		}
		msgs = append(msgs, providers.Message{Role: domain.RoleSystem, Content: strings.Join(lines, "\n")})
	}
	for _, item := range includedHist {
		msgs = append(msgs, item.msg)
	}
	return msgs, len(includedHist), len(includedMem)
}

// pendingTurn resolves the pending user message's attachments to inline
// payloads. An attachment that cannot be read is dropped, not fatal: the turn
// proceeds without it and the drop is reported in the output.
func (a *Assembler) pendingTurn(ctx context.Context, in Input) (providers.Message, []FailedAttachment) {
	msg := providers.Message{Role: domain.RoleUser, Content: in.Content}
	var failed []FailedAttachment
	for _, att := range in.Attachments {
		entry, data, err := a.files.Read(ctx, in.Chat.UserID, att.FileID)
		if err != nil {
			failed = append(failed, FailedAttachment{FileID: att.FileID, Reason: err.Error()})
			continue
		}
		msg.Attachments = append(msg.Attachments, providers.Attachment{
			FileID:   entry.ID,
			Filename: entry.OriginalFilename,
			MimeType: entry.MimeType,
			Data:     data,
		})
	}
	return msg, failed
}

func toEstimate(msg providers.Message) tokens.Message {
	return tokens.Message{Role: string(msg.Role), Content: msg.Content}
}

func toEstimates(msgs []providers.Message) []tokens.Message {
	out := make([]tokens.Message, len(msgs))
	for i, m := range msgs {
		out[i] = toEstimate(m)
	}
	return out
}
