package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/prompt"
	"github.com/duskpoint/reverie/pkg/providers"
	"github.com/duskpoint/reverie/pkg/tools"
)

// assistantShape pins the identity of the assistant message a turn will
// persist. Fresh turns get a new swipe group at index zero; swipes join the
// original's group and keep its timestamp.
type assistantShape struct {
	swipeGroupID string
	swipeIndex   int
	createdAt    time.Time
}

func newAssistantShape() assistantShape {
	return assistantShape{swipeGroupID: domain.NewID()}
}

// runTurn drives one turn to completion: assemble, stream, execute tool
// calls, re-stream, persist. All outcomes, including cancellation and
// provider errors, end with a persisted assistant message when any content
// was produced, and a terminal frame on out.
func (o *Orchestrator) runTurn(ctx context.Context, setup *turnSetup, history []*domain.ChatEvent, in TurnInput, shape assistantShape, out chan<- PublicChunk) {
	assembled, err := o.assembler.Assemble(ctx, prompt.Input{
		Chat:        setup.chat,
		Character:   setup.character,
		Persona:     setup.persona,
		Profile:     setup.profile,
		Events:      history,
		Content:     in.Text,
		Attachments: in.Attachments,
	})
	if err != nil {
		out <- PublicChunk{Kind: ChunkError, Err: err}
		return
	}

	var dropped []string
	for _, fa := range assembled.FailedAttachments {
		slog.Warn("Dropped unresolvable attachment", "chat", setup.chat.ID, "file", fa.FileID, "reason", fa.Reason)
		dropped = append(dropped, fa.FileID)
	}
	setup.droppedAttachments = dropped

	var toolDefs []providers.ToolDefinition
	if o.runtime != nil && setup.adapter.Capabilities().SupportsTools {
		toolDefs = o.runtime.Definitions()
	}

	messages := assembled.Messages
	var buffer strings.Builder
	var usage providers.Usage
	var attachments []domain.Attachment

	for loop := 0; ; loop++ {
		terminal, streamErr := o.streamOnce(ctx, setup, messages, toolDefs, &buffer, out)
		if streamErr != nil {
			o.finishTurn(ctx, setup, shape, buffer.String(), usage, attachments, domain.FinishError, out, streamErr)
			return
		}
		if terminal.Usage != nil {
			usage.PromptTokens += terminal.Usage.PromptTokens
			usage.CompletionTokens += terminal.Usage.CompletionTokens
			usage.TotalTokens += terminal.Usage.TotalTokens
		}
		if terminal.Cancelled {
			o.finishTurn(ctx, setup, shape, buffer.String(), usage, attachments, domain.FinishCancelled, out, nil)
			return
		}

		calls := o.pendingToolCalls(setup.adapter, terminal)
		if len(calls) == 0 {
			o.finishTurn(ctx, setup, shape, buffer.String(), usage, attachments, domain.FinishStop, out, nil)
			return
		}
		if loop >= o.maxToolLoops {
			o.finishTurn(ctx, setup, shape, buffer.String(), usage, attachments, domain.FinishToolLoopExceeded, out, nil)
			return
		}

		// Tool calls re-inject as the assistant request plus one result
		// message per call, then the stream resumes on the same sink.
		messages = append(messages, providers.Message{
			Role:      domain.RoleAssistant,
			Content:   buffer.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			result := o.executeTool(ctx, setup, call, out)
			attachments = append(attachments, resultAttachments(result)...)
			messages = append(messages, providers.Message{
				Role:       domain.RoleUser,
				Content:    tools.FormatResult(result),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}
}

// streamOnce runs one provider stream segment, forwarding deltas to the
// caller sink and the content buffer. It returns the terminal chunk. A
// watchdog aborts the segment when the provider stops producing chunks.
func (o *Orchestrator) streamOnce(ctx context.Context, setup *turnSetup, messages []providers.Message, toolDefs []providers.ToolDefinition, buffer *strings.Builder, out chan<- PublicChunk) (providers.Chunk, error) {
	stream, err := setup.adapter.StreamMessage(ctx, providers.Params{
		Messages: messages,
		Tools:    toolDefs,
		APIKey:   setup.apiKey,
	})
	if err != nil {
		return providers.Chunk{}, err
	}

	watchdog := time.NewTimer(o.progressTimeout)
	defer watchdog.Stop()

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				// Stream closed without a terminal frame; treat as a bare
				// stop.
				return providers.Chunk{Done: true}, nil
			}
			if chunk.Err != nil {
				return providers.Chunk{}, chunk.Err
			}
			if chunk.Delta != "" {
				buffer.WriteString(chunk.Delta)
				out <- PublicChunk{Kind: ChunkDelta, Delta: chunk.Delta}
			}
			if chunk.Done {
				return chunk, nil
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(o.progressTimeout)
		case <-watchdog.C:
			return providers.Chunk{}, errs.Network(string(setup.profile.Provider),
				fmt.Errorf("no stream progress within %v", o.progressTimeout))
		}
	}
}

// pendingToolCalls extracts the terminal chunk's tool calls, preferring the
// adapter's parse of the raw payload.
func (o *Orchestrator) pendingToolCalls(adapter providers.Adapter, terminal providers.Chunk) []providers.ToolCall {
	if o.runtime == nil {
		return nil
	}
	if len(terminal.RawTerminal) > 0 {
		if calls, err := adapter.ParseToolCalls(terminal.RawTerminal); err == nil && len(calls) > 0 {
			return known(o.runtime, calls)
		}
	}
	return known(o.runtime, terminal.ToolCalls)
}

func known(runtime *tools.Runtime, calls []providers.ToolCall) []providers.ToolCall {
	out := make([]providers.ToolCall, 0, len(calls))
	for _, c := range calls {
		if runtime.Has(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// executeTool runs one call, appends its tool-invocation event and emits the
// started/finished frames.
func (o *Orchestrator) executeTool(ctx context.Context, setup *turnSetup, call providers.ToolCall, out chan<- PublicChunk) tools.Result {
	out <- PublicChunk{Kind: ChunkToolStarted, ToolName: call.Name}

	result := o.runtime.Execute(ctx, call, setup.toolCtx)

	ev := &domain.ChatEvent{
		ID:        domain.NewID(),
		ChatID:    setup.chat.ID,
		Kind:      domain.EventToolInvocation,
		CreatedAt: domain.Now(),
		Tool: &domain.ToolInvocationEvent{
			ToolName:  call.Name,
			Arguments: call.Args,
			Status:    domain.ToolStatusSuccess,
		},
	}
	if !result.Success {
		ev.Tool.Status = domain.ToolStatusError
		ev.Tool.ErrorText = result.Error
	}
	if len(result.FileIDs) > 0 {
		ev.Tool.ResultRef = result.FileIDs[0]
	}
	if err := o.store.Events.Append(ctx, ev); err != nil {
		slog.Error("Failed to record tool invocation", "chat", setup.chat.ID, "tool", call.Name, "error", err)
	}

	out <- PublicChunk{Kind: ChunkToolFinished, ToolName: call.Name, ToolSuccess: result.Success}
	return result
}

// resultAttachments converts a tool's produced files into message
// attachments for the final assistant message.
func resultAttachments(result tools.Result) []domain.Attachment {
	var atts []domain.Attachment
	for _, id := range result.FileIDs {
		atts = append(atts, domain.Attachment{FileID: id})
	}
	return atts
}

// finishTurn persists the assistant message and emits the terminal frame.
// Persistence runs on a fresh context: a cancelled turn must still record
// its partial content.
func (o *Orchestrator) finishTurn(ctx context.Context, setup *turnSetup, shape assistantShape, content string, usage providers.Usage, attachments []domain.Attachment, finishReason string, out chan<- PublicChunk, turnErr error) {
	if turnErr != nil && content == "" {
		out <- PublicChunk{Kind: ChunkError, Err: turnErr}
		return
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ev := domain.NewMessageEvent(setup.chat.ID, domain.MessageEvent{
		Role:         domain.RoleAssistant,
		Content:      content,
		Attachments:  attachments,
		SwipeGroupID: shape.swipeGroupID,
		SwipeIndex:   shape.swipeIndex,
		TokenCount:   usage.CompletionTokens,
		FinishReason: finishReason,
	})
	if !shape.createdAt.IsZero() {
		ev.CreatedAt = shape.createdAt
	}
	if err := o.store.Events.Append(persistCtx, ev); err != nil {
		out <- PublicChunk{Kind: ChunkError, Err: err}
		return
	}

	if turnErr != nil {
		out <- PublicChunk{Kind: ChunkError, Err: turnErr}
		return
	}
	out <- PublicChunk{
		Kind:               ChunkDone,
		EventID:            ev.ID,
		FinishReason:       finishReason,
		DroppedAttachments: setup.droppedAttachments,
	}

	if o.jobs != nil && finishReason == domain.FinishStop {
		jobCtx, jobCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		go func() {
			defer jobCancel()
			o.jobs.Run(jobCtx, setup)
		}()
	}
}
