package domain

import "time"

// EventKind discriminates chat log entries.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventToolInvocation EventKind = "tool-invocation"
	EventContextSummary EventKind = "context-summary"
	EventEdit           EventKind = "edit"
	EventTombstone      EventKind = "tombstone"
	EventSwipeSelect    EventKind = "swipe-select"
)

// Role of a message event.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// FinishReason values recorded on assistant messages.
const (
	FinishStop             = "stop"
	FinishCancelled        = "cancelled"
	FinishToolLoopExceeded = "tool_loop_exceeded"
	FinishError            = "error"
)

// ToolStatus values recorded on tool invocation events.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// Attachment references a stored file carried by a message.
type Attachment struct {
	FileID   string `json:"fileId" bson:"fileId"`
	MimeType string `json:"mimeType" bson:"mimeType"`
	Filename string `json:"filename,omitempty" bson:"filename,omitempty"`
}

// MessageEvent is a user, assistant or system message.
type MessageEvent struct {
	Role           Role         `json:"role" bson:"role"`
	Content        string       `json:"content" bson:"content"`
	Attachments    []Attachment `json:"attachments,omitempty" bson:"attachments,omitempty"`
	SwipeGroupID   string       `json:"swipeGroupId,omitempty" bson:"swipeGroupId,omitempty"`
	SwipeIndex     int          `json:"swipeIndex,omitempty" bson:"swipeIndex,omitempty"`
	TokenCount     int          `json:"tokenCount,omitempty" bson:"tokenCount,omitempty"`
	RawResponseRef string       `json:"rawResponseRef,omitempty" bson:"rawResponseRef,omitempty"`
	FinishReason   string       `json:"finishReason,omitempty" bson:"finishReason,omitempty"`
}

// ToolInvocationEvent records one executed tool call.
type ToolInvocationEvent struct {
	ToolName  string         `json:"toolName" bson:"toolName"`
	Arguments map[string]any `json:"arguments,omitempty" bson:"arguments,omitempty"`
	Status    string         `json:"status" bson:"status"`
	ResultRef string         `json:"resultRef,omitempty" bson:"resultRef,omitempty"`
	ErrorText string         `json:"errorText,omitempty" bson:"errorText,omitempty"`
}

// ContextSummaryEvent stands in for a discarded prefix of history.
type ContextSummaryEvent struct {
	SummarizesUpToEventID string `json:"summarizesUpToEventId" bson:"summarizesUpToEventId"`
	Content               string `json:"content" bson:"content"`
	TokenCount            int    `json:"tokenCount,omitempty" bson:"tokenCount,omitempty"`
}

// EditEvent supersedes a message's content while recording the prior text.
type EditEvent struct {
	TargetEventID string `json:"targetEventId" bson:"targetEventId"`
	PriorContent  string `json:"priorContent" bson:"priorContent"`
	NewContent    string `json:"newContent" bson:"newContent"`
}

// TombstoneEvent excludes a message from assembly without mutating it.
type TombstoneEvent struct {
	TargetEventID string `json:"targetEventId" bson:"targetEventId"`
}

// SwipeSelectEvent records which variant of a swipe group is selected.
type SwipeSelectEvent struct {
	SwipeGroupID string `json:"swipeGroupId" bson:"swipeGroupId"`
	SwipeIndex   int    `json:"swipeIndex" bson:"swipeIndex"`
}

// ChatEvent is one immutable entry in a chat's append log. Exactly one of
// the payload pointers matching Kind is set. Seq is assigned by the log at
// append time and establishes total order; CreatedAt may tie between
// co-generated swipes.
type ChatEvent struct {
	ID              string               `json:"id" bson:"_id"`
	ChatID          string               `json:"chatId" bson:"chatId"`
	Seq             int64                `json:"seq" bson:"seq"`
	Kind            EventKind            `json:"kind" bson:"kind"`
	ClientRequestID string               `json:"clientRequestId,omitempty" bson:"clientRequestId,omitempty"`
	CreatedAt       time.Time            `json:"createdAt" bson:"createdAt"`
	Message         *MessageEvent        `json:"message,omitempty" bson:"message,omitempty"`
	Tool            *ToolInvocationEvent `json:"tool,omitempty" bson:"tool,omitempty"`
	Summary         *ContextSummaryEvent `json:"summary,omitempty" bson:"summary,omitempty"`
	Edit            *EditEvent           `json:"edit,omitempty" bson:"edit,omitempty"`
	Tombstone       *TombstoneEvent      `json:"tombstone,omitempty" bson:"tombstone,omitempty"`
	SwipeSelect     *SwipeSelectEvent    `json:"swipeSelect,omitempty" bson:"swipeSelect,omitempty"`
}

// NewMessageEvent builds an unsequenced message event; the log assigns Seq.
func NewMessageEvent(chatID string, msg MessageEvent) *ChatEvent {
	return &ChatEvent{
		ID:        NewID(),
		ChatID:    chatID,
		Kind:      EventMessage,
		CreatedAt: Now(),
		Message:   &msg,
	}
}
