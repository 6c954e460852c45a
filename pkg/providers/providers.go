// Package providers adapts the supported LLM wire protocols to one surface:
// unary and streaming chat, tool-call parsing, credential validation, model
// listing and image generation. Credentials arrive as plaintext per call;
// decryption is the runtime's job and key material is never logged.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

// ToolCall is one provider-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolDefinition describes a callable tool in provider-neutral form.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Attachment is an inline file payload attached to a message.
type Attachment struct {
	FileID   string
	Filename string
	MimeType string
	Data     []byte
}

// FailedAttachment records an attachment the adapter could not send.
type FailedAttachment struct {
	FileID   string
	MimeType string
	Reason   string
}

// AttachmentResults reports which attachments were sent and which were
// stripped. Stripping never fails the turn.
type AttachmentResults struct {
	Sent   int
	Failed []FailedAttachment
}

// Message is one conversation turn in provider-neutral form.
type Message struct {
	Role        domain.Role
	Content     string
	Attachments []Attachment

	// Assistant turns that requested tools carry the calls; tool result
	// turns carry the id and name of the call they answer.
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Params is one chat request.
type Params struct {
	Messages []Message
	Tools    []ToolDefinition
	APIKey   string
}

// Response is a completed unary chat turn.
type Response struct {
	Content           string
	FinishReason      string
	Usage             Usage
	Raw               json.RawMessage
	ToolCalls         []ToolCall
	AttachmentResults AttachmentResults
}

// Chunk is one frame of a streaming chat turn. The terminal frame has Done
// set; it carries usage, accumulated tool calls and the raw terminal payload
// when the provider exposes one.
type Chunk struct {
	Delta             string
	Done              bool
	Cancelled         bool
	Usage             *Usage
	RawTerminal       json.RawMessage
	ToolCalls         []ToolCall
	AttachmentResults *AttachmentResults
	Err               error
}

// Image is one generated image.
type Image struct {
	Bytes         []byte
	MimeType      string
	RevisedPrompt string
}

// ImageParams is one image generation request.
type ImageParams struct {
	Prompt string
	Count  int
	Size   string
	APIKey string
}

// ImageResponse carries generated images plus the raw provider payload.
type ImageResponse struct {
	Images []Image
	Raw    json.RawMessage
}

// Capabilities declares what an adapter can do. The orchestrator consults
// it before offering tools or forwarding attachments.
type Capabilities struct {
	SupportsAttachments     bool
	SupportedMimeTypes      []string
	SupportsImageGeneration bool
	SupportsTools           bool
}

// Adapter is the uniform provider surface.
type Adapter interface {
	Provider() domain.Provider
	Capabilities() Capabilities

	SendMessage(ctx context.Context, params Params) (*Response, error)
	StreamMessage(ctx context.Context, params Params) (<-chan Chunk, error)

	ValidateCredential(ctx context.Context, apiKey string) (bool, error)
	ListModels(ctx context.Context, apiKey string) ([]string, error)
	GenerateImage(ctx context.Context, params ImageParams) (*ImageResponse, error)

	// ParseToolCalls extracts pending tool calls from a raw terminal
	// payload in the adapter's own wire format.
	ParseToolCalls(raw json.RawMessage) ([]ToolCall, error)
}

// Options configures an adapter instance. Sampling fields come from the
// connection profile's parameter bag.
type Options struct {
	Model       string
	BaseURL     string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
}

// New constructs the adapter for a provider.
func New(provider domain.Provider, opts Options) (Adapter, error) {
	switch provider {
	case domain.ProviderOpenAI, domain.ProviderOpenRouter, domain.ProviderOpenAICompatible,
		domain.ProviderGrok, domain.ProviderGabAI:
		return newOpenAIAdapter(provider, opts)
	case domain.ProviderAnthropic:
		return newAnthropicAdapter(opts)
	case domain.ProviderOllama:
		return newOllamaAdapter(opts)
	case domain.ProviderGoogleImagen:
		return newImagenAdapter(opts)
	default:
		return nil, errs.Configuration(fmt.Sprintf("unknown provider %q", provider))
	}
}

// ProfileFactory returns an adapter builder whose options start from
// defaults. Profile fields win where the profile declares them; in
// particular a profile timeout overrides the default one.
func ProfileFactory(defaults Options) func(*domain.ConnectionProfile) (Adapter, error) {
	return func(profile *domain.ConnectionProfile) (Adapter, error) {
		sampling, err := profile.Sampling()
		if err != nil {
			return nil, err
		}
		opts := defaults
		opts.Model = profile.ModelName
		opts.BaseURL = profile.BaseURL
		opts.Temperature = sampling.Temperature
		opts.MaxTokens = sampling.MaxTokens
		if sampling.TimeoutSeconds > 0 {
			opts.Timeout = time.Duration(sampling.TimeoutSeconds) * time.Second
		}
		return New(profile.Provider, opts)
	}
}

// FromProfile builds an adapter from a connection profile with no option
// defaults beyond the adapters' own.
func FromProfile(profile *domain.ConnectionProfile) (Adapter, error) {
	return ProfileFactory(Options{})(profile)
}

// filterAttachments partitions a message's attachments into the ones the
// adapter can send and a record of the ones it stripped.
func filterAttachments(msgs []Message, caps Capabilities, results *AttachmentResults) {
	supported := make(map[string]bool, len(caps.SupportedMimeTypes))
	for _, mt := range caps.SupportedMimeTypes {
		supported[mt] = true
	}

	for i := range msgs {
		if len(msgs[i].Attachments) == 0 {
			continue
		}
		kept := make([]Attachment, 0, len(msgs[i].Attachments))
		for _, att := range msgs[i].Attachments {
			switch {
			case !caps.SupportsAttachments:
				results.Failed = append(results.Failed, FailedAttachment{
					FileID:   att.FileID,
					MimeType: att.MimeType,
					Reason:   "provider does not accept attachments",
				})
			case !supported[att.MimeType]:
				results.Failed = append(results.Failed, FailedAttachment{
					FileID:   att.FileID,
					MimeType: att.MimeType,
					Reason:   fmt.Sprintf("unsupported media type %s", att.MimeType),
				})
			default:
				kept = append(kept, att)
				results.Sent++
			}
		}
		msgs[i].Attachments = kept
	}
}
