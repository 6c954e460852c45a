package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/httpclient"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultMaxTok  = 4096
)

type anthropicAdapter struct {
	opts    Options
	baseURL string
	http    *httpclient.Client
}

func newAnthropicAdapter(opts Options) (*anthropicAdapter, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &anthropicAdapter{
		opts:    opts,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
	}, nil
}

func (a *anthropicAdapter) Provider() domain.Provider { return domain.ProviderAnthropic }

func (a *anthropicAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsAttachments: true,
		SupportedMimeTypes:  []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
		SupportsTools:       true,
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *anthropicImage `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamFrame struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// buildRequest lifts the neutral conversation into Anthropic's block format.
// System messages are folded into the top-level system field.
func (a *anthropicAdapter) buildRequest(params Params, stream bool, results *AttachmentResults) anthropicRequest {
	msgs := make([]Message, len(params.Messages))
	copy(msgs, params.Messages)
	filterAttachments(msgs, a.Capabilities(), results)

	var systemParts []string
	wire := make([]anthropicMessage, 0, len(msgs))

	for _, msg := range msgs {
		if msg.Role == domain.RoleSystem {
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		}

		if msg.ToolCallID != "" {
			wire = append(wire, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
			continue
		}

		blocks := []anthropicContent{}
		if msg.Content != "" {
			blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			blocks = append(blocks, anthropicContent{
				Type: "image",
				Source: &anthropicImage{
					Type:      "base64",
					MediaType: att.MimeType,
					Data:      base64.StdEncoding.EncodeToString(att.Data),
				},
			})
		}
		for _, tc := range msg.ToolCalls {
			input := tc.Args
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, anthropicContent{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: input,
			})
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropicContent{Type: "text", Text: ""})
		}

		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "assistant"
		}
		wire = append(wire, anthropicMessage{Role: role, Content: blocks})
	}

	maxTokens := a.opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTok
	}

	req := anthropicRequest{
		Model:       a.opts.Model,
		Messages:    wire,
		MaxTokens:   maxTokens,
		Temperature: a.opts.Temperature,
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}
	for _, t := range params.Tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return req
}

func (a *anthropicAdapter) request(ctx context.Context, method, path string, body []byte, apiKey string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return a.http.Do(req)
}

func (a *anthropicAdapter) SendMessage(ctx context.Context, params Params) (*Response, error) {
	var results AttachmentResults
	body, err := json.Marshal(a.buildRequest(params, false, &results))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := a.request(ctx, http.MethodPost, "/v1/messages", body, params.APIKey)
	if resp == nil {
		return nil, errs.Network("anthropic", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("anthropic", a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network("anthropic", readErr)
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("anthropic", resp.StatusCode, "malformed response")
	}
	if out.Error != nil {
		return nil, errs.Provider("anthropic", resp.StatusCode, out.Error.Message)
	}

	var text strings.Builder
	var toolCalls []ToolCall
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}

	return &Response{
		Content:      text.String(),
		FinishReason: normalizeStopReason(out.StopReason),
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Raw:               raw,
		ToolCalls:         toolCalls,
		AttachmentResults: results,
	}, nil
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	}
	return reason
}

func (a *anthropicAdapter) StreamMessage(ctx context.Context, params Params) (<-chan Chunk, error) {
	var results AttachmentResults
	body, err := json.Marshal(a.buildRequest(params, true, &results))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		a.stream(ctx, body, params.APIKey, results, out)
	}()
	return out, nil
}

// stream normalizes Anthropic's event taxonomy (message_start,
// content_block_start/delta/stop, message_delta, message_stop) into the
// common chunk stream.
func (a *anthropicAdapter) stream(ctx context.Context, body []byte, apiKey string, results AttachmentResults, out chan<- Chunk) {
	resp, err := a.request(ctx, http.MethodPost, "/v1/messages", body, apiKey)
	if resp == nil {
		out <- Chunk{Done: true, Err: errs.Network("anthropic", err)}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		out <- Chunk{Done: true, Err: httpError("anthropic", a.opts.Model, resp, raw)}
		return
	}

	pending := make(map[int]*ToolCall)
	argBuffers := make(map[int]*strings.Builder)
	var usage Usage
	stopReason := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var frame anthropicStreamFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "message_start":
			if frame.Message != nil {
				usage.PromptTokens = frame.Message.Usage.InputTokens
			}

		case "content_block_start":
			if frame.ContentBlock != nil && frame.ContentBlock.Type == "tool_use" {
				pending[frame.Index] = &ToolCall{
					ID:   frame.ContentBlock.ID,
					Name: frame.ContentBlock.Name,
					Args: map[string]any{},
				}
				argBuffers[frame.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			if frame.Delta == nil {
				continue
			}
			if frame.Delta.Text != "" {
				out <- Chunk{Delta: frame.Delta.Text}
			}
			if frame.Delta.Type == "input_json_delta" && frame.Delta.PartialJSON != "" {
				if buf, ok := argBuffers[frame.Index]; ok {
					buf.WriteString(frame.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if tc, ok := pending[frame.Index]; ok {
				if buf := argBuffers[frame.Index]; buf != nil && buf.Len() > 0 {
					var args map[string]any
					if err := json.Unmarshal([]byte(buf.String()), &args); err == nil {
						tc.Args = args
					}
				}
			}

		case "message_delta":
			if frame.Usage != nil {
				usage.CompletionTokens = frame.Usage.OutputTokens
			}
			if frame.Delta != nil && frame.Delta.StopReason != "" {
				stopReason = frame.Delta.StopReason
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			terminal := Chunk{Done: true, Usage: &usage, AttachmentResults: &results}
			if len(pending) > 0 {
				indices := make([]int, 0, len(pending))
				for i := range pending {
					indices = append(indices, i)
				}
				sort.Ints(indices)
				for _, i := range indices {
					terminal.ToolCalls = append(terminal.ToolCalls, *pending[i])
				}
				terminal.RawTerminal = synthesizeAnthropicTerminal(terminal.ToolCalls, stopReason)
			}
			out <- terminal
			return
		}
	}

	if ctx.Err() != nil {
		out <- Chunk{Done: true, Cancelled: true}
		return
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Done: true, Err: errs.Network("anthropic", err)}
		return
	}
	// Stream ended without message_stop.
	out <- Chunk{Done: true, Usage: &usage, AttachmentResults: &results}
}

func synthesizeAnthropicTerminal(calls []ToolCall, stopReason string) json.RawMessage {
	payload := anthropicResponse{StopReason: stopReason}
	for _, tc := range calls {
		payload.Content = append(payload.Content, anthropicContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: tc.Args,
		})
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// ParseToolCalls reads tool_use blocks from a messages-endpoint payload.
func (a *anthropicAdapter) ParseToolCalls(raw json.RawMessage) ([]ToolCall, error) {
	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.InvalidRequest("malformed provider payload")
	}
	var calls []ToolCall
	for _, block := range out.Content {
		if block.Type == "tool_use" {
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input})
		}
	}
	return calls, nil
}

func (a *anthropicAdapter) ValidateCredential(ctx context.Context, apiKey string) (bool, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/models", nil, apiKey)
	if resp == nil {
		return false, errs.Network("anthropic", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	return false, httpError("anthropic", a.opts.Model, resp, raw)
}

func (a *anthropicAdapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	resp, err := a.request(ctx, http.MethodGet, "/v1/models", nil, apiKey)
	if resp == nil {
		return nil, errs.Network("anthropic", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("anthropic", a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network("anthropic", readErr)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("anthropic", resp.StatusCode, "malformed model list")
	}
	models := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (a *anthropicAdapter) GenerateImage(ctx context.Context, params ImageParams) (*ImageResponse, error) {
	return nil, errs.Configuration("anthropic does not support image generation")
}
