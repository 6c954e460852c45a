package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/httpclient"
)

type ollamaAdapter struct {
	opts    Options
	baseURL string
	http    *httpclient.Client
}

// newOllamaAdapter requires a base URL: there is no hosted Ollama to default
// to, and a silent localhost fallback hides misconfiguration.
func newOllamaAdapter(opts Options) (*ollamaAdapter, error) {
	if opts.BaseURL == "" {
		return nil, errs.Configuration("ollama requires a base URL", "baseUrl")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ollamaAdapter{
		opts:    opts,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		http:    httpclient.New(httpclient.WithTimeout(timeout)),
	}, nil
}

func (a *ollamaAdapter) Provider() domain.Provider { return domain.ProviderOllama }

func (a *ollamaAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsAttachments: true,
		SupportedMimeTypes:  []string{"image/jpeg", "image/png"},
		SupportsTools:       true,
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

func (a *ollamaAdapter) buildRequest(params Params, stream bool, results *AttachmentResults) ollamaRequest {
	msgs := make([]Message, len(params.Messages))
	copy(msgs, params.Messages)
	filterAttachments(msgs, a.Capabilities(), results)

	wire := make([]ollamaMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ToolCallID != "" {
			wire = append(wire, ollamaMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: msg.ToolName,
			})
			continue
		}

		out := ollamaMessage{Role: roleToOpenAI(msg.Role), Content: msg.Content}
		for _, att := range msg.Attachments {
			out.Images = append(out.Images, base64Encode(att.Data))
		}
		for _, tc := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, ollamaToolCall{
				Function: ollamaToolCallFunction{Name: tc.Name, Arguments: tc.Args},
			})
		}
		wire = append(wire, out)
	}

	req := ollamaRequest{
		Model:    a.opts.Model,
		Messages: wire,
		Stream:   stream,
	}
	if a.opts.Temperature != nil || a.opts.MaxTokens > 0 {
		req.Options = &ollamaOptions{
			Temperature: a.opts.Temperature,
			NumPredict:  a.opts.MaxTokens,
		}
	}
	for _, t := range params.Tools {
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: ollamaToolFunction(t)})
	}
	return req
}

func (a *ollamaAdapter) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	return a.http.Do(req)
}

func (a *ollamaAdapter) SendMessage(ctx context.Context, params Params) (*Response, error) {
	var results AttachmentResults
	body, err := json.Marshal(a.buildRequest(params, false, &results))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := a.post(ctx, "/api/chat", body)
	if resp == nil {
		return nil, errs.Network("ollama", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("ollama", a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network("ollama", readErr)
	}

	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("ollama", resp.StatusCode, "malformed response")
	}
	if out.Error != "" {
		return nil, errs.Provider("ollama", resp.StatusCode, out.Error)
	}

	return &Response{
		Content:      out.Message.Content,
		FinishReason: normalizeOllamaDoneReason(out.DoneReason, len(out.Message.ToolCalls) > 0),
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		Raw:               raw,
		ToolCalls:         convertOllamaToolCalls(out.Message.ToolCalls),
		AttachmentResults: results,
	}, nil
}

func normalizeOllamaDoneReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	}
	return reason
}

func convertOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		// Ollama assigns no call ids; synthesize stable ones by position.
		out[i] = ToolCall{
			ID:   fmt.Sprintf("call_%d", i),
			Name: tc.Function.Name,
			Args: args,
		}
	}
	return out
}

func (a *ollamaAdapter) StreamMessage(ctx context.Context, params Params) (<-chan Chunk, error) {
	var results AttachmentResults
	body, err := json.Marshal(a.buildRequest(params, true, &results))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out := make(chan Chunk, 64)
	go func() {
		defer close(out)
		a.stream(ctx, body, results, out)
	}()
	return out, nil
}

// stream reads Ollama's JSON-newline frames: one JSON object per line, the
// last carrying done=true with counters.
func (a *ollamaAdapter) stream(ctx context.Context, body []byte, results AttachmentResults, out chan<- Chunk) {
	resp, err := a.post(ctx, "/api/chat", body)
	if resp == nil {
		out <- Chunk{Done: true, Err: errs.Network("ollama", err)}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		out <- Chunk{Done: true, Err: httpError("ollama", a.opts.Model, resp, raw)}
		return
	}

	var toolCalls []ollamaToolCall
	var usage Usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var frame ollamaResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			out <- Chunk{Done: true, Err: errs.Provider("ollama", 0, frame.Error)}
			return
		}

		if frame.Message.Content != "" {
			out <- Chunk{Delta: frame.Message.Content}
		}
		toolCalls = append(toolCalls, frame.Message.ToolCalls...)

		if frame.Done {
			usage = Usage{
				PromptTokens:     frame.PromptEvalCount,
				CompletionTokens: frame.EvalCount,
				TotalTokens:      frame.PromptEvalCount + frame.EvalCount,
			}
			terminal := Chunk{Done: true, Usage: &usage, AttachmentResults: &results}
			if len(toolCalls) > 0 {
				terminal.ToolCalls = convertOllamaToolCalls(toolCalls)
				terminal.RawTerminal = synthesizeOllamaTerminal(toolCalls, frame.DoneReason)
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
		out <- Chunk{Done: true, Err: errs.Network("ollama", err)}
		return
	}
	out <- Chunk{Done: true, Usage: &usage, AttachmentResults: &results}
}

func synthesizeOllamaTerminal(calls []ollamaToolCall, doneReason string) json.RawMessage {
	payload := ollamaResponse{
		Message:    ollamaMessage{Role: "assistant", ToolCalls: calls},
		Done:       true,
		DoneReason: doneReason,
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// ParseToolCalls reads message.tool_calls from a chat-endpoint payload.
func (a *ollamaAdapter) ParseToolCalls(raw json.RawMessage) ([]ToolCall, error) {
	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.InvalidRequest("malformed provider payload")
	}
	return convertOllamaToolCalls(out.Message.ToolCalls), nil
}

// ValidateCredential checks reachability: Ollama has no credentials, so a
// responding endpoint validates trivially.
func (a *ollamaAdapter) ValidateCredential(ctx context.Context, apiKey string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.http.Do(req)
	if resp == nil {
		return false, errs.Network("ollama", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (a *ollamaAdapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.http.Do(req)
	if resp == nil {
		return nil, errs.Network("ollama", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("ollama", a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network("ollama", readErr)
	}

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("ollama", resp.StatusCode, "malformed model list")
	}
	models := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

func (a *ollamaAdapter) GenerateImage(ctx context.Context, params ImageParams) (*ImageResponse, error) {
	return nil, errs.Configuration("ollama does not support image generation")
}
