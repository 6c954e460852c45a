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
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/httpclient"
)

// openAIVariant captures how the family members diverge from stock OpenAI.
type openAIVariant struct {
	provider        domain.Provider
	name            string
	defaultBaseURL  string
	requiresBaseURL bool
	supportsImages  bool
	// Grok's image endpoint rejects size/quality/style.
	restrictedImageBody bool
}

var openAIVariants = map[domain.Provider]openAIVariant{
	domain.ProviderOpenAI: {
		provider:       domain.ProviderOpenAI,
		name:           "openai",
		defaultBaseURL: "https://api.openai.com/v1",
		supportsImages: true,
	},
	domain.ProviderOpenRouter: {
		provider:       domain.ProviderOpenRouter,
		name:           "openrouter",
		defaultBaseURL: "https://openrouter.ai/api/v1",
	},
	domain.ProviderOpenAICompatible: {
		provider:        domain.ProviderOpenAICompatible,
		name:            "openai-compatible",
		requiresBaseURL: true,
	},
	domain.ProviderGrok: {
		provider:            domain.ProviderGrok,
		name:                "grok",
		defaultBaseURL:      "https://api.x.ai/v1",
		supportsImages:      true,
		restrictedImageBody: true,
	},
	domain.ProviderGabAI: {
		provider:       domain.ProviderGabAI,
		name:           "gab-ai",
		defaultBaseURL: "https://api.gab.ai/v1",
	},
}

type openAIAdapter struct {
	variant openAIVariant
	opts    Options
	baseURL string
	http    *httpclient.Client
}

func newOpenAIAdapter(provider domain.Provider, opts Options) (*openAIAdapter, error) {
	variant := openAIVariants[provider]

	baseURL := opts.BaseURL
	if baseURL == "" {
		if variant.requiresBaseURL {
			return nil, errs.Configuration(fmt.Sprintf("%s requires a base URL", variant.name), "baseUrl")
		}
		baseURL = variant.defaultBaseURL
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &openAIAdapter{
		variant: variant,
		opts:    opts,
		baseURL: baseURL,
		http: httpclient.New(
			httpclient.WithTimeout(timeout),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}, nil
}

func (a *openAIAdapter) Provider() domain.Provider { return a.variant.provider }

func (a *openAIAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsAttachments:     true,
		SupportedMimeTypes:      []string{"image/jpeg", "image/png", "image/webp"},
		SupportsImageGeneration: a.variant.supportsImages,
		SupportsTools:           true,
	}
}

// Wire types. Content is string or []openAIContentPart.

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    int                `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessageOut `json:"message"`
		FinishReason string           `json:"finish_reason"`
	} `json:"choices"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
	Usage     openAIUsage      `json:"usage"`
	Error     *openAIError     `json:"error,omitempty"`
}

type openAIMessageOut struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func (a *openAIAdapter) buildRequest(params Params, stream bool, results *AttachmentResults) openAIRequest {
	msgs := make([]Message, len(params.Messages))
	copy(msgs, params.Messages)
	filterAttachments(msgs, a.Capabilities(), results)

	wire := make([]openAIMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ToolCallID != "" {
			wire = append(wire, openAIMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
			continue
		}

		out := openAIMessage{Role: roleToOpenAI(msg.Role)}

		if len(msg.Attachments) > 0 {
			parts := []openAIContentPart{}
			if msg.Content != "" {
				parts = append(parts, openAIContentPart{Type: "text", Text: msg.Content})
			}
			for _, att := range msg.Attachments {
				data := base64.StdEncoding.EncodeToString(att.Data)
				parts = append(parts, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", att.MimeType, data)},
				})
			}
			out.Content = parts
		} else {
			out.Content = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				out.ToolCalls[i] = openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: string(args)},
				}
			}
		}

		wire = append(wire, out)
	}

	temperature := 0.7
	if a.opts.Temperature != nil {
		temperature = *a.opts.Temperature
	}

	req := openAIRequest{
		Model:       a.opts.Model,
		Messages:    wire,
		Temperature: temperature,
		Stream:      stream,
	}
	if a.opts.MaxTokens > 0 {
		maxTokens := a.opts.MaxTokens
		req.MaxTokens = &maxTokens
	}
	if len(params.Tools) > 0 {
		req.Tools = make([]openAITool, len(params.Tools))
		for i, t := range params.Tools {
			req.Tools[i] = openAITool{Type: "function", Function: openAIToolFunction(t)}
		}
		req.ToolChoice = "auto"
	}
	return req
}

func roleToOpenAI(role domain.Role) string {
	switch role {
	case domain.RoleUser:
		return "user"
	case domain.RoleAssistant:
		return "assistant"
	default:
		return "system"
	}
}

func (a *openAIAdapter) post(ctx context.Context, path string, body []byte, apiKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return a.http.Do(req)
}

func (a *openAIAdapter) SendMessage(ctx context.Context, params Params) (*Response, error) {
	var results AttachmentResults
	body, err := json.Marshal(a.buildRequest(params, false, &results))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := a.post(ctx, "/chat/completions", body, params.APIKey)
	if resp == nil {
		return nil, errs.Network(a.variant.name, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(a.variant.name, a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network(a.variant.name, readErr)
	}

	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, "malformed response")
	}
	if out.Error != nil {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, "no choices in response")
	}

	choice := out.Choices[0]
	toolCalls, err := convertOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		return nil, err
	}

	return &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
		Raw:               raw,
		ToolCalls:         toolCalls,
		AttachmentResults: results,
	}, nil
}

func (a *openAIAdapter) StreamMessage(ctx context.Context, params Params) (<-chan Chunk, error) {
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

func (a *openAIAdapter) stream(ctx context.Context, body []byte, apiKey string, results AttachmentResults, out chan<- Chunk) {
	resp, err := a.post(ctx, "/chat/completions", body, apiKey)
	if resp == nil {
		out <- Chunk{Done: true, Err: errs.Network(a.variant.name, err)}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		out <- Chunk{Done: true, Err: httpError(a.variant.name, a.opts.Model, resp, raw)}
		return
	}

	reader := bufio.NewReader(resp.Body)
	pending := make(map[int]*openAIToolCall)
	var usage *Usage
	finishReason := ""

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				out <- Chunk{Done: true, Cancelled: true}
				return
			}
			if err == io.EOF {
				break
			}
			out <- Chunk{Done: true, Err: errs.Network(a.variant.name, err)}
			return
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var frame openAIStreamResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		if frame.Error != nil {
			out <- Chunk{Done: true, Err: errs.Provider(a.variant.name, 0, frame.Error.Message)}
			return
		}
		if frame.Usage != nil {
			usage = &Usage{
				PromptTokens:     frame.Usage.PromptTokens,
				CompletionTokens: frame.Usage.CompletionTokens,
				TotalTokens:      frame.Usage.TotalTokens,
			}
		}
		if len(frame.Choices) == 0 {
			continue
		}

		choice := frame.Choices[0]
		if choice.Delta.Content != "" {
			out <- Chunk{Delta: choice.Delta.Content}
		}

		for _, delta := range choice.Delta.ToolCalls {
			if tc, ok := pending[delta.Index]; ok {
				tc.Function.Arguments += delta.Function.Arguments
				continue
			}
			call := delta
			pending[delta.Index] = &call
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	accumulated := make([]openAIToolCall, 0, len(pending))
	for i := 0; i < len(pending); i++ {
		if tc, ok := pending[i]; ok {
			accumulated = append(accumulated, *tc)
		}
	}

	terminal := Chunk{Done: true, Usage: usage, AttachmentResults: &results}
	if len(accumulated) > 0 {
		toolCalls, err := convertOpenAIToolCalls(accumulated)
		if err != nil {
			out <- Chunk{Done: true, Err: err}
			return
		}
		terminal.ToolCalls = toolCalls
		terminal.RawTerminal = synthesizeOpenAITerminal(accumulated, finishReason)
	}
	out <- terminal
}

// synthesizeOpenAITerminal rebuilds a unary-shape payload from accumulated
// stream deltas so ParseToolCalls sees one wire format.
func synthesizeOpenAITerminal(calls []openAIToolCall, finishReason string) json.RawMessage {
	payload := openAIResponse{}
	payload.Choices = append(payload.Choices, struct {
		Message      openAIMessageOut `json:"message"`
		FinishReason string           `json:"finish_reason"`
	}{
		Message:      openAIMessageOut{Role: "assistant", ToolCalls: calls},
		FinishReason: finishReason,
	})
	raw, _ := json.Marshal(payload)
	return raw
}

func convertOpenAIToolCalls(calls []openAIToolCall) ([]ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, errs.InvalidRequest(fmt.Sprintf("malformed tool arguments for %s", tc.Function.Name))
			}
		}
		out[i] = ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return out, nil
}

// ParseToolCalls accepts both the unary response shape and payloads with
// top-level tool_calls, which some proxies emit.
func (a *openAIAdapter) ParseToolCalls(raw json.RawMessage) ([]ToolCall, error) {
	var out openAIResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.InvalidRequest("malformed provider payload")
	}
	if len(out.ToolCalls) > 0 {
		return convertOpenAIToolCalls(out.ToolCalls)
	}
	if len(out.Choices) > 0 {
		return convertOpenAIToolCalls(out.Choices[0].Message.ToolCalls)
	}
	return nil, nil
}

func (a *openAIAdapter) get(ctx context.Context, path, apiKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return a.http.Do(req)
}

func (a *openAIAdapter) ValidateCredential(ctx context.Context, apiKey string) (bool, error) {
	resp, err := a.get(ctx, "/models", apiKey)
	if resp == nil {
		return false, errs.Network(a.variant.name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	return false, httpError(a.variant.name, a.opts.Model, resp, raw)
}

func (a *openAIAdapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	resp, err := a.get(ctx, "/models", apiKey)
	if resp == nil {
		return nil, errs.Network(a.variant.name, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(a.variant.name, a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network(a.variant.name, readErr)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, "malformed model list")
	}
	models := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

type openAIImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type openAIImageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json,omitempty"`
		URL           string `json:"url,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

func (a *openAIAdapter) GenerateImage(ctx context.Context, params ImageParams) (*ImageResponse, error) {
	if !a.variant.supportsImages {
		return nil, errs.Configuration(fmt.Sprintf("%s does not support image generation", a.variant.name))
	}

	req := openAIImageRequest{
		Model:  a.opts.Model,
		Prompt: params.Prompt,
		N:      params.Count,
	}
	if !a.variant.restrictedImageBody {
		req.Size = params.Size
		req.ResponseFormat = "b64_json"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := a.post(ctx, "/images/generations", body, params.APIKey)
	if resp == nil {
		return nil, errs.Network(a.variant.name, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(a.variant.name, a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network(a.variant.name, readErr)
	}

	var out openAIImageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, "malformed image response")
	}

	images := make([]Image, 0, len(out.Data))
	for _, d := range out.Data {
		var data []byte
		switch {
		case d.B64JSON != "":
			data, err = base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, errs.Provider(a.variant.name, resp.StatusCode, "undecodable image payload")
			}
		case d.URL != "":
			data, err = a.fetchImage(ctx, d.URL)
			if err != nil {
				return nil, err
			}
		default:
			continue
		}
		images = append(images, Image{
			Bytes:         data,
			MimeType:      detectImageMediaType(data),
			RevisedPrompt: d.RevisedPrompt,
		})
	}
	if len(images) == 0 {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, "empty image response")
	}
	return &ImageResponse{Images: images, Raw: raw}, nil
}

// fetchImage downloads a URL-form image result, which Grok returns instead
// of inline base64.
func (a *openAIAdapter) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.http.Do(req)
	if resp == nil {
		return nil, errs.Network(a.variant.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Provider(a.variant.name, resp.StatusCode, "image download failed")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Network(a.variant.name, err)
	}
	return data, nil
}
