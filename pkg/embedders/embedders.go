// Package embedders turns text into vectors through the user's embedding
// profile. Credentials are resolved by the caller and passed as plaintext at
// request time; they are never logged.
package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/httpclient"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOllamaBaseURL = "http://localhost:11434"
	responsePreviewLimit = 200
)

// Ollama's llama runner can crash under concurrent embedding requests, so
// they are serialized process-wide.
var ollamaEmbedMu sync.Mutex

// Result is one embedding with its provenance.
type Result struct {
	Vector     []float32
	Provider   domain.Provider
	Model      string
	Dimensions int
}

// Client dispatches embedding requests by profile provider.
type Client struct {
	http    *httpclient.Client
	timeout time.Duration
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:    httpclient.New(httpclient.WithTimeout(timeout)),
		timeout: timeout,
	}
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed produces a vector for text using the given profile. apiKey may be
// empty only for providers that need no auth.
func (c *Client) Embed(ctx context.Context, text string, profile *domain.EmbeddingProfile, apiKey string) (Result, error) {
	switch profile.Provider {
	case domain.ProviderOllama:
		return c.embedOllama(ctx, text, profile)
	case domain.ProviderOpenAI, domain.ProviderOpenRouter, domain.ProviderOpenAICompatible,
		domain.ProviderGrok, domain.ProviderGabAI:
		return c.embedOpenAI(ctx, text, profile, apiKey)
	default:
		return Result{}, errs.Configuration(fmt.Sprintf("provider %s does not support embeddings", profile.Provider))
	}
}

func (c *Client) embedOpenAI(ctx context.Context, text string, profile *domain.EmbeddingProfile, apiKey string) (Result, error) {
	if apiKey == "" {
		return Result{}, errs.Configuration("embedding profile needs a credential", "apiCredentialId")
	}

	baseURL := profile.BaseURL
	if baseURL == "" {
		if profile.Provider == domain.ProviderOpenAICompatible {
			return Result{}, errs.Configuration("openai-compatible embedding profile needs a base URL", "baseUrl")
		}
		baseURL = defaultOpenAIBaseURL
	}

	body, err := json.Marshal(openAIEmbedRequest{Model: profile.ModelName, Input: []string{text}})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(req)
	if resp == nil {
		return Result{}, errs.Network(string(profile.Provider), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errs.Network(string(profile.Provider), err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, embedHTTPError(profile.Provider, resp.StatusCode, raw)
	}

	var out openAIEmbedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, errs.Provider(string(profile.Provider), resp.StatusCode, "malformed embedding response")
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return Result{}, errs.Provider(string(profile.Provider), resp.StatusCode, "empty embedding response")
	}

	vec := out.Data[0].Embedding
	return Result{
		Vector:     vec,
		Provider:   profile.Provider,
		Model:      profile.ModelName,
		Dimensions: len(vec),
	}, nil
}

func (c *Client) embedOllama(ctx context.Context, text string, profile *domain.EmbeddingProfile) (Result, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	baseURL := profile.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	slog.Debug("Ollama embedding request", "model", profile.ModelName, "text_length", len(text))

	body, err := json.Marshal(ollamaEmbedRequest{Model: profile.ModelName, Prompt: text})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if resp == nil {
		return Result{}, errs.Network("ollama", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, errs.Network("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, embedHTTPError(domain.ProviderOllama, resp.StatusCode, raw)
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, errs.Provider("ollama", resp.StatusCode, "malformed embedding response")
	}
	if len(out.Embedding) == 0 {
		return Result{}, errs.Provider("ollama", resp.StatusCode, "empty embedding response")
	}

	return Result{
		Vector:     out.Embedding,
		Provider:   domain.ProviderOllama,
		Model:      profile.ModelName,
		Dimensions: len(out.Embedding),
	}, nil
}

func embedHTTPError(provider domain.Provider, status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.APIKey(string(provider))
	case http.StatusTooManyRequests:
		return errs.RateLimit(string(provider), 0)
	}
	preview := string(body)
	if len(preview) > responsePreviewLimit {
		preview = preview[:responsePreviewLimit]
	}
	return errs.Provider(string(provider), status, preview)
}
