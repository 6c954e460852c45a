package providers

import (
	"bytes"
	"context"
	"encoding/base64"
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

const imagenDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// imagenAdapter is image-generation only. Chat operations return
// configuration errors; the provider never appears on connection profiles.
type imagenAdapter struct {
	opts    Options
	baseURL string
	http    *httpclient.Client
}

func newImagenAdapter(opts Options) (*imagenAdapter, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = imagenDefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &imagenAdapter{
		opts:    opts,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpclient.New(httpclient.WithTimeout(timeout)),
	}, nil
}

func (a *imagenAdapter) Provider() domain.Provider { return domain.ProviderGoogleImagen }

func (a *imagenAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsImageGeneration: true}
}

type imagenRequest struct {
	Instances  []imagenInstance `json:"instances"`
	Parameters imagenParameters `json:"parameters"`
}

type imagenInstance struct {
	Prompt string `json:"prompt"`
}

type imagenParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type imagenResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MimeType           string `json:"mimeType"`
	} `json:"predictions"`
}

func (a *imagenAdapter) GenerateImage(ctx context.Context, params ImageParams) (*ImageResponse, error) {
	if params.APIKey == "" {
		return nil, errs.Configuration("google-imagen requires a credential", "apiCredentialId")
	}

	count := params.Count
	if count <= 0 {
		count = 1
	}
	body, err := json.Marshal(imagenRequest{
		Instances:  []imagenInstance{{Prompt: params.Prompt}},
		Parameters: imagenParameters{SampleCount: count, AspectRatio: params.Size},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:predict", a.baseURL, a.opts.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", params.APIKey)

	resp, err := a.http.Do(req)
	if resp == nil {
		return nil, errs.Network("google-imagen", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("google-imagen", a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network("google-imagen", readErr)
	}

	var out imagenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("google-imagen", resp.StatusCode, "malformed image response")
	}

	images := make([]Image, 0, len(out.Predictions))
	for _, p := range out.Predictions {
		data, err := base64.StdEncoding.DecodeString(p.BytesBase64Encoded)
		if err != nil {
			return nil, errs.Provider("google-imagen", resp.StatusCode, "undecodable image payload")
		}
		mime := p.MimeType
		if mime == "" {
			mime = detectImageMediaType(data)
		}
		images = append(images, Image{Bytes: data, MimeType: mime})
	}
	if len(images) == 0 {
		return nil, errs.Provider("google-imagen", resp.StatusCode, "empty image response")
	}
	return &ImageResponse{Images: images, Raw: raw}, nil
}

func (a *imagenAdapter) SendMessage(ctx context.Context, params Params) (*Response, error) {
	return nil, errs.Configuration("google-imagen does not support chat")
}

func (a *imagenAdapter) StreamMessage(ctx context.Context, params Params) (<-chan Chunk, error) {
	return nil, errs.Configuration("google-imagen does not support chat")
}

func (a *imagenAdapter) ParseToolCalls(raw json.RawMessage) ([]ToolCall, error) {
	return nil, nil
}

func (a *imagenAdapter) ValidateCredential(ctx context.Context, apiKey string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := a.http.Do(req)
	if resp == nil {
		return false, errs.Network("google-imagen", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	}
	raw, _ := io.ReadAll(resp.Body)
	return false, httpError("google-imagen", a.opts.Model, resp, raw)
}

func (a *imagenAdapter) ListModels(ctx context.Context, apiKey string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := a.http.Do(req)
	if resp == nil {
		return nil, errs.Network("google-imagen", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("google-imagen", a.opts.Model, resp, raw)
	}
	if readErr != nil {
		return nil, errs.Network("google-imagen", readErr)
	}

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.Provider("google-imagen", resp.StatusCode, "malformed model list")
	}
	models := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	return models, nil
}
