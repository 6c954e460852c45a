package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

func newTestImagen(t *testing.T, baseURL string) Adapter {
	t.Helper()
	a, err := New(domain.ProviderGoogleImagen, Options{Model: "imagen-3.0-generate-002", BaseURL: baseURL})
	require.NoError(t, err)
	return a
}

func TestImagenGenerateImage(t *testing.T) {
	payload := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/imagen-3.0-generate-002:predict", r.URL.Path)
		assert.Equal(t, "goog-key", r.Header.Get("x-goog-api-key"))

		var req imagenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Instances, 1)
		assert.Equal(t, "a lighthouse at dusk", req.Instances[0].Prompt)
		assert.Equal(t, 2, req.Parameters.SampleCount)

		json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]any{
				{"bytesBase64Encoded": base64.StdEncoding.EncodeToString(payload), "mimeType": "image/png"},
				{"bytesBase64Encoded": base64.StdEncoding.EncodeToString(payload)},
			},
		})
	}))
	defer server.Close()

	a := newTestImagen(t, server.URL)
	resp, err := a.GenerateImage(context.Background(), ImageParams{
		Prompt: "a lighthouse at dusk",
		Count:  2,
		APIKey: "goog-key",
	})
	require.NoError(t, err)
	require.Len(t, resp.Images, 2)
	assert.Equal(t, payload, resp.Images[0].Bytes)
	assert.Equal(t, "image/png", resp.Images[0].MimeType)
	// Missing mime type falls back to sniffing the payload.
	assert.Equal(t, "image/png", resp.Images[1].MimeType)
}

func TestImagenRequiresCredential(t *testing.T) {
	a := newTestImagen(t, "http://localhost:1")
	_, err := a.GenerateImage(context.Background(), ImageParams{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
}

func TestImagenRejectsChat(t *testing.T) {
	a := newTestImagen(t, "http://localhost:1")

	_, err := a.SendMessage(context.Background(), Params{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))

	_, err = a.StreamMessage(context.Background(), Params{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
}

func TestImagenListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "models/imagen-3.0-generate-002"},
				{"name": "models/imagen-3.0-fast"},
			},
		})
	}))
	defer server.Close()

	a := newTestImagen(t, server.URL)
	models, err := a.ListModels(context.Background(), "goog-key")
	require.NoError(t, err)
	assert.Equal(t, []string{"imagen-3.0-generate-002", "imagen-3.0-fast"}, models)

	ok, err := a.ValidateCredential(context.Background(), "goog-key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewCoversEveryProvider(t *testing.T) {
	cases := []struct {
		provider domain.Provider
		opts     Options
	}{
		{domain.ProviderOpenAI, Options{Model: "gpt-4o"}},
		{domain.ProviderOpenRouter, Options{Model: "meta-llama/llama-3-70b"}},
		{domain.ProviderOpenAICompatible, Options{Model: "local", BaseURL: "http://localhost:8080/v1"}},
		{domain.ProviderGrok, Options{Model: "grok-2"}},
		{domain.ProviderGabAI, Options{Model: "arya"}},
		{domain.ProviderAnthropic, Options{Model: "claude-sonnet-4-5"}},
		{domain.ProviderOllama, Options{Model: "llama3", BaseURL: "http://localhost:11434"}},
		{domain.ProviderGoogleImagen, Options{Model: "imagen-3.0-generate-002"}},
	}
	for _, tc := range cases {
		a, err := New(tc.provider, tc.opts)
		require.NoError(t, err, tc.provider)
		assert.Equal(t, tc.provider, a.Provider())
	}

	_, err := New(domain.Provider("bogus"), Options{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
}

func TestFromProfileDecodesSampling(t *testing.T) {
	temp := 0.6
	profile := &domain.ConnectionProfile{
		Provider:  domain.ProviderOpenAI,
		ModelName: "gpt-4o",
		Parameters: map[string]any{
			"temperature":    temp,
			"maxTokens":      512,
			"timeoutSeconds": 30,
		},
	}
	a, err := FromProfile(profile)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderOpenAI, a.Provider())
}
