package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/config"
	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/providers"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		DataDir:          t.TempDir(),
		EncryptionPepper: "test-pepper",
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestNewWiresEverything(t *testing.T) {
	r := newTestRuntime(t)

	assert.NotNil(t, r.Store)
	assert.NotNil(t, r.Files)
	assert.NotNil(t, r.Memory)
	assert.NotNil(t, r.Tools)
	assert.NotNil(t, r.Assembler)
	assert.NotNil(t, r.Orchestrator)
	assert.NotNil(t, r.Jobs)

	for _, name := range []string{"generate_image", "search_memories", "search_web"} {
		assert.True(t, r.Tools.Has(name), name)
	}
}

func TestNewWithChromemVectorBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorBackend = config.VectorBackendChromem
	require.NoError(t, cfg.Validate())

	r, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	assert.NotNil(t, r.Memory)
}

func TestResolveCredential(t *testing.T) {
	r := newTestRuntime(t)
	ctx := context.Background()

	userID := domain.NewID()
	cred := &domain.APICredential{UserID: userID, Provider: domain.ProviderOpenAI, Label: "openai key"}
	require.NoError(t, cred.EncryptCredential("test-pepper", "sk-super-secret"))
	require.NoError(t, r.Store.Credentials.Create(ctx, cred))

	key, err := r.ResolveCredential(ctx, userID, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-super-secret", key)

	// An empty credential id is a keyless provider, not an error.
	key, err = r.ResolveCredential(ctx, userID, "")
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = r.ResolveCredential(ctx, userID, "missing")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestEmbedderRequiresDefaultProfile(t *testing.T) {
	r := newTestRuntime(t)

	embedder := &Embedder{
		profiles: r.Store.EmbeddingProfiles,
		client:   embedClient(r.Config),
		creds:    r.ResolveCredential,
	}
	_, err := embedder.Embed(context.Background(), domain.NewID(), "anything")
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
}

func TestImageGeneratorRequiresProfile(t *testing.T) {
	r := newTestRuntime(t)

	gen := &imageGenerator{runtime: r}
	_, err := gen.Generate(context.Background(), domain.NewID(), "", providers.ImageParams{Prompt: "a tree"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeConfiguration, errs.CodeOf(err))
}
