package runtime

import (
	"context"

	"github.com/duskpoint/reverie/pkg/config"
	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/embedders"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/store"
)

// CredentialFunc resolves a credential id to its plaintext key.
type CredentialFunc func(ctx context.Context, userID, credentialID string) (string, error)

// Embedder satisfies memory.Embedder: it resolves the user's default
// embedding profile and credential, then delegates to the embedding client.
type Embedder struct {
	profiles store.Repository[*domain.EmbeddingProfile]
	client   *embedders.Client
	creds    CredentialFunc
}

func embedClient(cfg *config.Config) *embedders.Client {
	return embedders.NewClient(cfg.Timeouts.Embedding)
}

// Embed produces a vector for text under the user's default embedding
// profile.
func (e *Embedder) Embed(ctx context.Context, userID, text string) ([]float32, error) {
	profile, ok, err := store.FindDefault(ctx, e.profiles, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Configuration("no default embedding profile", "embeddingProfileId")
	}

	apiKey, err := e.creds(ctx, userID, profile.APICredentialID)
	if err != nil {
		return nil, err
	}

	result, err := e.client.Embed(ctx, text, profile, apiKey)
	if err != nil {
		return nil, err
	}
	if profile.Dimensions > 0 && result.Dimensions != profile.Dimensions {
		return nil, errs.Configuration("embedding dimensions do not match the profile", "dimensions")
	}
	return result.Vector, nil
}
