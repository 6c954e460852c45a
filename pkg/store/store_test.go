package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
)

func repoBackends(t *testing.T) map[string]Repository[*domain.Character] {
	t.Helper()
	return map[string]Repository[*domain.Character]{
		"memory": NewMemoryRepository[*domain.Character]("character"),
		"file":   NewFileRepository[*domain.Character]("character", t.TempDir()+"/characters.json"),
	}
}

func TestRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repoBackends(t) {
		t.Run(name, func(t *testing.T) {
			user := domain.NewID()
			ch := &domain.Character{UserID: user, Name: "Mira"}

			require.NoError(t, repo.Create(ctx, ch))
			assert.NotEmpty(t, ch.ID, "create assigns id")
			assert.False(t, ch.CreatedAt.IsZero(), "create stamps createdAt")

			got, err := repo.FindByID(ctx, user, ch.ID)
			require.NoError(t, err)
			assert.Equal(t, "Mira", got.Name)

			got.Name = "Mira II"
			require.NoError(t, repo.Update(ctx, user, got))

			again, err := repo.FindByID(ctx, user, ch.ID)
			require.NoError(t, err)
			assert.Equal(t, "Mira II", again.Name)
			assert.True(t, again.UpdatedAt.After(again.CreatedAt) || again.UpdatedAt.Equal(again.CreatedAt))

			require.NoError(t, repo.Delete(ctx, user, ch.ID))
			_, err = repo.FindByID(ctx, user, ch.ID)
			assert.True(t, errs.IsNotFound(err))
		})
	}
}

func TestRepositoryOwnerGating(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repoBackends(t) {
		t.Run(name, func(t *testing.T) {
			owner := domain.NewID()
			other := domain.NewID()
			ch := &domain.Character{UserID: owner, Name: "Private"}
			require.NoError(t, repo.Create(ctx, ch))

			// Another user's lookups behave exactly like not-found.
			_, err := repo.FindByID(ctx, other, ch.ID)
			assert.True(t, errs.IsNotFound(err))

			err = repo.Delete(ctx, other, ch.ID)
			assert.True(t, errs.IsNotFound(err))

			list, err := repo.FindByUserID(ctx, other)
			require.NoError(t, err)
			assert.Empty(t, list)

			// Still there for the owner.
			_, err = repo.FindByID(ctx, owner, ch.ID)
			assert.NoError(t, err)
		})
	}
}

func TestRepositoryValidation(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repoBackends(t) {
		t.Run(name, func(t *testing.T) {
			err := repo.Create(ctx, &domain.Character{UserID: domain.NewID()})
			require.Error(t, err)
			assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))

			list, err := repo.FindAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, list, "invalid write left nothing behind")
		})
	}
}

func TestRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository[*domain.Character]("character")
	user := domain.NewID()
	ch := &domain.Character{UserID: user, Name: "Mira"}
	require.NoError(t, repo.Create(ctx, ch))

	got, err := repo.FindByID(ctx, user, ch.ID)
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := repo.FindByID(ctx, user, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", again.Name, "caller mutation must not leak into the store")
}

func TestFileRepositorySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/characters.json"
	user := domain.NewID()

	first := NewFileRepository[*domain.Character]("character", path)
	ch := &domain.Character{UserID: user, Name: "Mira"}
	require.NoError(t, first.Create(ctx, ch))

	second := NewFileRepository[*domain.Character]("character", path)
	got, err := second.FindByID(ctx, user, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mira", got.Name)
}

func TestSetDefaultUnsetsSiblings(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository[*domain.ConnectionProfile]("connection profile")
	user := domain.NewID()

	a := &domain.ConnectionProfile{UserID: user, Provider: domain.ProviderOpenAI, ModelName: "gpt-4o", IsDefault: true}
	b := &domain.ConnectionProfile{UserID: user, Provider: domain.ProviderAnthropic, ModelName: "claude-sonnet-4"}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))

	require.NoError(t, SetDefault(ctx, repo, user, b.ID))

	def, ok, err := FindDefault(ctx, repo, user)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, def.ID)

	gotA, err := repo.FindByID(ctx, user, a.ID)
	require.NoError(t, err)
	assert.False(t, gotA.IsDefault, "previous default unset")

	// Idempotent on retry.
	require.NoError(t, SetDefault(ctx, repo, user, b.ID))
	def, ok, err = FindDefault(ctx, repo, user)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.ID, def.ID)
}

func TestSetDefaultScopedPerUser(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository[*domain.ConnectionProfile]("connection profile")
	userA := domain.NewID()
	userB := domain.NewID()

	pa := &domain.ConnectionProfile{UserID: userA, Provider: domain.ProviderOpenAI, ModelName: "gpt-4o", IsDefault: true}
	pb := &domain.ConnectionProfile{UserID: userB, Provider: domain.ProviderOpenAI, ModelName: "gpt-4o", IsDefault: true}
	require.NoError(t, repo.Create(ctx, pa))
	require.NoError(t, repo.Create(ctx, pb))

	newA := &domain.ConnectionProfile{UserID: userA, Provider: domain.ProviderOllama, ModelName: "llama3"}
	require.NoError(t, repo.Create(ctx, newA))
	require.NoError(t, SetDefault(ctx, repo, userA, newA.ID))

	gotB, err := repo.FindByID(ctx, userB, pb.ID)
	require.NoError(t, err)
	assert.True(t, gotB.IsDefault, "other user's default untouched")
}
