package files

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(
		store.NewMemoryRepository[*domain.FileEntry]("file"),
		NewLocalBlobStore(t.TempDir()),
	)
}

func upload(data []byte, userID string) CreateInput {
	return CreateInput{
		Data:             data,
		OriginalFilename: "a.txt",
		MimeType:         "text/plain",
		Source:           domain.FileSourceUploaded,
		Category:         domain.FileCategoryAttachment,
		UserID:           userID,
	}
}

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := domain.NewID()

	entry, err := s.Create(ctx, upload([]byte("hello"), user))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Len(t, entry.SHA256, 64)
	assert.Equal(t, entry.SHA256[:2]+"/"+entry.SHA256, entry.StorageKey)
	assert.EqualValues(t, 5, entry.Size)

	got, data, err := s.Read(ctx, user, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, []byte("hello"), data)
}

func TestReadUnknownID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, _, err := s.Read(ctx, domain.NewID(), domain.NewID())
	assert.True(t, errs.IsNotFound(err))
}

func TestUploadDedupMergesLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := domain.NewID()

	in := upload([]byte("same-bytes"), user)
	in.LinkedTo = []string{"chat-1"}
	first, err := s.Create(ctx, in)
	require.NoError(t, err)

	in2 := upload([]byte("same-bytes"), user)
	in2.LinkedTo = []string{"chat-2"}
	second, err := s.Create(ctx, in2)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "identical upload dedupes")
	assert.ElementsMatch(t, []string{"chat-1", "chat-2"}, second.LinkedTo)
}

func TestDedupScopedByCategoryAndUser(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := domain.NewID()

	first, err := s.Create(ctx, upload([]byte("bytes"), user))
	require.NoError(t, err)

	asAvatar := upload([]byte("bytes"), user)
	asAvatar.Category = domain.FileCategoryAvatar
	second, err := s.Create(ctx, asAvatar)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "different category is a distinct entry")

	otherUser, err := s.Create(ctx, upload([]byte("bytes"), domain.NewID()))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, otherUser.ID, "dedup never crosses users")
}

func TestGeneratedFilesNeverDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := domain.NewID()

	in := upload([]byte("gen"), user)
	in.Source = domain.FileSourceGenerated
	in.Category = domain.FileCategoryGenerated
	first, err := s.Create(ctx, in)
	require.NoError(t, err)

	in2 := upload([]byte("gen"), user)
	in2.Source = domain.FileSourceGenerated
	in2.Category = domain.FileCategoryGenerated
	second, err := s.Create(ctx, in2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDeleteRefusedWhileLinked(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := domain.NewID()

	in := upload([]byte("pinned"), user)
	in.LinkedTo = []string{"chat-1"}
	entry, err := s.Create(ctx, in)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, user, entry.ID)
	require.NoError(t, err)
	assert.False(t, ok, "linked file must not delete")

	// Unlink does not auto-delete; explicit delete then succeeds.
	require.NoError(t, s.RemoveLink(ctx, user, entry.ID, "chat-1"))
	got, err := s.Entry(ctx, user, entry.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LinkedTo)

	ok, err = s.Delete(ctx, user, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = s.Read(ctx, user, entry.ID)
	assert.True(t, errs.IsNotFound(err))
}

func TestDeleteKeepsSharedBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := domain.NewID()

	attachment, err := s.Create(ctx, upload([]byte("shared"), user))
	require.NoError(t, err)

	asAvatar := upload([]byte("shared"), user)
	asAvatar.Category = domain.FileCategoryAvatar
	avatar, err := s.Create(ctx, asAvatar)
	require.NoError(t, err)

	ok, err := s.Delete(ctx, user, attachment.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, data, err := s.Read(ctx, user, avatar.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), data, "blob survives while another entry references it")
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()
	blobs := NewLocalBlobStore(t.TempDir())
	s := NewStore(store.NewMemoryRepository[*domain.FileEntry]("file"), blobs)
	user := domain.NewID()

	entry, err := s.Create(ctx, upload([]byte("kept"), user))
	require.NoError(t, err)

	// Simulate a crash between blob write and index write.
	require.NoError(t, blobs.Put(ctx, "ff/ffffffff", []byte("orphan")))

	removed, err := s.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, data, err := s.Read(ctx, user, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data)

	_, err = blobs.Get(ctx, "ff/ffffffff")
	assert.True(t, errs.IsNotFound(err))
}
