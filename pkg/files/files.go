// Package files implements the two-tier file store: a content-addressed
// blob tier plus a FileEntry index. Blobs are written before their index
// row, so a crash between the two leaves at most an orphaned blob for the
// start-up sweep to reclaim.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"

	"github.com/duskpoint/reverie/pkg/domain"
	"github.com/duskpoint/reverie/pkg/errs"
	"github.com/duskpoint/reverie/pkg/store"
)

// Store is the file service facade.
type Store struct {
	entries store.Repository[*domain.FileEntry]
	blobs   BlobStore
}

func NewStore(entries store.Repository[*domain.FileEntry], blobs BlobStore) *Store {
	return &Store{entries: entries, blobs: blobs}
}

// CreateInput carries one incoming file.
type CreateInput struct {
	Data             []byte
	OriginalFilename string
	MimeType         string
	Source           domain.FileSource
	Category         domain.FileCategory
	UserID           string
	LinkedTo         []string
}

// StorageKey derives the blob key for a sha256 hex digest.
func StorageKey(sum string) string {
	return sum[:2] + "/" + sum
}

// Create stores a file. Re-uploading identical content in the same category
// dedupes onto the existing entry, merging requested links.
func (s *Store) Create(ctx context.Context, in CreateInput) (*domain.FileEntry, error) {
	if len(in.Data) == 0 {
		return nil, errs.Validation("file data is empty", "data")
	}

	digest := sha256.Sum256(in.Data)
	sum := hex.EncodeToString(digest[:])

	if in.Source == domain.FileSourceUploaded {
		existing, err := s.findBySum(ctx, in.UserID, sum, in.Category)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			for _, link := range in.LinkedTo {
				existing.AddLink(link)
			}
			if err := s.entries.Update(ctx, in.UserID, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	entry := &domain.FileEntry{
		UserID:           in.UserID,
		SHA256:           sum,
		OriginalFilename: in.OriginalFilename,
		MimeType:         in.MimeType,
		Size:             int64(len(in.Data)),
		Category:         in.Category,
		Source:           in.Source,
		StorageKey:       StorageKey(sum),
		LinkedTo:         append([]string(nil), in.LinkedTo...),
	}
	if strings.HasPrefix(in.MimeType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Data)); err == nil {
			entry.Width = cfg.Width
			entry.Height = cfg.Height
		}
	}

	// Blob first. A failure here leaves no visible record; a crash after
	// it leaves an orphan for SweepOrphans.
	if err := s.blobs.Put(ctx, entry.StorageKey, in.Data); err != nil {
		return nil, err
	}
	if err := s.entries.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) findBySum(ctx context.Context, userID, sum string, category domain.FileCategory) (*domain.FileEntry, error) {
	all, err := s.entries.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, e := range all {
		if e.SHA256 == sum && e.Category == category {
			return e, nil
		}
	}
	return nil, nil
}

// Read returns the entry and its bytes.
func (s *Store) Read(ctx context.Context, userID, id string) (*domain.FileEntry, []byte, error) {
	entry, err := s.entries.FindByID(ctx, userID, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Get(ctx, entry.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return entry, data, nil
}

// Entry returns just the metadata row.
func (s *Store) Entry(ctx context.Context, userID, id string) (*domain.FileEntry, error) {
	return s.entries.FindByID(ctx, userID, id)
}

// Delete removes a file. A linked file is refused with false and no side
// effects. The blob is only removed when no other entry shares it.
func (s *Store) Delete(ctx context.Context, userID, id string) (bool, error) {
	entry, err := s.entries.FindByID(ctx, userID, id)
	if err != nil {
		return false, err
	}
	if len(entry.LinkedTo) > 0 {
		return false, nil
	}

	if err := s.entries.Delete(ctx, userID, id); err != nil {
		return false, err
	}

	shared, err := s.keyReferenced(ctx, entry.StorageKey)
	if err != nil {
		return true, err
	}
	if !shared {
		if err := s.blobs.Delete(ctx, entry.StorageKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Store) keyReferenced(ctx context.Context, storageKey string) (bool, error) {
	all, err := s.entries.FindAll(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range all {
		if e.StorageKey == storageKey {
			return true, nil
		}
	}
	return false, nil
}

// AddLink pins the file to an entity. Idempotent.
func (s *Store) AddLink(ctx context.Context, userID, id, entityID string) error {
	entry, err := s.entries.FindByID(ctx, userID, id)
	if err != nil {
		return err
	}
	entry.AddLink(entityID)
	return s.entries.Update(ctx, userID, entry)
}

// RemoveLink unpins the file from an entity. Idempotent; an emptied link
// set never auto-deletes.
func (s *Store) RemoveLink(ctx context.Context, userID, id, entityID string) error {
	entry, err := s.entries.FindByID(ctx, userID, id)
	if err != nil {
		return err
	}
	entry.RemoveLink(entityID)
	return s.entries.Update(ctx, userID, entry)
}

// SweepOrphans reclaims blobs with no index row. Run at start-up.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	keys, err := s.blobs.Keys(ctx)
	if err != nil {
		return 0, err
	}
	all, err := s.entries.FindAll(ctx)
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]struct{}, len(all))
	for _, e := range all {
		referenced[e.StorageKey] = struct{}{}
	}

	removed := 0
	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			slog.Warn("Failed to remove orphaned blob", "key", key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Reclaimed orphaned blobs", "count", removed)
	}
	return removed, nil
}
