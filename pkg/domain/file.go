package domain

import "time"

// FileCategory classifies stored files.
type FileCategory string

const (
	FileCategoryImage      FileCategory = "IMAGE"
	FileCategoryAvatar     FileCategory = "AVATAR"
	FileCategoryAttachment FileCategory = "ATTACHMENT"
	FileCategoryGenerated  FileCategory = "GENERATED"
)

// FileSource records how a file entered the system.
type FileSource string

const (
	FileSourceUploaded  FileSource = "UPLOADED"
	FileSourceImported  FileSource = "IMPORTED"
	FileSourceGenerated FileSource = "GENERATED"
)

// FileEntry is the metadata row of a content-addressed blob. A file with an
// empty LinkedTo set may be garbage-collected; while nonempty it is pinned.
type FileEntry struct {
	ID               string       `json:"id" bson:"_id"`
	UserID           string       `json:"userId" bson:"userId"`
	SHA256           string       `json:"sha256" bson:"sha256"`
	OriginalFilename string       `json:"originalFilename,omitempty" bson:"originalFilename,omitempty"`
	MimeType         string       `json:"mimeType" bson:"mimeType"`
	Size             int64        `json:"size" bson:"size"`
	Width            int          `json:"width,omitempty" bson:"width,omitempty"`
	Height           int          `json:"height,omitempty" bson:"height,omitempty"`
	Category         FileCategory `json:"category" bson:"category"`
	Source           FileSource   `json:"source" bson:"source"`
	StorageKey       string       `json:"storageKey" bson:"storageKey"`
	LinkedTo         []string     `json:"linkedTo,omitempty" bson:"linkedTo,omitempty"`
	CreatedAt        time.Time    `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt" bson:"updatedAt"`
}

func (f *FileEntry) EntityID() string        { return f.ID }
func (f *FileEntry) OwnerID() string         { return f.UserID }
func (f *FileEntry) SetID(id string)         { f.ID = id }
func (f *FileEntry) Touch(at time.Time)      { f.UpdatedAt = at }
func (f *FileEntry) Created() time.Time      { return f.CreatedAt }
func (f *FileEntry) SetCreated(at time.Time) { f.CreatedAt = at }

// Linked reports whether entityID is in the LinkedTo set.
func (f *FileEntry) Linked(entityID string) bool {
	for _, id := range f.LinkedTo {
		if id == entityID {
			return true
		}
	}
	return false
}

// AddLink adds entityID to the LinkedTo set. Idempotent.
func (f *FileEntry) AddLink(entityID string) {
	if !f.Linked(entityID) {
		f.LinkedTo = append(f.LinkedTo, entityID)
	}
}

// RemoveLink removes entityID from the LinkedTo set. Idempotent. An empty
// resulting set does not auto-delete the file; deletion stays explicit so a
// transient unlink/relink cannot race the blob away.
func (f *FileEntry) RemoveLink(entityID string) {
	out := f.LinkedTo[:0]
	for _, id := range f.LinkedTo {
		if id != entityID {
			out = append(out, id)
		}
	}
	f.LinkedTo = out
}
