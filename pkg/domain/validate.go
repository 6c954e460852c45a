package domain

import "github.com/duskpoint/reverie/pkg/errs"

// Validate methods gate repository writes. A failed validation leaves
// storage untouched.

func (u *User) Validate() error {
	if u.Email == "" {
		return errs.Validation("user email is required", "email")
	}
	return nil
}

func (t *Tag) Validate() error {
	if t.Name == "" {
		return errs.Validation("tag name is required", "name")
	}
	return nil
}

func (c *Character) Validate() error {
	if c.Name == "" {
		return errs.Validation("character name is required", "name")
	}
	return nil
}

func (p *Persona) Validate() error {
	if p.Name == "" {
		return errs.Validation("persona name is required", "name")
	}
	return nil
}

func (p *ConnectionProfile) Validate() error {
	var fields []string
	if p.Provider == "" {
		fields = append(fields, "provider")
	}
	if p.ModelName == "" {
		fields = append(fields, "modelName")
	}
	if len(fields) > 0 {
		return errs.Validation("connection profile is incomplete", fields...)
	}
	return nil
}

func (p *EmbeddingProfile) Validate() error {
	var fields []string
	if p.Provider == "" {
		fields = append(fields, "provider")
	}
	if p.ModelName == "" {
		fields = append(fields, "modelName")
	}
	if p.Dimensions <= 0 {
		fields = append(fields, "dimensions")
	}
	if len(fields) > 0 {
		return errs.Validation("embedding profile is incomplete", fields...)
	}
	return nil
}

func (p *ImageProfile) Validate() error {
	var fields []string
	if p.Provider == "" {
		fields = append(fields, "provider")
	}
	if p.ModelName == "" {
		fields = append(fields, "modelName")
	}
	if len(fields) > 0 {
		return errs.Validation("image profile is incomplete", fields...)
	}
	return nil
}

func (c *APICredential) Validate() error {
	var fields []string
	if c.Provider == "" {
		fields = append(fields, "provider")
	}
	if c.Ciphertext == "" {
		fields = append(fields, "ciphertext")
	}
	if len(fields) > 0 {
		return errs.Validation("credential is incomplete", fields...)
	}
	return nil
}

func (c *Chat) Validate() error {
	if len(c.Participants) == 0 {
		return errs.Validation("chat needs at least one participant", "participants")
	}
	for _, p := range c.Participants {
		switch p.Kind {
		case ParticipantUser, ParticipantCharacter, ParticipantPersona:
		default:
			return errs.Validation("unknown participant kind", "participants")
		}
	}
	return nil
}

func (m *Memory) Validate() error {
	var fields []string
	if m.CharacterID == "" {
		fields = append(fields, "characterId")
	}
	if m.Content == "" {
		fields = append(fields, "content")
	}
	if len(fields) > 0 {
		return errs.Validation("memory is incomplete", fields...)
	}
	return nil
}

func (f *FileEntry) Validate() error {
	var fields []string
	if f.SHA256 == "" {
		fields = append(fields, "sha256")
	}
	if f.Category == "" {
		fields = append(fields, "category")
	}
	if len(fields) > 0 {
		return errs.Validation("file entry is incomplete", fields...)
	}
	return nil
}
