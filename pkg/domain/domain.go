// Package domain defines the entities of the roleplay platform core.
//
// Every child entity stores its owning user id; repository lookups are gated
// on a match. Identifiers are UUID strings.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// AnonymousUserID is the fixed identity used when auth is disabled.
var AnonymousUserID = uuid.Nil.String()

// NewID returns a fresh UUID string.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether s parses as a UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Now returns the current instant truncated to millisecond resolution, the
// precision persisted timestamps carry.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Provider identifies an LLM provider wire protocol.
type Provider string

const (
	ProviderOpenAI           Provider = "openai"
	ProviderAnthropic        Provider = "anthropic"
	ProviderOllama           Provider = "ollama"
	ProviderOpenRouter       Provider = "openrouter"
	ProviderOpenAICompatible Provider = "openai-compatible"
	ProviderGrok             Provider = "grok"
	ProviderGabAI            Provider = "gab-ai"
	ProviderGoogleImagen     Provider = "google-imagen"
)

// User owns everything. Never destroyed by the core.
type User struct {
	ID           string     `json:"id" bson:"_id"`
	Email        string     `json:"email" bson:"email"`
	DisplayName  string     `json:"displayName" bson:"displayName"`
	PasswordHash string     `json:"passwordHash,omitempty" bson:"passwordHash,omitempty"`
	TOTPSecret   string     `json:"totpSecret,omitempty" bson:"totpSecret,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt" bson:"updatedAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" bson:"lastLoginAt,omitempty"`
}

func (u *User) EntityID() string        { return u.ID }
func (u *User) OwnerID() string         { return u.ID }
func (u *User) SetID(id string)         { u.ID = id }
func (u *User) Touch(at time.Time)      { u.UpdatedAt = at }
func (u *User) Created() time.Time      { return u.CreatedAt }
func (u *User) SetCreated(at time.Time) { u.CreatedAt = at }

// Tag labels characters and chats. (userID, lower(name)) is unique.
type Tag struct {
	ID        string    `json:"id" bson:"_id"`
	UserID    string    `json:"userId" bson:"userId"`
	Name      string    `json:"name" bson:"name"`
	NameLower string    `json:"nameLower" bson:"nameLower"`
	QuickHide bool      `json:"quickHide,omitempty" bson:"quickHide,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (t *Tag) EntityID() string        { return t.ID }
func (t *Tag) OwnerID() string         { return t.UserID }
func (t *Tag) SetID(id string)         { t.ID = id }
func (t *Tag) Touch(at time.Time)      { t.UpdatedAt = at }
func (t *Tag) Created() time.Time      { return t.CreatedAt }
func (t *Tag) SetCreated(at time.Time) { t.CreatedAt = at }

// AvatarOverride maps an emotion or pose label to an alternative avatar.
type AvatarOverride struct {
	Label   string `json:"label" bson:"label"`
	ImageID string `json:"imageId" bson:"imageId"`
}

// Character is a roleplay character sheet. All text fields may contain
// template variables.
type Character struct {
	ID               string           `json:"id" bson:"_id"`
	UserID           string           `json:"userId" bson:"userId"`
	Name             string           `json:"name" bson:"name"`
	Description      string           `json:"description,omitempty" bson:"description,omitempty"`
	Personality      string           `json:"personality,omitempty" bson:"personality,omitempty"`
	Scenario         string           `json:"scenario,omitempty" bson:"scenario,omitempty"`
	FirstMessage     string           `json:"firstMessage,omitempty" bson:"firstMessage,omitempty"`
	ExampleDialogues string           `json:"exampleDialogues,omitempty" bson:"exampleDialogues,omitempty"`
	SystemPrompt     string           `json:"systemPrompt,omitempty" bson:"systemPrompt,omitempty"`
	Appearance       string           `json:"appearance,omitempty" bson:"appearance,omitempty"`
	DefaultImageID   string           `json:"defaultImageId,omitempty" bson:"defaultImageId,omitempty"`
	IsFavorite       bool             `json:"isFavorite,omitempty" bson:"isFavorite,omitempty"`
	AvatarOverrides  []AvatarOverride `json:"avatarOverrides,omitempty" bson:"avatarOverrides,omitempty"`
	Tags             []string         `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt        time.Time        `json:"createdAt" bson:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt" bson:"updatedAt"`
}

func (c *Character) EntityID() string        { return c.ID }
func (c *Character) OwnerID() string         { return c.UserID }
func (c *Character) SetID(id string)         { c.ID = id }
func (c *Character) Touch(at time.Time)      { c.UpdatedAt = at }
func (c *Character) Created() time.Time      { return c.CreatedAt }
func (c *Character) SetCreated(at time.Time) { c.CreatedAt = at }

// EffectiveAvatar resolves the character's avatar for a label, falling back
// to the default image.
func (c *Character) EffectiveAvatar(label string) string {
	for _, o := range c.AvatarOverrides {
		if o.Label == label {
			return o.ImageID
		}
	}
	return c.DefaultImageID
}

// PersonaLink marks a persona as preferred for a specific character.
type PersonaLink struct {
	CharacterID string `json:"characterId" bson:"characterId"`
}

// Persona is the user's self-representation in a chat.
type Persona struct {
	ID             string        `json:"id" bson:"_id"`
	UserID         string        `json:"userId" bson:"userId"`
	Name           string        `json:"name" bson:"name"`
	Description    string        `json:"description,omitempty" bson:"description,omitempty"`
	Personality    string        `json:"personality,omitempty" bson:"personality,omitempty"`
	SystemPrompt   string        `json:"systemPrompt,omitempty" bson:"systemPrompt,omitempty"`
	Appearance     string        `json:"appearance,omitempty" bson:"appearance,omitempty"`
	DefaultImageID string        `json:"defaultImageId,omitempty" bson:"defaultImageId,omitempty"`
	IsFavorite     bool          `json:"isFavorite,omitempty" bson:"isFavorite,omitempty"`
	CharacterLinks []PersonaLink `json:"characterLinks,omitempty" bson:"characterLinks,omitempty"`
	Tags           []string      `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt      time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt" bson:"updatedAt"`
}

func (p *Persona) EntityID() string        { return p.ID }
func (p *Persona) OwnerID() string         { return p.UserID }
func (p *Persona) SetID(id string)         { p.ID = id }
func (p *Persona) Touch(at time.Time)      { p.UpdatedAt = at }
func (p *Persona) Created() time.Time      { return p.CreatedAt }
func (p *Persona) SetCreated(at time.Time) { p.CreatedAt = at }

// LinkedTo reports whether the persona is explicitly preferred for the
// character.
func (p *Persona) LinkedTo(characterID string) bool {
	for _, l := range p.CharacterLinks {
		if l.CharacterID == characterID {
			return true
		}
	}
	return false
}
