package domain

import "time"

// Memory is a long-term character-scoped factoid. Its embedding vector lives
// in the character's vector index keyed by memory id.
type Memory struct {
	ID             string    `json:"id" bson:"_id"`
	UserID         string    `json:"userId" bson:"userId"`
	CharacterID    string    `json:"characterId" bson:"characterId"`
	Content        string    `json:"content" bson:"content"`
	Summary        string    `json:"summary,omitempty" bson:"summary,omitempty"`
	Keywords       []string  `json:"keywords,omitempty" bson:"keywords,omitempty"`
	Tags           []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	Importance     float64   `json:"importance" bson:"importance"`
	PersonaID      string    `json:"personaId,omitempty" bson:"personaId,omitempty"`
	ChatID         string    `json:"chatId,omitempty" bson:"chatId,omitempty"`
	LastAccessedAt time.Time `json:"lastAccessedAt" bson:"lastAccessedAt"`
	CreatedAt      time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (m *Memory) EntityID() string        { return m.ID }
func (m *Memory) OwnerID() string         { return m.UserID }
func (m *Memory) SetID(id string)         { m.ID = id }
func (m *Memory) Touch(at time.Time)      { m.UpdatedAt = at }
func (m *Memory) Created() time.Time      { return m.CreatedAt }
func (m *Memory) SetCreated(at time.Time) { m.CreatedAt = at }
