package domain

import "time"

// ParticipantKind discriminates chat participants.
type ParticipantKind string

const (
	ParticipantUser      ParticipantKind = "USER"
	ParticipantCharacter ParticipantKind = "CHARACTER"
	ParticipantPersona   ParticipantKind = "PERSONA"
)

// Participant is one member of a chat. Character and persona participants
// reference their entity; the user participant has no ref.
type Participant struct {
	Kind                ParticipantKind `json:"kind" bson:"kind"`
	RefID               string          `json:"refId,omitempty" bson:"refId,omitempty"`
	IsActive            bool            `json:"isActive" bson:"isActive"`
	ConnectionProfileID string          `json:"connectionProfileId,omitempty" bson:"connectionProfileId,omitempty"`
	ImageProfileID      string          `json:"imageProfileId,omitempty" bson:"imageProfileId,omitempty"`
}

// Chat is a conversation. Its events live in a separate append-only log.
type Chat struct {
	ID                            string        `json:"id" bson:"_id"`
	UserID                        string        `json:"userId" bson:"userId"`
	Title                         string        `json:"title" bson:"title"`
	Participants                  []Participant `json:"participants" bson:"participants"`
	TitleLastCheckedAtInterchange int           `json:"titleLastCheckedAtInterchange,omitempty" bson:"titleLastCheckedAtInterchange,omitempty"`
	CreatedAt                     time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt                     time.Time     `json:"updatedAt" bson:"updatedAt"`
}

func (c *Chat) EntityID() string        { return c.ID }
func (c *Chat) OwnerID() string         { return c.UserID }
func (c *Chat) SetID(id string)         { c.ID = id }
func (c *Chat) Touch(at time.Time)      { c.UpdatedAt = at }
func (c *Chat) Created() time.Time      { return c.CreatedAt }
func (c *Chat) SetCreated(at time.Time) { c.CreatedAt = at }

// ActiveCharacter returns the first active character participant, if any.
func (c *Chat) ActiveCharacter() (Participant, bool) {
	for _, p := range c.Participants {
		if p.Kind == ParticipantCharacter && p.IsActive {
			return p, true
		}
	}
	return Participant{}, false
}

// ActivePersona returns the active persona participant, if any.
func (c *Chat) ActivePersona() (Participant, bool) {
	for _, p := range c.Participants {
		if p.Kind == ParticipantPersona && p.IsActive {
			return p, true
		}
	}
	return Participant{}, false
}
