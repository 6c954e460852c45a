package domain

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ConnectionProfile bundles provider + model + parameters + credential
// reference into a reusable unit.
type ConnectionProfile struct {
	ID              string         `json:"id" bson:"_id"`
	UserID          string         `json:"userId" bson:"userId"`
	Provider        Provider       `json:"provider" bson:"provider"`
	ModelName       string         `json:"modelName" bson:"modelName"`
	APICredentialID string         `json:"apiCredentialId,omitempty" bson:"apiCredentialId,omitempty"`
	BaseURL         string         `json:"baseUrl,omitempty" bson:"baseUrl,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty" bson:"parameters,omitempty"`
	IsDefault       bool           `json:"isDefault,omitempty" bson:"isDefault,omitempty"`
	IsCheap         bool           `json:"isCheap,omitempty" bson:"isCheap,omitempty"`
	Tags            []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt" bson:"updatedAt"`
}

func (p *ConnectionProfile) EntityID() string        { return p.ID }
func (p *ConnectionProfile) OwnerID() string         { return p.UserID }
func (p *ConnectionProfile) SetID(id string)         { p.ID = id }
func (p *ConnectionProfile) Touch(at time.Time)      { p.UpdatedAt = at }
func (p *ConnectionProfile) Created() time.Time      { return p.CreatedAt }
func (p *ConnectionProfile) SetCreated(at time.Time) { p.CreatedAt = at }
func (p *ConnectionProfile) Default() bool           { return p.IsDefault }
func (p *ConnectionProfile) MarkDefault(v bool)      { p.IsDefault = v }

// SamplingParams is the typed view of the provider-agnostic parameters bag.
type SamplingParams struct {
	Temperature    *float64 `mapstructure:"temperature"`
	MaxTokens      int      `mapstructure:"maxTokens"`
	TopP           *float64 `mapstructure:"topP"`
	ContextLimit   int      `mapstructure:"contextLimit"`
	TimeoutSeconds int      `mapstructure:"timeoutSeconds"`
}

// Sampling decodes the parameters bag. Unknown keys are ignored; they may
// belong to other components (timeouts, provider quirks).
func (p *ConnectionProfile) Sampling() (SamplingParams, error) {
	var out SamplingParams
	if len(p.Parameters) == 0 {
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return out, fmt.Errorf("failed to build parameter decoder: %w", err)
	}
	if err := dec.Decode(p.Parameters); err != nil {
		return out, fmt.Errorf("invalid connection parameters: %w", err)
	}
	return out, nil
}

// EmbeddingProfile selects an embeddings endpoint.
type EmbeddingProfile struct {
	ID              string    `json:"id" bson:"_id"`
	UserID          string    `json:"userId" bson:"userId"`
	Provider        Provider  `json:"provider" bson:"provider"`
	ModelName       string    `json:"modelName" bson:"modelName"`
	Dimensions      int       `json:"dimensions" bson:"dimensions"`
	APICredentialID string    `json:"apiCredentialId,omitempty" bson:"apiCredentialId,omitempty"`
	BaseURL         string    `json:"baseUrl,omitempty" bson:"baseUrl,omitempty"`
	IsDefault       bool      `json:"isDefault,omitempty" bson:"isDefault,omitempty"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt" bson:"updatedAt"`
}

func (p *EmbeddingProfile) EntityID() string        { return p.ID }
func (p *EmbeddingProfile) OwnerID() string         { return p.UserID }
func (p *EmbeddingProfile) SetID(id string)         { p.ID = id }
func (p *EmbeddingProfile) Touch(at time.Time)      { p.UpdatedAt = at }
func (p *EmbeddingProfile) Created() time.Time      { return p.CreatedAt }
func (p *EmbeddingProfile) SetCreated(at time.Time) { p.CreatedAt = at }
func (p *EmbeddingProfile) Default() bool           { return p.IsDefault }
func (p *EmbeddingProfile) MarkDefault(v bool)      { p.IsDefault = v }

// ImageProfile selects an image generation endpoint.
type ImageProfile struct {
	ID              string         `json:"id" bson:"_id"`
	UserID          string         `json:"userId" bson:"userId"`
	Provider        Provider       `json:"provider" bson:"provider"`
	ModelName       string         `json:"modelName" bson:"modelName"`
	APICredentialID string         `json:"apiCredentialId,omitempty" bson:"apiCredentialId,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty" bson:"parameters,omitempty"`
	IsDefault       bool           `json:"isDefault,omitempty" bson:"isDefault,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt" bson:"updatedAt"`
}

func (p *ImageProfile) EntityID() string        { return p.ID }
func (p *ImageProfile) OwnerID() string         { return p.UserID }
func (p *ImageProfile) SetID(id string)         { p.ID = id }
func (p *ImageProfile) Touch(at time.Time)      { p.UpdatedAt = at }
func (p *ImageProfile) Created() time.Time      { return p.CreatedAt }
func (p *ImageProfile) SetCreated(at time.Time) { p.CreatedAt = at }
func (p *ImageProfile) Default() bool           { return p.IsDefault }
func (p *ImageProfile) MarkDefault(v bool)      { p.IsDefault = v }
