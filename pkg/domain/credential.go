package domain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"time"

	"github.com/duskpoint/reverie/pkg/errs"
)

const gcmTagSize = 16

// APICredential stores a provider API key encrypted at rest. The plaintext
// only exists in memory for the duration of a single provider call.
type APICredential struct {
	ID         string     `json:"id" bson:"_id"`
	UserID     string     `json:"userId" bson:"userId"`
	Provider   Provider   `json:"provider" bson:"provider"`
	Label      string     `json:"label,omitempty" bson:"label,omitempty"`
	Ciphertext string     `json:"ciphertext" bson:"ciphertext"`
	IV         string     `json:"iv" bson:"iv"`
	AuthTag    string     `json:"authTag" bson:"authTag"`
	IsActive   bool       `json:"isActive" bson:"isActive"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty" bson:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt" bson:"updatedAt"`
}

func (c *APICredential) EntityID() string        { return c.ID }
func (c *APICredential) OwnerID() string         { return c.UserID }
func (c *APICredential) SetID(id string)         { c.ID = id }
func (c *APICredential) Touch(at time.Time)      { c.UpdatedAt = at }
func (c *APICredential) Created() time.Time      { return c.CreatedAt }
func (c *APICredential) SetCreated(at time.Time) { c.CreatedAt = at }

// deriveCredentialKey mixes the process-wide pepper with the owning user id.
// A leaked pepper alone cannot decrypt another user's keys without also
// knowing the user id, and vice versa.
func deriveCredentialKey(pepper, userID string) []byte {
	sum := sha256.Sum256([]byte(pepper + ":" + userID))
	return sum[:]
}

// EncryptCredential seals plaintext under the user-derived key, filling
// Ciphertext, IV and AuthTag.
func (c *APICredential) EncryptCredential(pepper, plaintext string) error {
	block, err := aes.NewCipher(deriveCredentialKey(pepper, c.UserID))
	if err != nil {
		return errs.Encryption(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errs.Encryption(err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return errs.Encryption(err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), []byte(c.UserID))
	body := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	c.Ciphertext = base64.StdEncoding.EncodeToString(body)
	c.IV = base64.StdEncoding.EncodeToString(iv)
	c.AuthTag = base64.StdEncoding.EncodeToString(tag)
	return nil
}

// DecryptCredential recovers the plaintext API key. Fails closed on any
// tampering or key mismatch.
func (c *APICredential) DecryptCredential(pepper string) (string, error) {
	body, err := base64.StdEncoding.DecodeString(c.Ciphertext)
	if err != nil {
		return "", errs.Encryption(err)
	}
	iv, err := base64.StdEncoding.DecodeString(c.IV)
	if err != nil {
		return "", errs.Encryption(err)
	}
	tag, err := base64.StdEncoding.DecodeString(c.AuthTag)
	if err != nil {
		return "", errs.Encryption(err)
	}

	block, err := aes.NewCipher(deriveCredentialKey(pepper, c.UserID))
	if err != nil {
		return "", errs.Encryption(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errs.Encryption(err)
	}

	plaintext, err := gcm.Open(nil, iv, append(body, tag...), []byte(c.UserID))
	if err != nil {
		return "", errs.Encryption(err)
	}
	return string(plaintext), nil
}
