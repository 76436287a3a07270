package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
	"time"

	"gorm.io/gorm"
)

// UserSettings holds the client app's API credentials and push preferences.
// Only the SHA-256 of a key is stored; the raw value is shown once at issue time.
type UserSettings struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	UserID           uint           `gorm:"uniqueIndex" json:"user_id"`
	PushOptIn        bool           `gorm:"default:true" json:"push_opt_in"`
	APIKeyHash       string         `gorm:"type:char(64);default:'';index" json:"-"`
	APIKeyPrefix     string         `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	APIKeyCreatedAt  *time.Time     `json:"api_key_created_at"`
	APIKeyLastUsedAt *time.Time     `json:"api_key_last_used_at"`
	APIKeyRevokedAt  *time.Time     `json:"api_key_revoked_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

const (
	apiKeyScheme    = "sk_"
	apiKeyEntropy   = 32
	apiKeyPrefixLen = 16
)

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// APIKey is freshly generated key material.
type APIKey struct {
	Raw    string
	Prefix string
	Hash   string
}

// NewAPIKey returns a random "sk_" key with its display prefix and hash.
func NewAPIKey() (APIKey, error) {
	buf := make([]byte, apiKeyEntropy)
	if _, err := rand.Read(buf); err != nil {
		return APIKey{}, err
	}
	raw := apiKeyScheme + strings.ToLower(keyEncoding.EncodeToString(buf))
	return APIKey{Raw: raw, Prefix: raw[:apiKeyPrefixLen], Hash: HashAPIKey(raw)}, nil
}

// HashAPIKey is the lookup form of a presented key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// Install replaces any previous key. The raw value is not kept.
func (us *UserSettings) Install(key APIKey, now time.Time) {
	us.APIKeyHash = key.Hash
	us.APIKeyPrefix = key.Prefix
	us.APIKeyCreatedAt = &now
	us.APIKeyLastUsedAt = nil
	us.APIKeyRevokedAt = nil
}

func (us *UserSettings) Revoke(now time.Time) {
	us.APIKeyHash = ""
	us.APIKeyPrefix = ""
	us.APIKeyLastUsedAt = nil
	us.APIKeyRevokedAt = &now
}

// KeyActive reports whether a presented key can still match these settings.
func (us *UserSettings) KeyActive() bool {
	return us != nil && us.APIKeyHash != "" && us.APIKeyRevokedAt == nil
}
