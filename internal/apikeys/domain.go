package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// APIKey delegates a user's identity to programmatic callers. Only a one-way
// hash of the secret is stored, plus a non-secret display prefix/suffix.
type APIKey struct {
	ID                     uuid.UUID
	UserID                 int64
	Name                   string
	KeyHash                string
	KeyPrefix              string
	KeySuffix              string
	InheritUserPermissions bool
	// AllowedPermissions is meaningful only when not inheriting. It is used
	// verbatim at validation time, never intersected with the owner's current
	// rights: narrowing or widening is an administrative decision made when
	// the key is issued.
	AllowedPermissions []string
	UseUserRateLimits  bool
	RateLimitPerMinute *int
	RateLimitPerHour   *int
	IsActive           bool
	ExpiresAt          *time.Time
	RevokedAt          *time.Time
	RevokedBy          *int64
	RevokeReason       string
	LastUsedAt         *time.Time
	UsageCount         int64
	CreatedAt          time.Time
}

// ActiveAt reports whether the key may authenticate at the given instant.
func (k APIKey) ActiveAt(now time.Time) bool {
	if !k.IsActive || k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// RateLimits are the per-key request ceilings handed to the platform's rate
// limiting collaborator.
type RateLimits struct {
	PerMinute int
	PerHour   int
}

const secretPrefix = "ak_"

// NewSecret generates a fresh API-key secret. The plaintext is returned to
// the caller exactly once and never persisted.
func NewSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// HashSecret derives the stored lookup hash. Callers hash the raw secret
// before invoking validation; the engine never sees plaintext.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// DisplayParts returns the non-secret prefix and suffix kept for display.
func DisplayParts(secret string) (prefix, suffix string) {
	if len(secret) < 12 {
		return secret, ""
	}
	return secret[:8], secret[len(secret)-4:]
}
