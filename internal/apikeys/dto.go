package apikeys

import "time"

type issueKeyRequest struct {
	Name                   string     `json:"name" validate:"required"`
	InheritUserPermissions bool       `json:"inherit_user_permissions"`
	AllowedPermissions     []string   `json:"allowed_permissions"`
	ExpiresAt              *time.Time `json:"expires_at"`
	UseUserRateLimits      bool       `json:"use_user_rate_limits"`
	RateLimitPerMinute     *int       `json:"rate_limit_per_minute" validate:"omitempty,min=0"`
	RateLimitPerHour       *int       `json:"rate_limit_per_hour" validate:"omitempty,min=0"`
}

type revokeKeyRequest struct {
	Reason string `json:"reason"`
}

type keyResponse struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	KeyPrefix              string     `json:"key_prefix"`
	KeySuffix              string     `json:"key_suffix"`
	InheritUserPermissions bool       `json:"inherit_user_permissions"`
	AllowedPermissions     []string   `json:"allowed_permissions,omitempty"`
	UseUserRateLimits      bool       `json:"use_user_rate_limits"`
	RateLimitPerMinute     *int       `json:"rate_limit_per_minute,omitempty"`
	RateLimitPerHour       *int       `json:"rate_limit_per_hour,omitempty"`
	IsActive               bool       `json:"is_active"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	RevokedAt              *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt             *time.Time `json:"last_used_at,omitempty"`
	UsageCount             int64      `json:"usage_count"`
	CreatedAt              time.Time  `json:"created_at"`
}

// issuedKeyResponse carries the plaintext secret. It is produced exactly once
// at issuance and never again.
type issuedKeyResponse struct {
	keyResponse
	Secret string `json:"secret"`
}

func toKeyResponse(k APIKey) keyResponse {
	return keyResponse{
		ID:                     k.ID.String(),
		Name:                   k.Name,
		KeyPrefix:              k.KeyPrefix,
		KeySuffix:              k.KeySuffix,
		InheritUserPermissions: k.InheritUserPermissions,
		AllowedPermissions:     k.AllowedPermissions,
		UseUserRateLimits:      k.UseUserRateLimits,
		RateLimitPerMinute:     k.RateLimitPerMinute,
		RateLimitPerHour:       k.RateLimitPerHour,
		IsActive:               k.IsActive,
		ExpiresAt:              k.ExpiresAt,
		RevokedAt:              k.RevokedAt,
		LastUsedAt:             k.LastUsedAt,
		UsageCount:             k.UsageCount,
		CreatedAt:              k.CreatedAt,
	}
}
