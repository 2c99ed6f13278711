package authz

import (
	"fmt"
	"time"
)

// Scope narrows a permission to a slice of the resource space.
type Scope string

const (
	ScopeOwn          Scope = "own"
	ScopeAny          Scope = "any"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
	ScopeSystem       Scope = "system"
)

// ValidScope reports whether s is one of the supported scopes.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeOwn, ScopeAny, ScopeTeam, ScopeOrganization, ScopeSystem:
		return true
	}
	return false
}

// Permission is an immutable identity (resource, action, scope) with a
// globally unique dotted name. Renames must cascade a refresh of every role
// caching the old name.
type Permission struct {
	ID          int64
	Resource    string
	Action      string
	Scope       Scope
	Name        string
	Description string
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// PermissionName composes the canonical dotted name.
func PermissionName(resource, action string, scope Scope) string {
	return fmt.Sprintf("%s.%s.%s", resource, action, scope)
}

// Role groups permissions. CachedPermissions is denormalized and must always
// equal the set of permission names currently linked to the role. Priority is
// ordering/display only and is never consulted during resolution.
type Role struct {
	ID                int64
	Name              string
	Description       string
	Priority          int
	IsSystem          bool
	CachedPermissions []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

// GrantType distinguishes direct grants from denials.
type GrantType string

const (
	GrantTypeGrant GrantType = "grant"
	GrantTypeDeny  GrantType = "deny"
)

// ValidGrantType reports whether g is a supported grant type.
func ValidGrantType(g GrantType) bool {
	return g == GrantTypeGrant || g == GrantTypeDeny
}

// RoleAssignment is a time-bounded user→role edge. At most one active
// assignment may exist per (user, role).
type RoleAssignment struct {
	ID        int64
	UserID    int64
	RoleID    int64
	GrantedBy int64
	GrantedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
	RevokedBy *int64
}

// ActiveAt reports whether the assignment is active at the given instant.
// Expiry is a property evaluated at read time, never a write event.
func (a RoleAssignment) ActiveAt(now time.Time) bool {
	if a.RevokedAt != nil {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// PermissionOverride is a direct user→permission grant or deny. A deny
// overrides every role-derived grant. At most one active override may exist
// per (user, permission, grant_type).
type PermissionOverride struct {
	ID             int64
	UserID         int64
	PermissionID   int64
	PermissionName string
	GrantType      GrantType
	GrantedBy      int64
	GrantedAt      time.Time
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
	RevokedBy      *int64
}

// ActiveAt reports whether the override is active at the given instant.
func (o PermissionOverride) ActiveAt(now time.Time) bool {
	if o.RevokedAt != nil {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// ExpiredAt reports whether the override lapsed by time alone: expiry elapsed
// while revoked_at is still null. Such rows linger in the principal cache
// until a sweep or another write touches the user.
func (o PermissionOverride) ExpiredAt(now time.Time) bool {
	return o.RevokedAt == nil && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// PrincipalCache is the per-user denormalized view of currently-active direct
// overrides. It must equal recomputation from the user's active overrides
// after every refresh triggered by a write to those overrides.
type PrincipalCache struct {
	UserID               int64
	DirectPermissions    []string
	DeniedPermissions    []string
	HasDirectPermissions bool
	RefreshedAt          time.Time
}
