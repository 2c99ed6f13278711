package authz

import "time"

type createPermissionRequest struct {
	Resource    string `json:"resource" validate:"required"`
	Action      string `json:"action" validate:"required"`
	Scope       string `json:"scope" validate:"required,oneof=own any team organization system"`
	Description string `json:"description"`
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	IsSystem    bool   `json:"is_system"`
}

type assignRoleRequest struct {
	RoleID    int64      `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createOverrideRequest struct {
	Permission string     `json:"permission" validate:"required"`
	GrantType  string     `json:"grant_type" validate:"required,oneof=grant deny"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type permissionResponse struct {
	ID          int64  `json:"id"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Scope       string `json:"scope"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type roleResponse struct {
	ID                int64    `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description,omitempty"`
	Priority          int      `json:"priority"`
	IsSystem          bool     `json:"is_system"`
	CachedPermissions []string `json:"cached_permissions"`
}

type assignmentResponse struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	RoleID    int64      `json:"role_id"`
	GrantedBy int64      `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type overrideResponse struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	Permission string     `json:"permission"`
	GrantType  string     `json:"grant_type"`
	GrantedBy  int64      `json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type effectivePermissionsResponse struct {
	UserID      int64    `json:"user_id"`
	Permissions []string `json:"permissions"`
}

func toPermissionResponse(p Permission) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		Resource:    p.Resource,
		Action:      p.Action,
		Scope:       string(p.Scope),
		Name:        p.Name,
		Description: p.Description,
	}
}

func toRoleResponse(r Role) roleResponse {
	cached := r.CachedPermissions
	if cached == nil {
		cached = []string{}
	}
	return roleResponse{
		ID:                r.ID,
		Name:              r.Name,
		Description:       r.Description,
		Priority:          r.Priority,
		IsSystem:          r.IsSystem,
		CachedPermissions: cached,
	}
}

func toAssignmentResponse(a RoleAssignment) assignmentResponse {
	return assignmentResponse{
		ID:        a.ID,
		UserID:    a.UserID,
		RoleID:    a.RoleID,
		GrantedBy: a.GrantedBy,
		GrantedAt: a.GrantedAt,
		ExpiresAt: a.ExpiresAt,
	}
}

func toOverrideResponse(o PermissionOverride) overrideResponse {
	return overrideResponse{
		ID:         o.ID,
		UserID:     o.UserID,
		Permission: o.PermissionName,
		GrantType:  string(o.GrantType),
		GrantedBy:  o.GrantedBy,
		GrantedAt:  o.GrantedAt,
		ExpiresAt:  o.ExpiresAt,
	}
}
