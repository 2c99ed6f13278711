package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ActiveRoleGrants unions cached_permissions across the user's active
// assignments. The activity filter runs live in SQL, so expired assignments
// drop out without any cache-side invalidation.
func (r *Repository) ActiveRoleGrants(ctx context.Context, userID int64, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ro.cached_permissions
		FROM role_assignments ra
		JOIN roles ro ON ro.id = ra.role_id AND ro.deleted_at IS NULL
		WHERE ra.user_id = $1
		  AND ra.revoked_at IS NULL
		  AND (ra.expires_at IS NULL OR ra.expires_at > $2)`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var granted []string
	for rows.Next() {
		var cached []string
		if err := rows.Scan(&cached); err != nil {
			return nil, err
		}
		granted = append(granted, cached...)
	}
	return granted, rows.Err()
}

// GetPrincipalCache loads the denormalized direct-permission view.
func (r *Repository) GetPrincipalCache(ctx context.Context, userID int64) (PrincipalCache, error) {
	cache := PrincipalCache{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT direct_permissions, denied_permissions, has_direct_permissions, refreshed_at
		FROM user_permission_cache WHERE user_id = $1`, userID).
		Scan(&cache.DirectPermissions, &cache.DeniedPermissions, &cache.HasDirectPermissions, &cache.RefreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PrincipalCache{UserID: userID}, nil
	}
	if err != nil {
		return PrincipalCache{}, err
	}
	return cache, nil
}

// GetRole fetches a non-deleted role by ID.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `
		SELECT id, name, description, priority, is_system, cached_permissions, created_at, updated_at, deleted_at
		FROM roles WHERE id = $1 AND deleted_at IS NULL`, id))
}

// ListRoles returns all non-deleted roles ordered by priority then name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, priority, is_system, cached_permissions, created_at, updated_at, deleted_at
		FROM roles WHERE deleted_at IS NULL ORDER BY priority, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetPermissionByName fetches a non-deleted permission by its unique name.
func (r *Repository) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	return scanPermission(r.pool.QueryRow(ctx, `
		SELECT id, resource, action, scope, name, description, created_at, deleted_at
		FROM permissions WHERE name = $1 AND deleted_at IS NULL`, name))
}

// ListPermissions returns the catalog ordered by name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, resource, action, scope, name, description, created_at, deleted_at
		FROM permissions WHERE deleted_at IS NULL ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ListUserIDsWithExpiredOverrides returns users whose overrides lapsed by
// time while never being revoked, bounded for batch sweeping. A cache
// refreshed after the lapse already excludes the override, so those users are
// skipped.
func (r *Repository) ListUserIDsWithExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT po.user_id FROM permission_overrides po
		LEFT JOIN user_permission_cache c ON c.user_id = po.user_id
		WHERE po.revoked_at IS NULL AND po.expires_at IS NOT NULL AND po.expires_at <= $1
		  AND (c.refreshed_at IS NULL OR c.refreshed_at < po.expires_at)
		ORDER BY po.user_id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type txRepo struct {
	tx pgx.Tx
}

func (t *txRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertPermission(ctx context.Context, p Permission) (Permission, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, scope, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		p.Resource, p.Action, p.Scope, p.Name, p.Description, p.CreatedAt).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Permission{}, fmt.Errorf("authz: permission %q: %w", p.Name, shared.ErrConflict)
		}
		return Permission{}, err
	}
	return p, nil
}

func (t *txRepo) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return scanPermission(t.tx.QueryRow(ctx, `
		SELECT id, resource, action, scope, name, description, created_at, deleted_at
		FROM permissions WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (t *txRepo) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	return scanPermission(t.tx.QueryRow(ctx, `
		SELECT id, resource, action, scope, name, description, created_at, deleted_at
		FROM permissions WHERE name = $1 AND deleted_at IS NULL`, name))
}

func (t *txRepo) RenamePermission(ctx context.Context, p Permission) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE permissions SET resource = $2, action = $3, scope = $4, name = $5
		WHERE id = $1 AND deleted_at IS NULL`,
		p.ID, p.Resource, p.Action, p.Scope, p.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("authz: permission %q: %w", p.Name, shared.ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("authz: permission %d: %w", p.ID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) SoftDeletePermission(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE permissions SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("authz: permission %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) ListRoleIDsLinkedToPermission(ctx context.Context, permissionID int64) ([]int64, error) {
	return t.scanIDs(ctx, `SELECT role_id FROM role_permissions WHERE permission_id = $1 ORDER BY role_id`, permissionID)
}

func (t *txRepo) ListUserIDsWithActiveOverridesOn(ctx context.Context, permissionID int64, now time.Time) ([]int64, error) {
	return t.scanIDs(ctx, `
		SELECT DISTINCT user_id FROM permission_overrides
		WHERE permission_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY user_id`, permissionID, now)
}

func (t *txRepo) InsertRole(ctx context.Context, r Role) (Role, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO roles (name, description, priority, is_system, cached_permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '{}', $5, $5)
		RETURNING id, created_at, updated_at`,
		r.Name, r.Description, r.Priority, r.IsSystem, r.CreatedAt).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("authz: role %q: %w", r.Name, shared.ErrConflict)
		}
		return Role{}, err
	}
	r.CachedPermissions = []string{}
	return r, nil
}

func (t *txRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(t.tx.QueryRow(ctx, `
		SELECT id, name, description, priority, is_system, cached_permissions, created_at, updated_at, deleted_at
		FROM roles WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (t *txRepo) SoftDeleteRole(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE roles SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL AND NOT is_system`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) ListRoleIDs(ctx context.Context) ([]int64, error) {
	return t.scanIDs(ctx, `SELECT id FROM roles WHERE deleted_at IS NULL ORDER BY id`)
}

func (t *txRepo) ListRolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT p.name FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id AND p.deleted_at IS NULL
		WHERE rp.role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (t *txRepo) UpdateRoleCachedPermissions(ctx context.Context, roleID int64, names []string) error {
	if names == nil {
		names = []string{}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE roles SET cached_permissions = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, roleID, names)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("authz: role %d: %w", roleID, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) InsertRolePermissionLink(ctx context.Context, roleID, permissionID int64) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, permissionID)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("authz: role %d already links permission %d: %w", roleID, permissionID, shared.ErrConflict)
	}
	return err
}

func (t *txRepo) DeleteRolePermissionLink(ctx context.Context, roleID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) InsertRoleAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO role_assignments (user_id, role_id, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		a.UserID, a.RoleID, a.GrantedBy, a.GrantedAt, a.ExpiresAt).
		Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return RoleAssignment{}, fmt.Errorf("authz: user %d already holds role %d: %w", a.UserID, a.RoleID, shared.ErrConflict)
		}
		return RoleAssignment{}, err
	}
	return a, nil
}

func (t *txRepo) GetActiveRoleAssignment(ctx context.Context, userID, roleID int64, now time.Time) (RoleAssignment, error) {
	var a RoleAssignment
	err := t.tx.QueryRow(ctx, `
		SELECT id, user_id, role_id, granted_by, granted_at, expires_at, revoked_at, revoked_by
		FROM role_assignments
		WHERE user_id = $1 AND role_id = $2 AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY granted_at DESC LIMIT 1`, userID, roleID, now).
		Scan(&a.ID, &a.UserID, &a.RoleID, &a.GrantedBy, &a.GrantedAt, &a.ExpiresAt, &a.RevokedAt, &a.RevokedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return RoleAssignment{}, fmt.Errorf("authz: active assignment: %w", shared.ErrNotFound)
	}
	if err != nil {
		return RoleAssignment{}, err
	}
	return a, nil
}

func (t *txRepo) RevokeRoleAssignment(ctx context.Context, id, revokedBy int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE role_assignments SET revoked_at = $2, revoked_by = $3
		WHERE id = $1 AND revoked_at IS NULL`, id, at, revokedBy)
	return err
}

func (t *txRepo) InsertOverride(ctx context.Context, o PermissionOverride) (PermissionOverride, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO permission_overrides (user_id, permission_id, grant_type, granted_by, granted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		o.UserID, o.PermissionID, o.GrantType, o.GrantedBy, o.GrantedAt, o.ExpiresAt).
		Scan(&o.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return PermissionOverride{}, fmt.Errorf("authz: %s override already active: %w", o.GrantType, shared.ErrConflict)
		}
		return PermissionOverride{}, err
	}
	return o, nil
}

func (t *txRepo) GetActiveOverride(ctx context.Context, userID, permissionID int64, grantType GrantType, now time.Time) (PermissionOverride, error) {
	var o PermissionOverride
	err := t.tx.QueryRow(ctx, `
		SELECT po.id, po.user_id, po.permission_id, p.name, po.grant_type, po.granted_by, po.granted_at, po.expires_at, po.revoked_at, po.revoked_by
		FROM permission_overrides po
		JOIN permissions p ON p.id = po.permission_id
		WHERE po.user_id = $1 AND po.permission_id = $2 AND po.grant_type = $3
		  AND po.revoked_at IS NULL AND (po.expires_at IS NULL OR po.expires_at > $4)
		ORDER BY po.granted_at DESC LIMIT 1`, userID, permissionID, grantType, now).
		Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionName, &o.GrantType, &o.GrantedBy, &o.GrantedAt, &o.ExpiresAt, &o.RevokedAt, &o.RevokedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return PermissionOverride{}, fmt.Errorf("authz: active override: %w", shared.ErrNotFound)
	}
	if err != nil {
		return PermissionOverride{}, err
	}
	return o, nil
}

func (t *txRepo) RevokeOverride(ctx context.Context, id, revokedBy int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE permission_overrides SET revoked_at = $2, revoked_by = $3
		WHERE id = $1 AND revoked_at IS NULL`, id, at, revokedBy)
	return err
}

func (t *txRepo) ListActiveOverrides(ctx context.Context, userID int64, now time.Time) ([]PermissionOverride, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT po.id, po.user_id, po.permission_id, p.name, po.grant_type, po.granted_by, po.granted_at, po.expires_at, po.revoked_at, po.revoked_by
		FROM permission_overrides po
		JOIN permissions p ON p.id = po.permission_id AND p.deleted_at IS NULL
		WHERE po.user_id = $1 AND po.revoked_at IS NULL
		  AND (po.expires_at IS NULL OR po.expires_at > $2)`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []PermissionOverride
	for rows.Next() {
		var o PermissionOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionName, &o.GrantType, &o.GrantedBy, &o.GrantedAt, &o.ExpiresAt, &o.RevokedAt, &o.RevokedBy); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (t *txRepo) HasExpiredOverrides(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var found bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM permission_overrides
			WHERE user_id = $1 AND revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $2
		)`, userID, now).Scan(&found)
	return found, err
}

func (t *txRepo) HasExpiredAssignments(ctx context.Context, userID int64, now time.Time) (bool, error) {
	var found bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM role_assignments
			WHERE user_id = $1 AND revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $2
		)`, userID, now).Scan(&found)
	return found, err
}

func (t *txRepo) UpsertPrincipalCache(ctx context.Context, cache PrincipalCache) error {
	direct := cache.DirectPermissions
	if direct == nil {
		direct = []string{}
	}
	denied := cache.DeniedPermissions
	if denied == nil {
		denied = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO user_permission_cache (user_id, direct_permissions, denied_permissions, has_direct_permissions, refreshed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			direct_permissions = EXCLUDED.direct_permissions,
			denied_permissions = EXCLUDED.denied_permissions,
			has_direct_permissions = EXCLUDED.has_direct_permissions,
			refreshed_at = EXCLUDED.refreshed_at`,
		cache.UserID, direct, denied, cache.HasDirectPermissions, cache.RefreshedAt)
	return err
}

func (t *txRepo) scanIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRole(row pgx.Row) (Role, error) {
	var r Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Priority, &r.IsSystem, &r.CachedPermissions, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("authz: role: %w", shared.ErrNotFound)
	}
	if err != nil {
		return Role{}, err
	}
	return r, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Resource, &p.Action, &p.Scope, &p.Name, &p.Description, &p.CreatedAt, &p.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("authz: permission: %w", shared.ErrNotFound)
	}
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

var _ TxRepository = (*txRepo)(nil)
