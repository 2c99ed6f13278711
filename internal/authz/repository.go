package authz

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcadia-platform/arcadia/internal/platform/db"
)

// ResolverStore exposes the hot-path reads the resolver needs. Role
// assignment activity is filtered live at call time; only the role→permission
// mapping is denormalized.
type ResolverStore interface {
	// ActiveRoleGrants returns the cached permission names of every
	// non-deleted role the user holds through a currently-active assignment.
	ActiveRoleGrants(ctx context.Context, userID int64, now time.Time) ([]string, error)
	// GetPrincipalCache returns the user's denormalized direct-permission
	// view. A user without a cache row yields a zero-value cache, not an
	// error.
	GetPrincipalCache(ctx context.Context, userID int64) (PrincipalCache, error)
}

// RepositoryPort abstracts persistence for the engine.
type RepositoryPort interface {
	ResolverStore

	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	// ListUserIDsWithExpiredOverrides feeds the background sweep: users
	// holding overrides whose expiry elapsed while revoked_at is still null.
	ListUserIDsWithExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

// TxRepository exposes the operations available inside one transaction.
// Every mutation and its paired cache refresh go through the same instance.
type TxRepository interface {
	UserExists(ctx context.Context, userID int64) (bool, error)

	InsertPermission(ctx context.Context, p Permission) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	RenamePermission(ctx context.Context, p Permission) error
	SoftDeletePermission(ctx context.Context, id int64, at time.Time) error
	ListRoleIDsLinkedToPermission(ctx context.Context, permissionID int64) ([]int64, error)
	// ListUserIDsWithActiveOverridesOn returns users whose principal cache
	// references the permission and must be recomputed after a rename/delete.
	ListUserIDsWithActiveOverridesOn(ctx context.Context, permissionID int64, now time.Time) ([]int64, error)

	InsertRole(ctx context.Context, r Role) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	SoftDeleteRole(ctx context.Context, id int64, at time.Time) error
	ListRoleIDs(ctx context.Context) ([]int64, error)
	ListRolePermissionNames(ctx context.Context, roleID int64) ([]string, error)
	UpdateRoleCachedPermissions(ctx context.Context, roleID int64, names []string) error

	InsertRolePermissionLink(ctx context.Context, roleID, permissionID int64) error
	DeleteRolePermissionLink(ctx context.Context, roleID, permissionID int64) (bool, error)

	InsertRoleAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error)
	GetActiveRoleAssignment(ctx context.Context, userID, roleID int64, now time.Time) (RoleAssignment, error)
	RevokeRoleAssignment(ctx context.Context, id, revokedBy int64, at time.Time) error

	InsertOverride(ctx context.Context, o PermissionOverride) (PermissionOverride, error)
	GetActiveOverride(ctx context.Context, userID, permissionID int64, grantType GrantType, now time.Time) (PermissionOverride, error)
	RevokeOverride(ctx context.Context, id, revokedBy int64, at time.Time) error
	ListActiveOverrides(ctx context.Context, userID int64, now time.Time) ([]PermissionOverride, error)
	HasExpiredOverrides(ctx context.Context, userID int64, now time.Time) (bool, error)
	HasExpiredAssignments(ctx context.Context, userID int64, now time.Time) (bool, error)

	UpsertPrincipalCache(ctx context.Context, cache PrincipalCache) error
}

// Repository persists engine data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction. The
// callback receives a TxRepository bound to that transaction so a mutation
// and its cache refresh commit or roll back together.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

var _ RepositoryPort = (*Repository)(nil)
