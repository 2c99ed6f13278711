package authz

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// MetricsPort receives engine-level observations. Implemented by
// observability.Metrics; nil disables recording.
type MetricsPort interface {
	PermissionCheck(allowed bool)
	CacheRefresh(kind string)
}

// RecomputeRoleCache derives the cached permission set for a role from the
// names currently linked to it. The result is deduplicated and sorted so the
// persisted value is stable across refreshes.
func RecomputeRoleCache(linked []string) []string {
	set := make(map[string]struct{}, len(linked))
	for _, name := range linked {
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecomputePrincipalCache derives the denormalized direct-permission view
// from a user's override rows. Only overrides active at the given instant
// contribute; the function is pure so it is unit-testable without storage.
func RecomputePrincipalCache(userID int64, overrides []PermissionOverride, now time.Time) PrincipalCache {
	direct := make(map[string]struct{})
	denied := make(map[string]struct{})
	for _, o := range overrides {
		if !o.ActiveAt(now) || o.PermissionName == "" {
			continue
		}
		switch o.GrantType {
		case GrantTypeGrant:
			direct[o.PermissionName] = struct{}{}
		case GrantTypeDeny:
			denied[o.PermissionName] = struct{}{}
		}
	}
	cache := PrincipalCache{
		UserID:            userID,
		DirectPermissions: setToSorted(direct),
		DeniedPermissions: setToSorted(denied),
		RefreshedAt:       now,
	}
	cache.HasDirectPermissions = len(cache.DirectPermissions) > 0 || len(cache.DeniedPermissions) > 0
	return cache
}

func setToSorted(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invalidator recomputes denormalized caches inside the transaction that
// mutated their source rows. A failed recompute fails the triggering write.
type Invalidator struct {
	metrics MetricsPort
}

// NewInvalidator constructs an Invalidator. metrics may be nil.
func NewInvalidator(metrics MetricsPort) *Invalidator {
	return &Invalidator{metrics: metrics}
}

// RefreshRolePermissions recomputes cached_permissions for one role from its
// current links, overwriting the set wholesale.
func (in *Invalidator) RefreshRolePermissions(ctx context.Context, tx TxRepository, roleID int64) error {
	names, err := tx.ListRolePermissionNames(ctx, roleID)
	if err != nil {
		return fmt.Errorf("authz: recompute role %d: %v: %w", roleID, err, shared.ErrConsistency)
	}
	if err := tx.UpdateRoleCachedPermissions(ctx, roleID, RecomputeRoleCache(names)); err != nil {
		return fmt.Errorf("authz: persist role cache %d: %v: %w", roleID, err, shared.ErrConsistency)
	}
	if in.metrics != nil {
		in.metrics.CacheRefresh("role")
	}
	return nil
}

// RefreshRolesLinkedTo recomputes every role currently linking the given
// permission. Required after a permission rename or delete because roles
// cache the permission's name, not its id.
func (in *Invalidator) RefreshRolesLinkedTo(ctx context.Context, tx TxRepository, permissionID int64) error {
	roleIDs, err := tx.ListRoleIDsLinkedToPermission(ctx, permissionID)
	if err != nil {
		return fmt.Errorf("authz: roles linked to permission %d: %v: %w", permissionID, err, shared.ErrConsistency)
	}
	for _, roleID := range roleIDs {
		if err := in.RefreshRolePermissions(ctx, tx, roleID); err != nil {
			return err
		}
	}
	return nil
}

// RefreshAllRolePermissions recomputes every non-deleted role. This is the
// explicit bulk maintenance entry point; single-entity writes never call it.
func (in *Invalidator) RefreshAllRolePermissions(ctx context.Context, tx TxRepository) (int, error) {
	roleIDs, err := tx.ListRoleIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("authz: list roles for rebuild: %v: %w", err, shared.ErrConsistency)
	}
	for _, roleID := range roleIDs {
		if err := in.RefreshRolePermissions(ctx, tx, roleID); err != nil {
			return 0, err
		}
	}
	return len(roleIDs), nil
}

// RefreshUserDirectPermissions recomputes the principal cache from the user's
// active overrides. Runs synchronously on every override write, and
// out-of-band to absorb passive expirations.
func (in *Invalidator) RefreshUserDirectPermissions(ctx context.Context, tx TxRepository, userID int64, now time.Time) error {
	overrides, err := tx.ListActiveOverrides(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("authz: recompute principal cache %d: %v: %w", userID, err, shared.ErrConsistency)
	}
	if err := tx.UpsertPrincipalCache(ctx, RecomputePrincipalCache(userID, overrides, now)); err != nil {
		return fmt.Errorf("authz: persist principal cache %d: %v: %w", userID, err, shared.ErrConsistency)
	}
	if in.metrics != nil {
		in.metrics.CacheRefresh("principal")
	}
	return nil
}
