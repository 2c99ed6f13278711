package authz

import (
	"context"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// Resolver is the pure read side: it combines role caches, the principal
// cache and deny precedence into an effective permission set. It runs with
// direct data access, outside the authorization it enforces for everything
// else.
type Resolver struct {
	store   ResolverStore
	metrics MetricsPort
	group   singleflight.Group
	now     func() time.Time
}

// NewResolver constructs a Resolver. metrics may be nil.
func NewResolver(store ResolverStore, metrics MetricsPort) *Resolver {
	return &Resolver{store: store, metrics: metrics, now: time.Now}
}

// ComputeEffectivePermissions returns the sorted effective permission set:
// the union of cached role grants for currently-active assignments and the
// user's direct grants, minus the user's denials. Assignment activity is
// evaluated live at call time. Concurrent computations for the same user are
// collapsed through singleflight.
func (r *Resolver) ComputeEffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	resultChan := r.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		return r.computeEffective(ctx, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

func (r *Resolver) computeEffective(ctx context.Context, userID int64) ([]string, error) {
	now := r.now()

	granted := make(map[string]struct{})
	roleGrants, err := r.store.ActiveRoleGrants(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	for _, name := range roleGrants {
		granted[name] = struct{}{}
	}

	cache, err := r.store.GetPrincipalCache(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cache.HasDirectPermissions {
		for _, name := range cache.DirectPermissions {
			granted[name] = struct{}{}
		}
	}
	for _, name := range cache.DeniedPermissions {
		delete(granted, name)
	}

	effective := make([]string, 0, len(granted))
	for name := range granted {
		effective = append(effective, name)
	}
	sort.Strings(effective)
	return effective, nil
}

// HasPermission answers the boolean check. Deny wins unconditionally: a name
// in denied_permissions is refused before any grant source is consulted.
// Otherwise the check passes when the effective set contains the name, or
// contains the literal shared.WildcardAdmin sentinel. The sentinel is matched
// by exact string equality, never by resource/action patterns.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, name string) (bool, error) {
	cache, err := r.store.GetPrincipalCache(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, denied := range cache.DeniedPermissions {
		if denied == name {
			r.observeCheck(false)
			return false, nil
		}
	}

	effective, err := r.ComputeEffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range effective {
		if p == name || p == shared.WildcardAdmin {
			r.observeCheck(true)
			return true, nil
		}
	}
	r.observeCheck(false)
	return false, nil
}

func (r *Resolver) observeCheck(allowed bool) {
	if r.metrics != nil {
		r.metrics.PermissionCheck(allowed)
	}
}
