package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimedOverrideStaysCachedUntilRefreshed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	perm := f.createPermission(t, "invoice", "read", ScopeAny)

	expiresAt := f.now.Add(time.Hour)
	_, err := f.svc.CreateOverride(ctx, OverrideInput{
		UserID: 1, Permission: perm.Name, GrantType: GrantTypeGrant, GrantedBy: 2, ExpiresAt: &expiresAt,
	})
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, 1, perm.Name)
	require.NoError(t, err)
	require.True(t, ok)

	// Cross the expiry. Nothing has written to the user's overrides, so the
	// denormalized cache still carries the lapsed grant.
	f.now = f.now.Add(2 * time.Hour)
	ok, err = f.resolver.HasPermission(ctx, 1, perm.Name)
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := f.svc.CheckAndRefreshExpired(ctx, 1)
	require.NoError(t, err)
	require.True(t, refreshed)

	ok, err = f.resolver.HasPermission(ctx, 1, perm.Name)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTimedRoleAssignmentExpiresAtReadTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	perm := f.createPermission(t, "invoice", "read", ScopeAny)
	role := f.createRole(t, "accountant")
	require.NoError(t, f.svc.LinkPermissionToRole(ctx, role.ID, perm.ID, 1))

	expiresAt := f.now.Add(time.Hour)
	_, err := f.svc.AssignRole(ctx, AssignRoleInput{
		UserID: 1, RoleID: role.ID, GrantedBy: 2, ExpiresAt: &expiresAt,
	})
	require.NoError(t, err)

	ok, err := f.resolver.HasPermission(ctx, 1, perm.Name)
	require.NoError(t, err)
	require.True(t, ok)

	// Assignment activity is filtered live: once the clock passes the expiry
	// the grant vanishes without any sweep or write.
	f.now = f.now.Add(2 * time.Hour)
	ok, err = f.resolver.HasPermission(ctx, 1, perm.Name)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckAndRefreshExpiredNothingToDo(t *testing.T) {
	f := newFixture(t)
	refreshed, err := f.svc.CheckAndRefreshExpired(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, refreshed)
}

func TestSweepExpiredOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	perm := f.createPermission(t, "invoice", "read", ScopeAny)

	expiresAt := f.now.Add(time.Hour)
	for _, userID := range []int64{1, 2} {
		_, err := f.svc.CreateOverride(ctx, OverrideInput{
			UserID: userID, Permission: perm.Name, GrantType: GrantTypeGrant, GrantedBy: 2, ExpiresAt: &expiresAt,
		})
		require.NoError(t, err)
	}

	f.now = f.now.Add(2 * time.Hour)
	swept, err := f.svc.SweepExpiredOverrides(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	for _, userID := range []int64{1, 2} {
		ok, err := f.resolver.HasPermission(ctx, userID, perm.Name)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// A second sweep finds nothing: the caches were refreshed after the
	// overrides lapsed.
	swept, err = f.svc.SweepExpiredOverrides(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, swept)
}
