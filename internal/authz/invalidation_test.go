package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecomputeRoleCacheDedupesAndSorts(t *testing.T) {
	got := RecomputeRoleCache([]string{
		"invoice.read.any",
		"invoice.approve.any",
		"invoice.read.any",
		"",
	})
	require.Equal(t, []string{"invoice.approve.any", "invoice.read.any"}, got)
}

func TestRecomputeRoleCacheEmpty(t *testing.T) {
	require.Empty(t, RecomputeRoleCache(nil))
	require.NotNil(t, RecomputeRoleCache(nil))
}

func TestRecomputePrincipalCache(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overrides := []PermissionOverride{
		{PermissionName: "invoice.read.any", GrantType: GrantTypeGrant},
		{PermissionName: "invoice.approve.any", GrantType: GrantTypeGrant, ExpiresAt: &future},
		{PermissionName: "invoice.delete.any", GrantType: GrantTypeGrant, ExpiresAt: &past},
		{PermissionName: "report.export.any", GrantType: GrantTypeDeny},
		{PermissionName: "invoice.void.any", GrantType: GrantTypeGrant, RevokedAt: &past},
	}

	cache := RecomputePrincipalCache(7, overrides, now)
	require.Equal(t, int64(7), cache.UserID)
	require.Equal(t, []string{"invoice.approve.any", "invoice.read.any"}, cache.DirectPermissions)
	require.Equal(t, []string{"report.export.any"}, cache.DeniedPermissions)
	require.True(t, cache.HasDirectPermissions)
	require.Equal(t, now, cache.RefreshedAt)
}

func TestRecomputePrincipalCacheDenyOnlyStillFlagged(t *testing.T) {
	now := time.Now()
	cache := RecomputePrincipalCache(7, []PermissionOverride{
		{PermissionName: "invoice.read.any", GrantType: GrantTypeDeny},
	}, now)
	require.Empty(t, cache.DirectPermissions)
	require.True(t, cache.HasDirectPermissions)
}

func TestRecomputePrincipalCacheNoActiveOverrides(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	cache := RecomputePrincipalCache(7, []PermissionOverride{
		{PermissionName: "invoice.read.any", GrantType: GrantTypeGrant, ExpiresAt: &past},
	}, now)
	require.Empty(t, cache.DirectPermissions)
	require.Empty(t, cache.DeniedPermissions)
	require.False(t, cache.HasDirectPermissions)
}
