package apikeys

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

type memoryKeyRepo struct {
	mu   sync.Mutex
	keys map[uuid.UUID]APIKey

	bumpErr error
}

func newMemoryKeyRepo() *memoryKeyRepo {
	return &memoryKeyRepo{keys: make(map[uuid.UUID]APIKey)}
}

func (m *memoryKeyRepo) Insert(ctx context.Context, key APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = key
	return nil
}

func (m *memoryKeyRepo) Get(ctx context.Context, id uuid.UUID) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return APIKey{}, fmt.Errorf("apikeys: key: %w", shared.ErrNotFound)
	}
	return key, nil
}

func (m *memoryKeyRepo) GetByHash(ctx context.Context, hash string) (APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		if key.KeyHash == hash {
			return key, nil
		}
	}
	return APIKey{}, fmt.Errorf("apikeys: key: %w", shared.ErrNotFound)
}

func (m *memoryKeyRepo) ListByUser(ctx context.Context, userID int64) ([]APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []APIKey
	for _, key := range m.keys {
		if key.UserID == userID {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *memoryKeyRepo) Revoke(ctx context.Context, id uuid.UUID, revokedBy int64, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok || key.RevokedAt != nil {
		return nil
	}
	key.RevokedAt = &at
	key.RevokedBy = &revokedBy
	key.RevokeReason = reason
	m.keys[id] = key
	return nil
}

func (m *memoryKeyRepo) BumpUsage(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bumpErr != nil {
		return m.bumpErr
	}
	key, ok := m.keys[id]
	if !ok {
		return fmt.Errorf("apikeys: key: %w", shared.ErrNotFound)
	}
	key.UsageCount++
	key.LastUsedAt = &at
	m.keys[id] = key
	return nil
}

var _ RepositoryPort = (*memoryKeyRepo)(nil)

type stubResolver struct {
	perms map[int64][]string
}

func (s stubResolver) ComputeEffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return s.perms[userID], nil
}

func newTestService(repo *memoryKeyRepo, resolver ResolverPort) *Service {
	return NewService(repo, resolver, nil, RateLimits{PerMinute: 60, PerHour: 1000}, nil)
}

func TestIssueReturnsSecretOnce(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc := newTestService(repo, stubResolver{})

	key, secret, err := svc.Issue(context.Background(), IssueInput{
		UserID: 1, Name: "ci deploy", InheritUserPermissions: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, secret)
	require.Equal(t, HashSecret(secret), key.KeyHash)
	require.NotEqual(t, secret, key.KeyHash)
	require.Equal(t, secret[:8], key.KeyPrefix)
	require.True(t, key.IsActive)

	stored, err := repo.Get(context.Background(), key.ID)
	require.NoError(t, err)
	require.Equal(t, key.KeyHash, stored.KeyHash)
}

func TestIssueRequiresOwnerAndName(t *testing.T) {
	svc := newTestService(newMemoryKeyRepo(), stubResolver{})
	_, _, err := svc.Issue(context.Background(), IssueInput{Name: "x"})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, _, err = svc.Issue(context.Background(), IssueInput{UserID: 1, Name: "  "})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestValidateUnknownHashIsNotAnError(t *testing.T) {
	svc := newTestService(newMemoryKeyRepo(), stubResolver{})
	v, err := svc.Validate(context.Background(), HashSecret("ak_nonexistent"))
	require.NoError(t, err)
	require.False(t, v.Valid)
}

func TestValidateInheritingKeyResolvesLive(t *testing.T) {
	repo := newMemoryKeyRepo()
	resolver := stubResolver{perms: map[int64][]string{1: {"invoice.read.any", "invoice.approve.any"}}}
	svc := newTestService(repo, resolver)

	key, secret, err := svc.Issue(context.Background(), IssueInput{
		UserID: 1, Name: "inheriting", InheritUserPermissions: true,
	})
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), HashSecret(secret))
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, key.ID, v.KeyID)
	require.Equal(t, int64(1), v.UserID)
	require.Equal(t, []string{"invoice.read.any", "invoice.approve.any"}, v.EffectivePermissions)
}

func TestValidateScopedKeyUsesAllowListVerbatim(t *testing.T) {
	repo := newMemoryKeyRepo()
	// The allow-list deliberately contains a permission the owner does not
	// currently hold; it is returned as stored, never intersected.
	resolver := stubResolver{perms: map[int64][]string{1: {"invoice.read.any"}}}
	svc := newTestService(repo, resolver)

	_, secret, err := svc.Issue(context.Background(), IssueInput{
		UserID: 1, Name: "scoped", AllowedPermissions: []string{"report.export.any"},
	})
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), HashSecret(secret))
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, []string{"report.export.any"}, v.EffectivePermissions)
}

func TestValidateScopedKeyEmptyAllowList(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc := newTestService(repo, stubResolver{perms: map[int64][]string{1: {"invoice.read.any"}}})

	_, secret, err := svc.Issue(context.Background(), IssueInput{UserID: 1, Name: "empty"})
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), HashSecret(secret))
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Empty(t, v.EffectivePermissions)
	require.NotNil(t, v.EffectivePermissions)
}

func TestValidateExpiredAndRevokedKeys(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc := newTestService(repo, stubResolver{})

	past := time.Now().Add(-time.Minute)
	_, expiredSecret, err := svc.Issue(context.Background(), IssueInput{
		UserID: 1, Name: "expired", ExpiresAt: &past,
	})
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), HashSecret(expiredSecret))
	require.NoError(t, err)
	require.False(t, v.Valid)

	key, revokedSecret, err := svc.Issue(context.Background(), IssueInput{UserID: 1, Name: "revoked"})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(context.Background(), key.ID, 1, "rotated"))

	v, err = svc.Validate(context.Background(), HashSecret(revokedSecret))
	require.NoError(t, err)
	require.False(t, v.Valid)
}

func TestValidateRateLimitFallback(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc := newTestService(repo, stubResolver{})

	perMinute := 10
	_, customSecret, err := svc.Issue(context.Background(), IssueInput{
		UserID: 1, Name: "custom", RateLimitPerMinute: &perMinute,
	})
	require.NoError(t, err)

	v, err := svc.Validate(context.Background(), HashSecret(customSecret))
	require.NoError(t, err)
	// Only the per-minute ceiling is customised; per-hour falls back to the
	// platform default.
	require.Equal(t, RateLimits{PerMinute: 10, PerHour: 1000}, v.RateLimits)

	_, defaultSecret, err := svc.Issue(context.Background(), IssueInput{
		UserID: 1, Name: "defaults", UseUserRateLimits: true, RateLimitPerMinute: &perMinute,
	})
	require.NoError(t, err)

	v, err = svc.Validate(context.Background(), HashSecret(defaultSecret))
	require.NoError(t, err)
	require.Equal(t, RateLimits{PerMinute: 60, PerHour: 1000}, v.RateLimits)
}

func TestValidateBumpsUsageBestEffort(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc := newTestService(repo, stubResolver{})

	key, secret, err := svc.Issue(context.Background(), IssueInput{UserID: 1, Name: "counted"})
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), HashSecret(secret))
	require.NoError(t, err)
	stored, err := repo.Get(context.Background(), key.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.UsageCount)
	require.NotNil(t, stored.LastUsedAt)

	// A failing counter write must not fail validation.
	repo.bumpErr = fmt.Errorf("redis down")
	v, err := svc.Validate(context.Background(), HashSecret(secret))
	require.NoError(t, err)
	require.True(t, v.Valid)
}

func TestRevokeOwnerOnlyAndIdempotent(t *testing.T) {
	repo := newMemoryKeyRepo()
	svc := newTestService(repo, stubResolver{})

	key, _, err := svc.Issue(context.Background(), IssueInput{UserID: 1, Name: "mine"})
	require.NoError(t, err)

	require.ErrorIs(t, svc.Revoke(context.Background(), key.ID, 2, "not yours"), shared.ErrForbidden)

	require.NoError(t, svc.Revoke(context.Background(), key.ID, 1, "rotated"))
	require.NoError(t, svc.Revoke(context.Background(), key.ID, 1, "again"))

	stored, err := repo.Get(context.Background(), key.ID)
	require.NoError(t, err)
	require.Equal(t, "rotated", stored.RevokeReason)

	require.ErrorIs(t, svc.Revoke(context.Background(), uuid.New(), 1, "ghost"), shared.ErrNotFound)
}
