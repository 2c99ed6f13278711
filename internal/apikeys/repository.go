package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// RepositoryPort abstracts API-key persistence.
type RepositoryPort interface {
	Insert(ctx context.Context, key APIKey) error
	Get(ctx context.Context, id uuid.UUID) (APIKey, error)
	GetByHash(ctx context.Context, hash string) (APIKey, error)
	ListByUser(ctx context.Context, userID int64) ([]APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID, revokedBy int64, reason string, at time.Time) error
	// BumpUsage is best-effort and deliberately outside any transaction with
	// the validation read; a lost increment under concurrency is acceptable.
	BumpUsage(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Repository persists API keys in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const keyColumns = `id, user_id, name, key_hash, key_prefix, key_suffix,
	inherit_user_permissions, allowed_permissions, use_user_rate_limits,
	rate_limit_per_minute, rate_limit_per_hour, is_active, expires_at,
	revoked_at, revoked_by, revoke_reason, last_used_at, usage_count, created_at`

// Insert stores a freshly issued key.
func (r *Repository) Insert(ctx context.Context, key APIKey) error {
	allowed := key.AllowedPermissions
	if allowed == nil {
		allowed = []string{}
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, key_suffix,
			inherit_user_permissions, allowed_permissions, use_user_rate_limits,
			rate_limit_per_minute, rate_limit_per_hour, is_active, expires_at, usage_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.KeySuffix,
		key.InheritUserPermissions, allowed, key.UseUserRateLimits,
		key.RateLimitPerMinute, key.RateLimitPerHour, key.IsActive, key.ExpiresAt, key.CreatedAt)
	return err
}

// Get fetches a key by ID.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (APIKey, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
}

// GetByHash fetches a key by its secret hash.
func (r *Repository) GetByHash(ctx context.Context, hash string) (APIKey, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
}

// ListByUser returns all keys owned by the user, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID int64) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []APIKey
	for rows.Next() {
		key, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke marks the key revoked. Already-revoked rows are left untouched.
func (r *Repository) Revoke(ctx context.Context, id uuid.UUID, revokedBy int64, reason string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = $2, revoked_by = $3, revoke_reason = $4
		WHERE id = $1 AND revoked_at IS NULL`, id, at, revokedBy, reason)
	return err
}

// BumpUsage increments the observational usage counters.
func (r *Repository) BumpUsage(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = $2
		WHERE id = $1`, id, at)
	return err
}

func (r *Repository) scanOne(row pgx.Row) (APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.KeySuffix,
		&k.InheritUserPermissions, &k.AllowedPermissions, &k.UseUserRateLimits,
		&k.RateLimitPerMinute, &k.RateLimitPerHour, &k.IsActive, &k.ExpiresAt,
		&k.RevokedAt, &k.RevokedBy, &k.RevokeReason, &k.LastUsedAt, &k.UsageCount, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, fmt.Errorf("apikeys: key: %w", shared.ErrNotFound)
	}
	if err != nil {
		return APIKey{}, err
	}
	return k, nil
}

var _ RepositoryPort = (*Repository)(nil)
