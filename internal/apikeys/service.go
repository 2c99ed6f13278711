package apikeys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// ResolverPort resolves a user's live effective permission set.
type ResolverPort interface {
	ComputeEffectivePermissions(ctx context.Context, userID int64) ([]string, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service implements the delegation layer: issuing keys, validating them into
// an effective scope plus rate-limit parameters, and owner-only revocation.
type Service struct {
	repo     RepositoryPort
	resolver ResolverPort
	audit    AuditPort
	defaults RateLimits
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service. audit may be nil.
func NewService(repo RepositoryPort, resolver ResolverPort, audit AuditPort, defaults RateLimits, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, resolver: resolver, audit: audit, defaults: defaults, logger: logger, now: time.Now}
}

// IssueInput describes a new key.
type IssueInput struct {
	UserID                 int64
	Name                   string
	InheritUserPermissions bool
	AllowedPermissions     []string
	ExpiresAt              *time.Time
	UseUserRateLimits      bool
	RateLimitPerMinute     *int
	RateLimitPerHour       *int
}

// Issue creates a key for its owner and returns the plaintext secret exactly
// once. Allow-list entries are recorded verbatim; whether the owner actually
// holds them is a grant-time administrative concern, not a validation one.
func (s *Service) Issue(ctx context.Context, in IssueInput) (APIKey, string, error) {
	if in.UserID == 0 {
		return APIKey{}, "", fmt.Errorf("apikeys: owner required: %w", shared.ErrValidation)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return APIKey{}, "", fmt.Errorf("apikeys: key name required: %w", shared.ErrValidation)
	}
	if !in.InheritUserPermissions && in.AllowedPermissions == nil {
		in.AllowedPermissions = []string{}
	}
	secret, err := NewSecret()
	if err != nil {
		return APIKey{}, "", err
	}
	prefix, suffix := DisplayParts(secret)
	key := APIKey{
		ID:                     uuid.New(),
		UserID:                 in.UserID,
		Name:                   name,
		KeyHash:                HashSecret(secret),
		KeyPrefix:              prefix,
		KeySuffix:              suffix,
		InheritUserPermissions: in.InheritUserPermissions,
		AllowedPermissions:     in.AllowedPermissions,
		UseUserRateLimits:      in.UseUserRateLimits,
		RateLimitPerMinute:     in.RateLimitPerMinute,
		RateLimitPerHour:       in.RateLimitPerHour,
		IsActive:               true,
		ExpiresAt:              in.ExpiresAt,
		CreatedAt:              s.now(),
	}
	if err := s.repo.Insert(ctx, key); err != nil {
		return APIKey{}, "", err
	}
	s.recordAudit(ctx, in.UserID, "apikey.issue", key.ID.String(), map[string]any{"name": name, "inherit": in.InheritUserPermissions})
	return key, secret, nil
}

// Validation is the delegation decision for one authenticated use.
type Validation struct {
	Valid                bool
	KeyID                uuid.UUID
	UserID               int64
	EffectivePermissions []string
	RateLimits           RateLimits
}

// Validate resolves the hashed secret into a delegation decision. An unknown
// or inactive hash yields Valid=false, never an error: failed authentication
// is routine, not exceptional. Usage counters are bumped best-effort.
func (s *Service) Validate(ctx context.Context, hash string) (Validation, error) {
	key, err := s.repo.GetByHash(ctx, hash)
	if errors.Is(err, shared.ErrNotFound) {
		return Validation{}, nil
	}
	if err != nil {
		return Validation{}, err
	}
	if !key.ActiveAt(s.now()) {
		return Validation{}, nil
	}

	var perms []string
	if key.InheritUserPermissions {
		perms, err = s.resolver.ComputeEffectivePermissions(ctx, key.UserID)
		if err != nil {
			return Validation{}, err
		}
	} else {
		perms = key.AllowedPermissions
		if perms == nil {
			perms = []string{}
		}
	}

	if err := s.repo.BumpUsage(ctx, key.ID, s.now()); err != nil {
		s.logger.Warn("bump api key usage", slog.String("key_id", key.ID.String()), slog.Any("error", err))
	}

	return Validation{
		Valid:                true,
		KeyID:                key.ID,
		UserID:               key.UserID,
		EffectivePermissions: perms,
		RateLimits:           s.effectiveRateLimits(key),
	}, nil
}

// effectiveRateLimits resolves per-key ceilings. Keys on user rate limits get
// the platform defaults; custom keys fall back per-field when a ceiling is
// unset.
func (s *Service) effectiveRateLimits(key APIKey) RateLimits {
	if key.UseUserRateLimits {
		return s.defaults
	}
	limits := s.defaults
	if key.RateLimitPerMinute != nil {
		limits.PerMinute = *key.RateLimitPerMinute
	}
	if key.RateLimitPerHour != nil {
		limits.PerHour = *key.RateLimitPerHour
	}
	return limits
}

// Revoke ends a key. Only the owner may revoke; revoking an already-revoked
// key is a stable no-op.
func (s *Service) Revoke(ctx context.Context, keyID uuid.UUID, byUserID int64, reason string) error {
	key, err := s.repo.Get(ctx, keyID)
	if err != nil {
		return err
	}
	if key.UserID != byUserID {
		return fmt.Errorf("apikeys: key %s is not owned by user %d: %w", keyID, byUserID, shared.ErrForbidden)
	}
	if key.RevokedAt != nil {
		return nil
	}
	if err := s.repo.Revoke(ctx, keyID, byUserID, strings.TrimSpace(reason), s.now()); err != nil {
		return err
	}
	s.recordAudit(ctx, byUserID, "apikey.revoke", keyID.String(), map[string]any{"reason": reason})
	return nil
}

// ListOwn returns the caller's keys.
func (s *Service) ListOwn(ctx context.Context, userID int64) ([]APIKey, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{ActorID: actorID, Action: action, Entity: "api_key", EntityID: entityID, Meta: meta, At: s.now()}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}
