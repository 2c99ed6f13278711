package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the administrative command surface. Every mutation runs inside
// one transaction together with the cache refresh it triggers; the refresh is
// always the last transactional step.
type Service struct {
	repo        RepositoryPort
	inval       *Invalidator
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service. audit and idem may be nil.
func NewService(repo RepositoryPort, inval *Invalidator, audit AuditPort, idem *shared.IdempotencyStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, inval: inval, audit: audit, idempotency: idem, logger: logger, now: time.Now}
}

// CreatePermissionInput describes a new catalog entry.
type CreatePermissionInput struct {
	Resource    string
	Action      string
	Scope       Scope
	Description string
}

func (in CreatePermissionInput) validate() error {
	if strings.TrimSpace(in.Resource) == "" || strings.TrimSpace(in.Action) == "" {
		return fmt.Errorf("authz: resource and action required: %w", shared.ErrValidation)
	}
	if !ValidScope(in.Scope) {
		return fmt.Errorf("authz: unknown scope %q: %w", in.Scope, shared.ErrValidation)
	}
	return nil
}

// CreatePermission registers a permission identity in the catalog.
func (s *Service) CreatePermission(ctx context.Context, in CreatePermissionInput) (Permission, error) {
	if err := in.validate(); err != nil {
		return Permission{}, err
	}
	resource := strings.TrimSpace(strings.ToLower(in.Resource))
	action := strings.TrimSpace(strings.ToLower(in.Action))
	perm := Permission{
		Resource:    resource,
		Action:      action,
		Scope:       in.Scope,
		Name:        PermissionName(resource, action, in.Scope),
		Description: strings.TrimSpace(in.Description),
		CreatedAt:   s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		perm, err = tx.InsertPermission(ctx, perm)
		return err
	})
	if err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// RenamePermission changes a permission's identity. Roles cache the
// permission's name, so every linking role is recomputed in the same
// transaction, as is every principal cache referencing it.
func (s *Service) RenamePermission(ctx context.Context, id int64, in CreatePermissionInput, actorID int64) (Permission, error) {
	if err := in.validate(); err != nil {
		return Permission{}, err
	}
	var perm Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPermission(ctx, id)
		if err != nil {
			return err
		}
		resource := strings.TrimSpace(strings.ToLower(in.Resource))
		action := strings.TrimSpace(strings.ToLower(in.Action))
		perm = current
		perm.Resource = resource
		perm.Action = action
		perm.Scope = in.Scope
		perm.Name = PermissionName(resource, action, in.Scope)
		if err := tx.RenamePermission(ctx, perm); err != nil {
			return err
		}
		if err := s.inval.RefreshRolesLinkedTo(ctx, tx, id); err != nil {
			return err
		}
		return s.refreshOverrideHolders(ctx, tx, id)
	})
	if err != nil {
		return Permission{}, err
	}
	s.recordAudit(ctx, actorID, "permission.rename", "permission", strconv.FormatInt(id, 10), map[string]any{"name": perm.Name})
	return perm, nil
}

// DeletePermission soft-deletes a catalog entry and recomputes every role and
// principal cache that referenced it.
func (s *Service) DeletePermission(ctx context.Context, id int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SoftDeletePermission(ctx, id, s.now()); err != nil {
			return err
		}
		if err := s.inval.RefreshRolesLinkedTo(ctx, tx, id); err != nil {
			return err
		}
		return s.refreshOverrideHolders(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "permission.delete", "permission", strconv.FormatInt(id, 10), nil)
	return nil
}

func (s *Service) refreshOverrideHolders(ctx context.Context, tx TxRepository, permissionID int64) error {
	now := s.now()
	userIDs, err := tx.ListUserIDsWithActiveOverridesOn(ctx, permissionID, now)
	if err != nil {
		return fmt.Errorf("authz: override holders of permission %d: %v: %w", permissionID, err, shared.ErrConsistency)
	}
	for _, userID := range userIDs {
		if err := s.inval.RefreshUserDirectPermissions(ctx, tx, userID, now); err != nil {
			return err
		}
	}
	return nil
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name        string
	Description string
	Priority    int
	IsSystem    bool
}

// CreateRole inserts a role with an empty cached permission set.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("authz: role name required: %w", shared.ErrValidation)
	}
	role := Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Priority:    in.Priority,
		IsSystem:    in.IsSystem,
		CreatedAt:   s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.InsertRole(ctx, role)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// DeleteRole soft-deletes a non-system role. Assignments pointing at it stop
// contributing through the resolver's live role join; no cache work needed.
func (s *Service) DeleteRole(ctx context.Context, id int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SoftDeleteRole(ctx, id, s.now())
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.delete", "role", strconv.FormatInt(id, 10), nil)
	return nil
}

// GetRole fetches a role.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns all non-deleted roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListPermissions returns the catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// LinkPermissionToRole adds a membership edge and recomputes the role's
// cached set in the same transaction.
func (s *Service) LinkPermissionToRole(ctx context.Context, roleID, permissionID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetRole(ctx, roleID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("authz: role %d does not exist: %w", roleID, shared.ErrValidation)
			}
			return err
		}
		if _, err := tx.GetPermission(ctx, permissionID); err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				return fmt.Errorf("authz: permission %d does not exist: %w", permissionID, shared.ErrValidation)
			}
			return err
		}
		if err := tx.InsertRolePermissionLink(ctx, roleID, permissionID); err != nil {
			return err
		}
		return s.inval.RefreshRolePermissions(ctx, tx, roleID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.link", "role", strconv.FormatInt(roleID, 10), map[string]any{"permission_id": permissionID})
	return nil
}

// UnlinkPermissionFromRole removes a membership edge and recomputes the
// role's cached set in the same transaction.
func (s *Service) UnlinkPermissionFromRole(ctx context.Context, roleID, permissionID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deleted, err := tx.DeleteRolePermissionLink(ctx, roleID, permissionID)
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("authz: role %d does not link permission %d: %w", roleID, permissionID, shared.ErrNotFound)
		}
		return s.inval.RefreshRolePermissions(ctx, tx, roleID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.unlink", "role", strconv.FormatInt(roleID, 10), map[string]any{"permission_id": permissionID})
	return nil
}

// AssignRoleInput describes a user→role grant.
type AssignRoleInput struct {
	UserID         int64
	RoleID         int64
	GrantedBy      int64
	ExpiresAt      *time.Time
	IdempotencyKey string
}

// AssignRole grants a role to a user. Assignment activity is evaluated live
// by the resolver, so no cache refresh is required here.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (RoleAssignment, error) {
	if in.UserID == 0 || in.RoleID == 0 {
		return RoleAssignment{}, fmt.Errorf("authz: user and role required: %w", shared.ErrValidation)
	}
	release, err := s.claimIdempotency(ctx, in.IdempotencyKey)
	if err != nil {
		return RoleAssignment{}, err
	}
	now := s.now()
	assignment := RoleAssignment{
		UserID:    in.UserID,
		RoleID:    in.RoleID,
		GrantedBy: in.GrantedBy,
		GrantedAt: now,
		ExpiresAt: in.ExpiresAt,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.requireUser(ctx, tx, in.UserID); err != nil {
			return err
		}
		if _, err := tx.GetRole(ctx, in.RoleID); err != nil {
			return err
		}
		if _, err := tx.GetActiveRoleAssignment(ctx, in.UserID, in.RoleID, now); err == nil {
			return fmt.Errorf("authz: user %d already holds role %d: %w", in.UserID, in.RoleID, shared.ErrConflict)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		var err error
		assignment, err = tx.InsertRoleAssignment(ctx, assignment)
		return err
	})
	if err != nil {
		release()
		return RoleAssignment{}, err
	}
	s.recordAudit(ctx, in.GrantedBy, "role.assign", "user", strconv.FormatInt(in.UserID, 10), map[string]any{"role_id": in.RoleID})
	return assignment, nil
}

// RevokeRoleAssignment ends a user's active assignment of the role. Revoking
// when no active assignment exists is a stable no-op.
func (s *Service) RevokeRoleAssignment(ctx context.Context, userID, roleID, revokedBy int64) error {
	now := s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		assignment, err := tx.GetActiveRoleAssignment(ctx, userID, roleID, now)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.RevokeRoleAssignment(ctx, assignment.ID, revokedBy, now)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, revokedBy, "role.revoke", "user", strconv.FormatInt(userID, 10), map[string]any{"role_id": roleID})
	return nil
}

// OverrideInput describes a direct per-user grant or deny.
type OverrideInput struct {
	UserID         int64
	Permission     string
	GrantType      GrantType
	GrantedBy      int64
	ExpiresAt      *time.Time
	IdempotencyKey string
}

// CreateOverride records a direct override and refreshes the user's principal
// cache as the last transactional step.
func (s *Service) CreateOverride(ctx context.Context, in OverrideInput) (PermissionOverride, error) {
	if in.UserID == 0 || strings.TrimSpace(in.Permission) == "" {
		return PermissionOverride{}, fmt.Errorf("authz: user and permission required: %w", shared.ErrValidation)
	}
	if !ValidGrantType(in.GrantType) {
		return PermissionOverride{}, fmt.Errorf("authz: unknown grant type %q: %w", in.GrantType, shared.ErrValidation)
	}
	release, err := s.claimIdempotency(ctx, in.IdempotencyKey)
	if err != nil {
		return PermissionOverride{}, err
	}
	now := s.now()
	var override PermissionOverride
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.requireUser(ctx, tx, in.UserID); err != nil {
			return err
		}
		perm, err := tx.GetPermissionByName(ctx, in.Permission)
		if err != nil {
			return err
		}
		if _, err := tx.GetActiveOverride(ctx, in.UserID, perm.ID, in.GrantType, now); err == nil {
			return fmt.Errorf("authz: %s override for %q: %w", in.GrantType, perm.Name, shared.ErrConflict)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		override = PermissionOverride{
			UserID:         in.UserID,
			PermissionID:   perm.ID,
			PermissionName: perm.Name,
			GrantType:      in.GrantType,
			GrantedBy:      in.GrantedBy,
			GrantedAt:      now,
			ExpiresAt:      in.ExpiresAt,
		}
		override, err = tx.InsertOverride(ctx, override)
		if err != nil {
			return err
		}
		return s.inval.RefreshUserDirectPermissions(ctx, tx, in.UserID, now)
	})
	if err != nil {
		release()
		return PermissionOverride{}, err
	}
	s.recordAudit(ctx, in.GrantedBy, "override.create", "user", strconv.FormatInt(in.UserID, 10), map[string]any{
		"permission": override.PermissionName,
		"grant_type": string(in.GrantType),
	})
	return override, nil
}

// RevokeOverride ends a user's active override and refreshes the principal
// cache. Revoking an override that is not active is a stable no-op.
func (s *Service) RevokeOverride(ctx context.Context, userID int64, permission string, grantType GrantType, revokedBy int64) error {
	if !ValidGrantType(grantType) {
		return fmt.Errorf("authz: unknown grant type %q: %w", grantType, shared.ErrValidation)
	}
	now := s.now()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		perm, err := tx.GetPermissionByName(ctx, permission)
		if err != nil {
			return err
		}
		override, err := tx.GetActiveOverride(ctx, userID, perm.ID, grantType, now)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.RevokeOverride(ctx, override.ID, revokedBy, now); err != nil {
			return err
		}
		return s.inval.RefreshUserDirectPermissions(ctx, tx, userID, now)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, revokedBy, "override.revoke", "user", strconv.FormatInt(userID, 10), map[string]any{
		"permission": permission,
		"grant_type": string(grantType),
	})
	return nil
}

// RefreshUserDirectPermissions recomputes one user's principal cache
// out-of-band, typically on session start, to absorb passive expirations.
func (s *Service) RefreshUserDirectPermissions(ctx context.Context, userID int64) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return s.inval.RefreshUserDirectPermissions(ctx, tx, userID, s.now())
	})
}

// RefreshAllRolePermissions rebuilds every role cache. Bulk maintenance only;
// single-entity edits never route through here.
func (s *Service) RefreshAllRolePermissions(ctx context.Context) (int, error) {
	var refreshed int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		refreshed, err = s.inval.RefreshAllRolePermissions(ctx, tx)
		return err
	})
	return refreshed, err
}

func (s *Service) requireUser(ctx context.Context, tx TxRepository, userID int64) error {
	exists, err := tx.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("authz: user %d: %w", userID, shared.ErrNotFound)
	}
	return nil
}

func (s *Service) claimIdempotency(ctx context.Context, key string) (func(), error) {
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "authz"); err != nil {
		return nil, err
	}
	return func() {
		if err := s.idempotency.Delete(ctx, key); err != nil {
			s.logger.Warn("release idempotency key", slog.Any("error", err))
		}
	}, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	log := shared.AuditLog{ActorID: actorID, Action: action, Entity: entity, EntityID: entityID, Meta: meta, At: s.now()}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}
