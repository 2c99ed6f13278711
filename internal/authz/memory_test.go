package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

// memoryRepo is an in-memory RepositoryPort. WithTx snapshots state and
// restores it on error so transactional atomicity holds in tests too.
type memoryRepo struct {
	mu          sync.Mutex
	users       map[int64]bool
	perms       map[int64]Permission
	roles       map[int64]Role
	links       map[int64]map[int64]bool
	assignments map[int64]RoleAssignment
	overrides   map[int64]PermissionOverride
	caches      map[int64]PrincipalCache
	nextID      int64

	// failUpsertCache simulates a broken cache write to exercise the
	// write-fails-with-refresh rule.
	failUpsertCache bool
	// failRoleCacheUpdate does the same for role cache persistence.
	failRoleCacheUpdate bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		users:       make(map[int64]bool),
		perms:       make(map[int64]Permission),
		roles:       make(map[int64]Role),
		links:       make(map[int64]map[int64]bool),
		assignments: make(map[int64]RoleAssignment),
		overrides:   make(map[int64]PermissionOverride),
		caches:      make(map[int64]PrincipalCache),
	}
}

func (m *memoryRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryRepo) snapshot() *memoryRepo {
	clone := newMemoryRepo()
	clone.nextID = m.nextID
	for k, v := range m.users {
		clone.users[k] = v
	}
	for k, v := range m.perms {
		clone.perms[k] = v
	}
	for k, v := range m.roles {
		v.CachedPermissions = append([]string(nil), v.CachedPermissions...)
		clone.roles[k] = v
	}
	for roleID, permIDs := range m.links {
		inner := make(map[int64]bool, len(permIDs))
		for permID, ok := range permIDs {
			inner[permID] = ok
		}
		clone.links[roleID] = inner
	}
	for k, v := range m.assignments {
		clone.assignments[k] = v
	}
	for k, v := range m.overrides {
		clone.overrides[k] = v
	}
	for k, v := range m.caches {
		v.DirectPermissions = append([]string(nil), v.DirectPermissions...)
		v.DeniedPermissions = append([]string(nil), v.DeniedPermissions...)
		clone.caches[k] = v
	}
	return clone
}

func (m *memoryRepo) restore(from *memoryRepo) {
	m.users = from.users
	m.perms = from.perms
	m.roles = from.roles
	m.links = from.links
	m.assignments = from.assignments
	m.overrides = from.overrides
	m.caches = from.caches
	m.nextID = from.nextID
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.snapshot()
	if err := fn(ctx, (*memTx)(m)); err != nil {
		m.restore(before)
		return err
	}
	return nil
}

func (m *memoryRepo) ActiveRoleGrants(ctx context.Context, userID int64, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, a := range m.assignments {
		if a.UserID != userID || !a.ActiveAt(now) {
			continue
		}
		role, ok := m.roles[a.RoleID]
		if !ok || role.DeletedAt != nil {
			continue
		}
		names = append(names, role.CachedPermissions...)
	}
	return names, nil
}

func (m *memoryRepo) GetPrincipalCache(ctx context.Context, userID int64) (PrincipalCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cache, ok := m.caches[userID]; ok {
		return cache, nil
	}
	return PrincipalCache{UserID: userID}, nil
}

func (m *memoryRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memTx)(m).getRole(id)
}

func (m *memoryRepo) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, r := range m.roles {
		if r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryRepo) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*memTx)(m).getPermissionByName(name)
}

func (m *memoryRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, p := range m.perms {
		if p.DeletedAt == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memoryRepo) ListUserIDsWithExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, o := range m.overrides {
		if !o.ExpiredAt(now) || seen[o.UserID] {
			continue
		}
		if cache, ok := m.caches[o.UserID]; ok && cache.RefreshedAt.After(*o.ExpiresAt) {
			continue
		}
		seen[o.UserID] = true
		out = append(out, o.UserID)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// memTx reuses memoryRepo storage; the snapshot in WithTx provides rollback.
type memTx memoryRepo

func (t *memTx) UserExists(ctx context.Context, userID int64) (bool, error) {
	return t.users[userID], nil
}

func (t *memTx) InsertPermission(ctx context.Context, p Permission) (Permission, error) {
	for _, existing := range t.perms {
		if existing.Name == p.Name && existing.DeletedAt == nil {
			return Permission{}, fmt.Errorf("authz: permission %q: %w", p.Name, shared.ErrConflict)
		}
	}
	p.ID = (*memoryRepo)(t).id()
	t.perms[p.ID] = p
	return p, nil
}

func (t *memTx) GetPermission(ctx context.Context, id int64) (Permission, error) {
	p, ok := t.perms[id]
	if !ok || p.DeletedAt != nil {
		return Permission{}, fmt.Errorf("authz: permission %d: %w", id, shared.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) getPermissionByName(name string) (Permission, error) {
	for _, p := range t.perms {
		if p.Name == name && p.DeletedAt == nil {
			return p, nil
		}
	}
	return Permission{}, fmt.Errorf("authz: permission %q: %w", name, shared.ErrNotFound)
}

func (t *memTx) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	return t.getPermissionByName(name)
}

func (t *memTx) RenamePermission(ctx context.Context, p Permission) error {
	if _, ok := t.perms[p.ID]; !ok {
		return fmt.Errorf("authz: permission %d: %w", p.ID, shared.ErrNotFound)
	}
	t.perms[p.ID] = p
	return nil
}

func (t *memTx) SoftDeletePermission(ctx context.Context, id int64, at time.Time) error {
	p, ok := t.perms[id]
	if !ok || p.DeletedAt != nil {
		return fmt.Errorf("authz: permission %d: %w", id, shared.ErrNotFound)
	}
	p.DeletedAt = &at
	t.perms[id] = p
	return nil
}

func (t *memTx) ListRoleIDsLinkedToPermission(ctx context.Context, permissionID int64) ([]int64, error) {
	var out []int64
	for roleID, permIDs := range t.links {
		if permIDs[permissionID] {
			out = append(out, roleID)
		}
	}
	return out, nil
}

func (t *memTx) ListUserIDsWithActiveOverridesOn(ctx context.Context, permissionID int64, now time.Time) ([]int64, error) {
	seen := make(map[int64]bool)
	var out []int64
	for _, o := range t.overrides {
		if o.PermissionID == permissionID && o.ActiveAt(now) && !seen[o.UserID] {
			seen[o.UserID] = true
			out = append(out, o.UserID)
		}
	}
	return out, nil
}

func (t *memTx) InsertRole(ctx context.Context, r Role) (Role, error) {
	for _, existing := range t.roles {
		if existing.Name == r.Name && existing.DeletedAt == nil {
			return Role{}, fmt.Errorf("authz: role %q: %w", r.Name, shared.ErrConflict)
		}
	}
	r.ID = (*memoryRepo)(t).id()
	if r.CachedPermissions == nil {
		r.CachedPermissions = []string{}
	}
	t.roles[r.ID] = r
	return r, nil
}

func (t *memTx) getRole(id int64) (Role, error) {
	r, ok := t.roles[id]
	if !ok || r.DeletedAt != nil {
		return Role{}, fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
	}
	return r, nil
}

func (t *memTx) GetRole(ctx context.Context, id int64) (Role, error) {
	return t.getRole(id)
}

func (t *memTx) SoftDeleteRole(ctx context.Context, id int64, at time.Time) error {
	r, ok := t.roles[id]
	if !ok || r.DeletedAt != nil || r.IsSystem {
		return fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
	}
	r.DeletedAt = &at
	r.UpdatedAt = at
	t.roles[id] = r
	return nil
}

func (t *memTx) ListRoleIDs(ctx context.Context) ([]int64, error) {
	var out []int64
	for id, r := range t.roles {
		if r.DeletedAt == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *memTx) ListRolePermissionNames(ctx context.Context, roleID int64) ([]string, error) {
	var names []string
	for permID := range t.links[roleID] {
		if p, ok := t.perms[permID]; ok && p.DeletedAt == nil {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

func (t *memTx) UpdateRoleCachedPermissions(ctx context.Context, roleID int64, names []string) error {
	if t.failRoleCacheUpdate {
		return errors.New("storage unavailable")
	}
	r, ok := t.roles[roleID]
	if !ok {
		return fmt.Errorf("authz: role %d: %w", roleID, shared.ErrNotFound)
	}
	r.CachedPermissions = names
	t.roles[roleID] = r
	return nil
}

func (t *memTx) InsertRolePermissionLink(ctx context.Context, roleID, permissionID int64) error {
	if t.links[roleID] == nil {
		t.links[roleID] = make(map[int64]bool)
	}
	if t.links[roleID][permissionID] {
		return fmt.Errorf("authz: role %d already links permission %d: %w", roleID, permissionID, shared.ErrConflict)
	}
	t.links[roleID][permissionID] = true
	return nil
}

func (t *memTx) DeleteRolePermissionLink(ctx context.Context, roleID, permissionID int64) (bool, error) {
	if !t.links[roleID][permissionID] {
		return false, nil
	}
	delete(t.links[roleID], permissionID)
	return true, nil
}

func (t *memTx) InsertRoleAssignment(ctx context.Context, a RoleAssignment) (RoleAssignment, error) {
	a.ID = (*memoryRepo)(t).id()
	t.assignments[a.ID] = a
	return a, nil
}

func (t *memTx) GetActiveRoleAssignment(ctx context.Context, userID, roleID int64, now time.Time) (RoleAssignment, error) {
	for _, a := range t.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.ActiveAt(now) {
			return a, nil
		}
	}
	return RoleAssignment{}, fmt.Errorf("authz: assignment: %w", shared.ErrNotFound)
}

func (t *memTx) RevokeRoleAssignment(ctx context.Context, id, revokedBy int64, at time.Time) error {
	a, ok := t.assignments[id]
	if !ok {
		return fmt.Errorf("authz: assignment %d: %w", id, shared.ErrNotFound)
	}
	a.RevokedAt = &at
	a.RevokedBy = &revokedBy
	t.assignments[id] = a
	return nil
}

func (t *memTx) InsertOverride(ctx context.Context, o PermissionOverride) (PermissionOverride, error) {
	o.ID = (*memoryRepo)(t).id()
	t.overrides[o.ID] = o
	return o, nil
}

func (t *memTx) GetActiveOverride(ctx context.Context, userID, permissionID int64, grantType GrantType, now time.Time) (PermissionOverride, error) {
	for _, o := range t.overrides {
		if o.UserID == userID && o.PermissionID == permissionID && o.GrantType == grantType && o.ActiveAt(now) {
			return o, nil
		}
	}
	return PermissionOverride{}, fmt.Errorf("authz: override: %w", shared.ErrNotFound)
}

func (t *memTx) RevokeOverride(ctx context.Context, id, revokedBy int64, at time.Time) error {
	o, ok := t.overrides[id]
	if !ok {
		return fmt.Errorf("authz: override %d: %w", id, shared.ErrNotFound)
	}
	o.RevokedAt = &at
	o.RevokedBy = &revokedBy
	t.overrides[id] = o
	return nil
}

func (t *memTx) ListActiveOverrides(ctx context.Context, userID int64, now time.Time) ([]PermissionOverride, error) {
	var out []PermissionOverride
	for _, o := range t.overrides {
		if o.UserID != userID || !o.ActiveAt(now) {
			continue
		}
		// Resolve the live permission name; deleted permissions drop out.
		p, ok := t.perms[o.PermissionID]
		if !ok || p.DeletedAt != nil {
			continue
		}
		o.PermissionName = p.Name
		out = append(out, o)
	}
	return out, nil
}

func (t *memTx) HasExpiredOverrides(ctx context.Context, userID int64, now time.Time) (bool, error) {
	for _, o := range t.overrides {
		if o.UserID == userID && o.ExpiredAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) HasExpiredAssignments(ctx context.Context, userID int64, now time.Time) (bool, error) {
	for _, a := range t.assignments {
		if a.UserID == userID && a.RevokedAt == nil && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) UpsertPrincipalCache(ctx context.Context, cache PrincipalCache) error {
	if t.failUpsertCache {
		return errors.New("storage unavailable")
	}
	t.caches[cache.UserID] = cache
	return nil
}

var (
	_ RepositoryPort = (*memoryRepo)(nil)
	_ TxRepository   = (*memTx)(nil)
)
