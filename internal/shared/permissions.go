package shared

// Administrative permissions for the authorization engine itself.
const (
	PermRolesView   = "authz.roles.read.any"
	PermRolesManage = "authz.roles.manage.any"

	PermPermissionsView   = "authz.permissions.read.any"
	PermPermissionsManage = "authz.permissions.manage.any"

	PermGrantsManage = "authz.grants.manage.any"

	PermUsersView = "authz.users.read.any"

	PermAPIKeysManage = "authz.apikeys.manage.own"
)

// WildcardAdmin is the administrative sentinel permission. It is compared by
// exact string equality during resolution, never by pattern matching:
// holding "users.*" does not imply "users.read".
const WildcardAdmin = "admin.*"

// AdminScopes lists all permissions guarding the engine's own surface.
func AdminScopes() []string {
	return []string{
		PermRolesView,
		PermRolesManage,
		PermPermissionsView,
		PermPermissionsManage,
		PermGrantsManage,
		PermUsersView,
		PermAPIKeysManage,
	}
}
