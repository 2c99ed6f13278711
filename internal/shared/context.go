package shared

import "context"

// Actor identifies the authenticated principal for the current request:
// either a user resolved from an upstream session, or the owner of a
// validated API key acting through that key. When Scoped is true the request
// may only exercise Permissions, the key's effective set computed at
// validation time; an unscoped actor is resolved live per check.
type Actor struct {
	UserID      int64
	APIKeyID    string
	Scoped      bool
	Permissions []string
}

// HasScopedPermission reports whether the scoped set contains the permission
// or the exact WildcardAdmin sentinel.
func (a Actor) HasScopedPermission(name string) bool {
	for _, p := range a.Permissions {
		if p == name || p == WildcardAdmin {
			return true
		}
	}
	return false
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
