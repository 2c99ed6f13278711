package authz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arcadia-platform/arcadia/internal/shared"
)

func middlewareRequest(actor *shared.Actor) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/roles", nil)
	if actor != nil {
		req = req.WithContext(shared.ContextWithActor(req.Context(), *actor))
	}
	return req
}

func serveGated(t *testing.T, gate func(http.Handler) http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)
	return rec
}

func TestRequireAnyLiveActor(t *testing.T) {
	repo := newMemoryRepo()
	seedRoleWithAssignment(repo, 1, []string{"invoice.read.any"}, nil)
	mw := Middleware{Resolver: NewResolver(repo, nil)}

	gate := mw.RequireAny("invoice.read.any", "invoice.approve.any")
	rec := serveGated(t, gate, middlewareRequest(&shared.Actor{UserID: 1}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serveGated(t, gate, middlewareRequest(&shared.Actor{UserID: 2}))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveGated(t, gate, middlewareRequest(nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireAllLiveActor(t *testing.T) {
	repo := newMemoryRepo()
	seedRoleWithAssignment(repo, 1, []string{"invoice.read.any"}, nil)
	mw := Middleware{Resolver: NewResolver(repo, nil)}

	gate := mw.RequireAll("invoice.read.any", "invoice.approve.any")
	rec := serveGated(t, gate, middlewareRequest(&shared.Actor{UserID: 1}))
	require.Equal(t, http.StatusForbidden, rec.Code)

	gate = mw.RequireAll("Invoice.Read.Any ")
	rec = serveGated(t, gate, middlewareRequest(&shared.Actor{UserID: 1}))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestScopedActorConfinedToKeyPermissions(t *testing.T) {
	repo := newMemoryRepo()
	// The key owner holds broad role grants, but the key itself carries a
	// narrow allow-list. The narrower set must win for scoped actors.
	seedRoleWithAssignment(repo, 1, []string{"invoice.read.any", "invoice.approve.any"}, nil)
	mw := Middleware{Resolver: NewResolver(repo, nil)}

	actor := &shared.Actor{UserID: 1, Scoped: true, Permissions: []string{"invoice.read.any"}}

	rec := serveGated(t, mw.RequireAny("invoice.read.any"), middlewareRequest(actor))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serveGated(t, mw.RequireAny("invoice.approve.any"), middlewareRequest(actor))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScopedActorWildcard(t *testing.T) {
	mw := Middleware{}
	actor := &shared.Actor{UserID: 1, Scoped: true, Permissions: []string{shared.WildcardAdmin}}
	rec := serveGated(t, mw.RequireAll("invoice.read.any"), middlewareRequest(actor))
	require.Equal(t, http.StatusOK, rec.Code)
}
