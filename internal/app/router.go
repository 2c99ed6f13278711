package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/arcadia-platform/arcadia/internal/apikeys"
	"github.com/arcadia-platform/arcadia/internal/authz"
	"github.com/arcadia-platform/arcadia/internal/observability"
	"github.com/arcadia-platform/arcadia/internal/users"
	"github.com/arcadia-platform/arcadia/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	AuthzHandler     *authz.Handler
	APIKeysHandler   *apikeys.Handler
	UsersHandler     *users.Handler
	JobHandler       *jobs.Handler
	APIKeyMiddleware *apikeys.Middleware
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Arcadia defaults. Every /api/v1
// route requires a valid API key; permission gates are applied per route
// group by the handlers themselves.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(params.APIKeyMiddleware.RequireKey)
		params.AuthzHandler.MountRoutes(r)
		params.APIKeysHandler.MountRoutes(r)
		params.UsersHandler.MountRoutes(r)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
