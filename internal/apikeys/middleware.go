package apikeys

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arcadia-platform/arcadia/internal/platform/httpx"
	"github.com/arcadia-platform/arcadia/internal/ratelimit"
	"github.com/arcadia-platform/arcadia/internal/shared"
)

// Middleware authenticates programmatic requests with an API key and applies
// the key's rate-limit ceilings before handing the request on with a scoped
// actor in the context.
type Middleware struct {
	Service *Service
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
}

// RequireKey validates the presented secret and rejects requests without a
// valid one.
func (m *Middleware) RequireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := extractSecret(r)
		if secret == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "api key required")
			return
		}

		validation, err := m.Service.Validate(r.Context(), HashSecret(secret))
		if err != nil {
			m.Logger.Error("validate api key", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "could not validate api key")
			return
		}
		if !validation.Valid {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid or expired api key")
			return
		}

		if !m.admit(w, r, validation) {
			return
		}

		actor := shared.Actor{
			UserID:      validation.UserID,
			APIKeyID:    validation.KeyID.String(),
			Scoped:      true,
			Permissions: validation.EffectivePermissions,
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

// admit enforces the key's per-minute and per-hour ceilings. It writes the
// 429 response itself when a ceiling is hit.
func (m *Middleware) admit(w http.ResponseWriter, r *http.Request, v Validation) bool {
	if m.Limiter == nil {
		return true
	}
	windows := []struct {
		limit  int
		window time.Duration
	}{
		{v.RateLimits.PerMinute, time.Minute},
		{v.RateLimits.PerHour, time.Hour},
	}
	for _, win := range windows {
		res, err := m.Limiter.Allow(r.Context(), "apikey:"+v.KeyID.String(), win.limit, win.window)
		if err != nil {
			// Rate limiting is protective, not load-bearing; a Redis outage
			// must not take authentication down with it.
			m.Logger.Warn("rate limit check", slog.String("key_id", v.KeyID.String()), slog.Any("error", err))
			continue
		}
		if !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryIn.Seconds())+1))
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "api key rate limit exceeded")
			return false
		}
	}
	return true
}

// extractSecret pulls the key secret from the Authorization bearer token or
// the X-API-Key header.
func extractSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer "+secretPrefix) {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
