package apikeys

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/arcadia-platform/arcadia/internal/platform/httpx"
	"github.com/arcadia-platform/arcadia/internal/shared"
)

// Handler exposes key management over JSON. All routes act on the caller's
// own keys; ownership of other users' keys is never reachable from here.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the key management routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/apikeys", h.listKeys)
	r.Post("/apikeys", h.issueKey)
	r.Delete("/apikeys/{keyID}", h.revokeKey)
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListOwn(r.Context(), h.actorID(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, toKeyResponse(k))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) issueKey(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	key, secret, err := h.service.Issue(r.Context(), IssueInput{
		UserID:                 h.actorID(r),
		Name:                   req.Name,
		InheritUserPermissions: req.InheritUserPermissions,
		AllowedPermissions:     req.AllowedPermissions,
		ExpiresAt:              req.ExpiresAt,
		UseUserRateLimits:      req.UseUserRateLimits,
		RateLimitPerMinute:     req.RateLimitPerMinute,
		RateLimitPerHour:       req.RateLimitPerHour,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, issuedKeyResponse{keyResponse: toKeyResponse(key), Secret: secret})
}

func (h *Handler) revokeKey(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid keyID")
		return
	}
	var req revokeKeyRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
			return
		}
	}
	if err := h.service.Revoke(r.Context(), keyID, h.actorID(r), req.Reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actorID(r *http.Request) int64 {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.UserID
}
