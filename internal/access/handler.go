package access

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// Handler exposes permission checks over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers permission-check routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/principals/{principalID}/permissions", h.listPermissions)
	r.Get("/principals/{principalID}/permissions/{domain}", h.domainPermissions)
	r.Delete("/principals/{principalID}/cache", h.clearCache)
	r.Post("/check", h.check)
}

type checkRequest struct {
	PrincipalID string   `json:"principal_id" validate:"required"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
	Mode        string   `json:"mode" validate:"omitempty,oneof=all any"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	ref := identity.RefID(chi.URLParam(r, "principalID"))
	perms, err := h.service.GetUserPermissions(r.Context(), ref)
	if err != nil {
		h.logger.Warn("list permissions", slog.String("principal", ref.ID()), slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) domainPermissions(w http.ResponseWriter, r *http.Request) {
	ref := identity.RefID(chi.URLParam(r, "principalID"))
	domain := chi.URLParam(r, "domain")
	perms, err := h.service.GetDomainPermissions(r.Context(), ref, domain)
	if err != nil {
		h.logger.Warn("domain permissions", slog.String("principal", ref.ID()), slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"domain": domain, "permissions": perms})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	ref := identity.RefID(chi.URLParam(r, "principalID"))
	h.service.ClearUserPermissionCache(r.Context(), ref)
	shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ref := identity.RefID(req.PrincipalID)
	var allowed bool
	var err error
	switch {
	case len(req.Permissions) == 1 && req.Mode == "":
		allowed, err = h.service.HasPermission(r.Context(), ref, req.Permissions[0])
	case req.Mode == "any":
		allowed, err = h.service.HasAnyPermission(r.Context(), ref, req.Permissions)
	default:
		allowed, err = h.service.HasAllPermissions(r.Context(), ref, req.Permissions)
	}
	if err != nil {
		// Fail closed: report the denial but surface the retryable cause in
		// the log, not the response body.
		h.logger.Warn("permission check", slog.String("principal", req.PrincipalID), slog.Any("error", err))
	}
	shared.RespondJSON(w, http.StatusOK, checkResponse{Allowed: allowed})
}
