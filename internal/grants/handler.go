package grants

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/haven-realty/haven-authz/internal/identity"
	"github.com/haven-realty/haven-authz/internal/shared"
)

// Handler exposes resource-scoped grant operations over HTTP.
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

// MountRoutes registers grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.grant)
	r.Post("/revoke", h.revoke)
	r.Get("/check", h.check)
	r.Get("/resources", h.listResources)
}

type grantRequest struct {
	PrincipalID  string     `json:"principal_id" validate:"required"`
	PermissionID string     `json:"permission_id" validate:"required"`
	ResourceType string     `json:"resource_type" validate:"required"`
	ResourceID   string     `json:"resource_id" validate:"required"`
	GrantedBy    string     `json:"granted_by" validate:"required"`
	Reason       string     `json:"reason"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type revokeRequest struct {
	PrincipalID  string `json:"principal_id" validate:"required"`
	PermissionID string `json:"permission_id" validate:"required"`
	ResourceType string `json:"resource_type" validate:"required"`
	ResourceID   string `json:"resource_id" validate:"required"`
	RevokedBy    string `json:"revoked_by" validate:"required"`
	Reason       string `json:"reason"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	grant, err := h.service.Grant(r.Context(), GrantInput{
		PrincipalID:  req.PrincipalID,
		PermissionID: req.PermissionID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		GrantedBy:    req.GrantedBy,
		Reason:       req.Reason,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		h.logger.Warn("grant", slog.String("principal", req.PrincipalID), slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, grant)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := h.service.Revoke(r.Context(), RevokeInput{
		PrincipalID:  req.PrincipalID,
		PermissionID: req.PermissionID,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		RevokedBy:    req.RevokedBy,
		Reason:       req.Reason,
	})
	if err != nil {
		h.logger.Warn("revoke", slog.String("principal", req.PrincipalID), slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"found": result.Found})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	allowed, err := h.service.Check(r.Context(),
		identity.RefID(q.Get("principal_id")),
		q.Get("permission_id"), q.Get("resource_type"), q.Get("resource_id"))
	if err != nil {
		// Fail closed but log the cause.
		h.logger.Warn("resource check", slog.String("principal", q.Get("principal_id")), slog.Any("error", err))
	}
	shared.RespondJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (h *Handler) listResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.service.ListResourcesWithPermission(r.Context(),
		identity.RefID(q.Get("principal_id")),
		q.Get("permission_id"), q.Get("resource_type"))
	if err != nil {
		h.logger.Warn("list resources", slog.String("principal", q.Get("principal_id")), slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	ids := list.IDs
	if ids == nil {
		ids = []string{}
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"all": list.All, "resource_ids": ids})
}
