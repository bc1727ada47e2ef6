package bundles

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/haven-realty/haven-authz/internal/shared"
)

// Handler exposes bundle management over HTTP.
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

// MountRoutes registers bundle routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/defaults", h.initializeDefaults)
	r.Get("/{bundleID}", h.get)
	r.Put("/{bundleID}", h.update)
	r.Delete("/{bundleID}", h.remove)
	r.Post("/{bundleID}/apply", h.apply)
}

type bundleRequest struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,required"`
}

type applyRequest struct {
	PrincipalID string     `json:"principal_id" validate:"required"`
	AppliedBy   string     `json:"applied_by" validate:"required"`
	Reason      string     `json:"reason"`
	Temporary   bool       `json:"temporary"`
	ExpiresAt   *time.Time `json:"expires_at" validate:"required_if=Temporary true"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	bundlesList, err := h.service.ListBundles(r.Context())
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"bundles": bundlesList})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req bundleRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	bundle, err := h.service.CreateBundle(r.Context(), BundleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, bundle)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bundleID"))
	if err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bundle id"})
		return
	}
	bundle, err := h.service.GetBundle(r.Context(), id)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, bundle)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bundleID"))
	if err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bundle id"})
		return
	}
	var req bundleRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	bundle, err := h.service.UpdateBundle(r.Context(), id, BundleInput{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, bundle)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bundleID"))
	if err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bundle id"})
		return
	}
	if err := h.service.DeleteBundle(r.Context(), id); err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "bundleID"))
	if err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid bundle id"})
		return
	}
	var req applyRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := h.service.ApplyToUser(r.Context(), ApplyInput{
		PrincipalID: req.PrincipalID,
		BundleID:    id,
		AppliedBy:   req.AppliedBy,
		Reason:      req.Reason,
		Temporary:   req.Temporary,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.logger.Warn("apply bundle", slog.String("principal", req.PrincipalID), slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) initializeDefaults(w http.ResponseWriter, r *http.Request) {
	created, err := h.service.InitializeDefaultBundles(r.Context())
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]int{"created": created})
}
