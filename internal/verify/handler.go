package verify

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/haven-realty/haven-authz/internal/shared"
)

// Handler exposes role consistency checks over HTTP.
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

// MountRoutes registers verification routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/principals/{principalID}", h.check)
	r.Post("/run", h.run)
	r.Post("/principals/{principalID}/fix", h.fix)
}

type runRequest struct {
	Limit        int    `json:"limit" validate:"gte=0"`
	AutoFix      bool   `json:"auto_fix"`
	FixDirection string `json:"fix_direction" validate:"omitempty,oneof=provider database"`
}

type fixRequest struct {
	Direction string `json:"direction" validate:"required,oneof=provider database"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CheckUserRoleConsistency(r.Context(), chi.URLParam(r, "principalID"))
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	req := runRequest{}
	if r.ContentLength > 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondError(w, err)
			return
		}
	} else if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		req.Limit = limit
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	report, err := h.service.VerifyRoleConsistency(r.Context(), VerifyOptions{
		Limit:        req.Limit,
		AutoFix:      req.AutoFix,
		FixDirection: FixDirection(req.FixDirection),
	})
	if err != nil {
		h.logger.Warn("verify run", slog.Any("error", err))
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, report)
}

func (h *Handler) fix(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	principalID := chi.URLParam(r, "principalID")
	if err := h.service.FixUserRoleInconsistency(r.Context(), principalID, FixDirection(req.Direction)); err != nil {
		shared.RespondError(w, err)
		return
	}
	result, err := h.service.CheckUserRoleConsistency(r.Context(), principalID)
	if err != nil {
		shared.RespondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, result)
}
