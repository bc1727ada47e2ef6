package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/haven-realty/haven-authz/internal/access"
	"github.com/haven-realty/haven-authz/internal/bundles"
	"github.com/haven-realty/haven-authz/internal/grants"
	"github.com/haven-realty/haven-authz/internal/verify"
	"github.com/haven-realty/haven-authz/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger *slog.Logger
	Config *Config

	AccessHandler  *access.Handler
	GrantsHandler  *grants.Handler
	BundlesHandler *bundles.Handler
	VerifyHandler  *verify.Handler
	JobHandler     *jobs.Handler
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		if params.AccessHandler != nil {
			r.Route("/access", params.AccessHandler.MountRoutes)
		}
		if params.GrantsHandler != nil {
			r.Route("/grants", params.GrantsHandler.MountRoutes)
		}
		if params.BundlesHandler != nil {
			r.Route("/bundles", params.BundlesHandler.MountRoutes)
		}
		if params.VerifyHandler != nil {
			r.Route("/verify", params.VerifyHandler.MountRoutes)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
