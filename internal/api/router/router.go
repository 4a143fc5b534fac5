package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/wolfman30/medspa-pms-sync/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/medspa-pms-sync/internal/http/middleware"
	"github.com/wolfman30/medspa-pms-sync/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger            *logging.Logger
	AdminIntegrations *handlers.AdminIntegrationsHandler
	AdminAuthSecret   string
	MetricsHandler    http.Handler

	// Readiness reports whether the database and Redis are reachable. Nil means always ready.
	Readiness func(ctx context.Context) error

	// RequestTimeout bounds admin requests. Seeds and full syncs can take minutes.
	RequestTimeout time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.Readiness))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.AdminIntegrations != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.RequestTimeout > 0 {
				admin.Use(middleware.Timeout(cfg.RequestTimeout))
			}
			admin.Mount("/integrations", cfg.AdminIntegrations.Routes())
		})
	}

	return r
}

func healthHandler(readiness func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if readiness != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := readiness(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
