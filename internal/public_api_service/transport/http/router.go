package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aradsms/sms_dispatch/internal/public_api_service/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Verifier       *middleware.TokenVerifier
	AllowedOrigins []string
	Messages       *MessageHandler
	SenderIDs      *SenderIDHandler
	Credits        *CreditHandler
	Webhooks       *WebhookHandler
}

// NewRouter wires the public API: tenant routes under /v1, the billing
// collaborator under /internal, and unauthenticated provider callbacks.
func NewRouter(cfg RouterConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(PrometheusMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	authMW := middleware.AuthMiddleware(cfg.Verifier, logger)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(authMW)
		cfg.Messages.RegisterRoutes(v1)
		cfg.SenderIDs.RegisterRoutes(v1)
		cfg.Credits.RegisterRoutes(v1)
	})
	r.Route("/internal", func(internal chi.Router) {
		internal.Use(authMW)
		cfg.Credits.RegisterInternalRoutes(internal)
	})
	if cfg.Webhooks != nil {
		cfg.Webhooks.RegisterRoutes(r)
	}
	return r
}
