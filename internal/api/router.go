package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/peagehq/peage/internal/app"
	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/metrics"
	"github.com/peagehq/peage/internal/ratelimit"
	"github.com/peagehq/peage/internal/reconcile"
	"github.com/peagehq/peage/internal/resource"
)

// Pinger reports database liveness without importing pgxpool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Apps      *app.Store
	Catalog   *catalog.Service
	Ledger    *ledger.Store
	Recon     *reconcile.Store
	Auth      *auth.Service
	Limiter   *ratelimit.Limiter
	Resources *resource.Handler
	Chat      resource.Resource
	Metrics   *metrics.Metrics
	DB        Pinger

	AdminKey            string
	StripeWebhookSecret string
	AllowedOrigins      []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(deps.AllowedOrigins))
	}
	r.Use(slogRequestLogger)

	// Handlers.
	apps := newAppsHandler(deps.Apps, deps.Ledger)
	models := newCatalogHandler(deps.Catalog)
	usage := newUsageHandler(deps.Ledger)
	recon := newReconHandler(deps.Recon)

	// Health check.
	r.Get("/health", healthHandler(deps.DB))

	// Well-known manifest.
	r.Get("/.well-known/peage.json", WellKnownHandler)

	// Gateway routes. Metered endpoints are paid with an API key or an
	// X-PAYMENT header; the resource handler arbitrates between the two.
	r.Route("/v1", func(gr chi.Router) {
		gr.Use(metricsMiddleware(deps.Metrics, "gateway"))
		if deps.Auth != nil {
			gr.Use(optionalCallerMiddleware(deps.Auth))
		}
		if deps.Limiter != nil {
			gr.Use(ratelimit.Middleware(deps.Limiter, rateLimitRejected(deps.Metrics)))
		}

		// Public model listing.
		gr.Get("/models", models.ListModels)

		gr.Post("/chat/completions", deps.Resources.Serve(deps.Chat))
	})

	// Caller-authed management routes.
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(metricsMiddleware(deps.Metrics, "management"))
		ar.Use(auth.CallerAuthMiddleware(deps.Auth))
		if deps.Limiter != nil {
			ar.Use(ratelimit.Middleware(deps.Limiter, rateLimitRejected(deps.Metrics)))
		}

		ar.Get("/balance", usage.GetBalance)
		ar.Get("/usage", usage.GetUsage)
		ar.Get("/usage/transactions", func(w http.ResponseWriter, r *http.Request) {
			usage.ListTransactions(w, r, false)
		})
	})

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(metricsMiddleware(deps.Metrics, "management"))
		ar.Use(auth.AdminKeyMiddleware(deps.AdminKey))

		// App management.
		ar.Post("/apps", apps.CreateApp)
		ar.Get("/apps", apps.ListApps)
		ar.Get("/apps/{id}", apps.GetApp)
		ar.Put("/apps/{id}", apps.UpdateApp)
		ar.Delete("/apps/{id}", apps.DeleteApp)
		ar.Post("/apps/{id}/keys", apps.CreateKey)
		ar.Delete("/keys/{id}", apps.DeleteKey)

		// Model catalog.
		ar.Post("/models", models.CreateModel)
		ar.Get("/models", models.AdminListModels)
		ar.Put("/models/{id}", models.UpdateModel)
		ar.Delete("/models/{id}", models.DeleteModel)

		// Provider credentials.
		ar.Put("/providers", models.UpsertProvider)
		ar.Get("/providers", models.ListProviders)

		// Ledger.
		ar.Post("/grants", usage.CreateGrant)
		ar.Get("/usage", usage.GetUsageAdmin)
		ar.Get("/usage/transactions", func(w http.ResponseWriter, r *http.Request) {
			usage.ListTransactions(w, r, true)
		})
		ar.Get("/reconciliation", recon.ListRecords)

		if deps.Metrics != nil {
			ar.Get("/metrics/snapshot", deps.Metrics.Handler())
		}
	})

	// Stripe webhook. Authenticated by signature, not by API key.
	if deps.StripeWebhookSecret != "" {
		stripeH := newStripeHandler(deps.Ledger, deps.StripeWebhookSecret)
		r.Post("/webhooks/stripe", stripeH.HandleWebhook)
	}

	return r
}

// healthHandler reports liveness, pinging the database when one is wired.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "database": "connected"}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"database": "unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// rateLimitRejected returns the limiter's rejection callback.
func rateLimitRejected(m *metrics.Metrics) func() {
	if m == nil {
		return func() {}
	}
	return m.IncRateLimitRejection
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}
