package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/agentpay/internal/auth"
	"github.com/alecgard/agentpay/internal/metrics"
	"github.com/alecgard/agentpay/internal/ratelimit"
	"github.com/alecgard/agentpay/internal/topup"
	"github.com/alecgard/agentpay/internal/usage"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Usage          *usage.Service
	TopUps         *topup.Reconciler
	Agents         AgentStore
	Activity       ActivityLister
	Verifier       auth.Verifier
	Limiter        *ratelimit.Limiter // nil disables public rate limiting
	Metrics        *metrics.Metrics   // nil disables instrumentation
	DB             Pinger             // nil for the in-memory store
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)

	// Handlers.
	usageH := newUsageHandler(deps.Usage)
	topUpH := newTopUpHandler(deps.TopUps)
	agentsH := newAgentsHandler(deps.Agents, deps.Usage, deps.TopUps, deps.Activity)

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/agentpay.json", WellKnownHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
		r.Get("/api/v1/metrics/summary", deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public SDK surface, keyed by client IP.
		r.Group(func(r chi.Router) {
			r.Use(metricsMiddleware(deps.Metrics, "public"))
			if deps.Limiter != nil {
				r.Use(ratelimit.Middleware(deps.Limiter, ratelimit.ClientIP, func() {
					if deps.Metrics != nil {
						deps.Metrics.IncRateLimitRejection("public")
					}
				}))
			}

			r.Post("/track", usageH.Track)
			r.Post("/capture", usageH.Capture)
			r.Post("/release", usageH.Release)
			r.Get("/balance", usageH.GetBalance)
			r.Get("/top-up-details", topUpH.GetDetails)
			r.Post("/top-up-details", topUpH.Submit)
		})

		// Developer surface.
		r.Group(func(r chi.Router) {
			r.Use(metricsMiddleware(deps.Metrics, "management"))
			r.Use(auth.DeveloperAuthMiddleware(deps.Verifier))

			r.Post("/agents", agentsH.CreateAgent)
			r.Get("/agents", agentsH.ListAgents)
			r.Get("/agents/{id}", agentsH.GetAgent)
			r.Put("/agents/{id}", agentsH.UpdateAgent)
			r.Delete("/agents/{id}", agentsH.DeleteAgent)
			r.Get("/agents/{id}/events", agentsH.ListEvents)
			r.Get("/agents/{id}/events/{eventId}", agentsH.GetEvent)
			r.Get("/agents/{id}/top-ups", agentsH.ListTopUps)
			r.Get("/agents/{id}/activity", agentsH.ListActivity)
		})
	})

	return corsHandler(deps.AllowedOrigins, r)
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "memory"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}

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
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
