package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/billgate/internal/auth"
	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/metrics"
	"github.com/alecgard/billgate/internal/ratelimit"
)

// Pinger reports storage reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Bills           *bill.Service
	Chat            ChatRunner
	Keys            *auth.KeyChecker
	ChatLimiter     *ratelimit.Limiter
	Metrics         *metrics.Metrics
	Store           Pinger
	AllowedOrigins  []string
	ChatRequiresKey bool
	RequestTimeout  time.Duration
	ChatTimeout     time.Duration
	MaxUploadSize   int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	r.Use(metricsMiddleware(deps.Metrics))
	if deps.RequestTimeout > 0 {
		r.Use(chimw.Timeout(deps.RequestTimeout))
	}

	keys := deps.Keys
	if keys == nil {
		keys = auth.NewKeyChecker("")
	}
	requireKey := func(surface string) func(http.Handler) http.Handler {
		return auth.Middleware(keys, surface, deps.Metrics.IncAuthFailure)
	}

	r.Get("/", BannerHandler)
	r.Get("/health", healthHandler(deps.Store))
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	if deps.Bills != nil {
		bills := newBillsHandler(deps.Bills, deps.Metrics)
		admin := newAdminHandler(deps.Bills, deps.Metrics, deps.MaxUploadSize)

		r.Route("/api/v1/bills", func(br chi.Router) {
			br.Use(requireKey("bills"))

			br.Post("/query", bills.Query)
			br.Post("/query-detailed", bills.QueryDetailed)
			br.Post("/pay", bills.Pay)
			br.Post("/banking/query", bills.ListUnpaid)

			br.Post("/admin/add", admin.AddBill)
			br.Post("/admin/batch-upload", admin.BatchUpload)
			br.Patch("/admin/details", admin.AmendDetails)
			if deps.Metrics != nil {
				br.Get("/admin/stats", deps.Metrics.Handler())
			}
		})
	}

	ch := &chatHandler{runner: deps.Chat, timeout: deps.ChatTimeout}
	r.Route("/api/v1/chat", func(cr chi.Router) {
		if deps.ChatRequiresKey {
			cr.Use(requireKey("chat"))
		}
		if deps.ChatLimiter != nil {
			cr.Use(ratelimit.Middleware(deps.ChatLimiter, ratelimit.ClientIP, deps.Metrics.IncChatThrottled))
		}
		cr.Post("/", ch.Chat)
	})

	return r
}

func healthHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"database": "unreachable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": "connected",
		})
	}
}
