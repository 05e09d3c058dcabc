/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Incoming X-Request-Id or a fresh UUID
  2. RequestLogger: zap access log (level by status)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/health             Liveness and store ping
  /api/products           Catalog upsert
  /api/purchases/*        Supplier purchases
  /api/lots/*             Stock lots
  /api/sales/*            Sales
  /api/stock/summary      Stock and reservation summary
  /api/reconciliation/*   Rebuild and run history
  /metrics                Prometheus (when enabled)

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the parts of the router that vary by deployment.
type RouterOptions struct {
	AllowedOrigins []string

	// Metrics is mounted at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthCheck)

		r.Post("/products", h.UpsertProduct)

		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.CreatePurchase)
			r.Get("/{id}", h.GetPurchase)
		})

		r.Route("/lots", func(r chi.Router) {
			r.Get("/", h.ListLots)
			r.Put("/{id}/product", h.AssignLotProduct)
		})

		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Post("/", h.CreateSale)
			r.Get("/{id}", h.GetSale)
			r.Patch("/{id}", h.UpdateSale)
			r.Delete("/{id}", h.DeleteSale)
		})

		r.Get("/stock/summary", h.GetStockSummary)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/runs", h.ListReconciliationRuns)
		})
	})

	if opts.Metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}

	return r
}
