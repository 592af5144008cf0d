package http

import (
	"net/http"
	"time"

	"github.com/YelzhanWeb/pizzasync/internal/adapter/logger"
	"github.com/YelzhanWeb/pizzasync/internal/adapter/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	Orders   *OrderHandler
	Tracking *TrackingHandler
	// Events serves the websocket event channel; nil leaves /events unrouted.
	Events  http.Handler
	Metrics *metrics.Metrics
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// RequestTimeout bounds /api handlers; zero disables it.
	RequestTimeout time.Duration
	Logger         logger.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	if cfg.Events != nil {
		r.Method(http.MethodGet, "/events", cfg.Events)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", cfg.Tracking.ListOrders)
			r.Post("/", cfg.Orders.CreateOrder)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", cfg.Tracking.GetOrder)
				r.Get("/history", cfg.Tracking.GetOrderHistory)
				r.Patch("/status", cfg.Orders.AdvanceStatus)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method_not_allowed", Message: "method not allowed"})
	})

	return r
}
