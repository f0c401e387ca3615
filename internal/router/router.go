package router

import (
	"net/http"

	"escrow-engine/internal/handler"
	"escrow-engine/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler             *handler.Handler
	AdminHandler        *handler.AdminHandler
	NotificationHandler *handler.NotificationHandler
	OfferHandler        *handler.OfferHandler
	AuthMiddleware      func(http.Handler) http.Handler
	Log                 *zap.Logger
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// PUBLIC routes (no auth required)
	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}
	r.Handle("/metrics", promhttp.Handler())

	// AUTHENTICATED routes
	r.Group(func(r chi.Router) {
		if cfg.AuthMiddleware != nil {
			r.Use(cfg.AuthMiddleware)
		}

		r.Route("/api/v1", func(r chi.Router) {
			if cfg.Handler != nil {
				r.Get("/health", cfg.Handler.Health)
				r.Get("/ready", cfg.Handler.Ready)
			}

			if cfg.NotificationHandler != nil {
				r.Get("/notifications/ws", cfg.NotificationHandler.Stream)
			}

			if cfg.OfferHandler != nil {
				r.Post("/offers/{id}/state", cfg.OfferHandler.UpdateState)
			}

			if cfg.AdminHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Get("/stats", cfg.AdminHandler.GetStats)
					r.Get("/alerts", cfg.AdminHandler.RecentAlerts)
					r.Get("/jobs/dead", cfg.AdminHandler.DeadJobs)
					r.Post("/scanner/run", cfg.AdminHandler.RunScanner)
					r.Route("/bots", func(r chi.Router) {
						r.Get("/", cfg.AdminHandler.ListBots)
						r.Get("/{id}/inventory", cfg.AdminHandler.BotInventory)
						r.Post("/{id}/reconnect", cfg.AdminHandler.ReconnectBot)
					})
				})
			}
		})
	})

	return r
}
