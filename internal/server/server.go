// Package server provides the HTTP server and routing for the control
// plane: the agent websocket endpoint, the admin API, the payment webhook
// and the metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/di"
)

// Server is the HTTP front of the control plane.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	c      *di.Container
}

// New creates the server over a wired container.
func New(c *di.Container) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    c.Log.With().Str("component", "server").Logger(),
		c:      c,
	}

	s.setupMiddleware(c.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", c.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-User"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	// Long-lived connections bypass the request timeout: the agent channel
	// holds its websocket open and the webhook is latency-sensitive.
	s.router.Get("/agent", s.c.Channel.HandleAgent)
	s.router.Post("/webhooks/payments", s.handlePaymentWebhook)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.c.Metrics.Registry(), promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.handleListNodes)
			r.Get("/{nodeID}", s.handleGetNode)
			r.Post("/{nodeID}/drain", s.handleDrainNode)
			r.Post("/{nodeID}/recover", s.handleRecoverNode)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", s.handleCreateInstance)
			r.Get("/{instanceID}", s.handleGetInstance)
			r.Delete("/{instanceID}", s.handleDeleteInstance)
			r.Post("/{instanceID}/migrate", s.handleMigrateInstance)
			r.Put("/{instanceID}/billing", s.handleSetBillingState)
			r.Get("/{instanceID}/profile", s.handleGetProfile)
			r.Put("/{instanceID}/profile", s.handlePutProfile)
		})

		r.Route("/recovery", func(r chi.Router) {
			r.Get("/events", s.handleListRecoveryEvents)
			r.Get("/events/{eventID}", s.handleGetRecoveryEvent)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Get("/balances", s.handleListBalances)
			r.Get("/{tenant}/balance", s.handleGetBalance)
			r.Get("/{tenant}/history", s.handleGetHistory)
			r.Post("/{tenant}/credit", s.handleCredit)
			r.Post("/{tenant}/debit", s.handleDebit)
		})

		r.Route("/topup/{tenant}", func(r chi.Router) {
			r.Get("/", s.handleGetTopupSettings)
			r.Put("/", s.handlePutTopupSettings)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Post("/events", s.handleEmitUsage)
			r.Get("/{tenant}/total", s.handleUsageTotal)
			r.Get("/{tenant}/summaries", s.handleUsageSummaries)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/checkout", s.handleCreateCheckout)
			r.Post("/portal", s.handleCreatePortal)
			r.Post("/setup-intent", s.handleSetupPaymentMethod)
			r.Get("/{tenant}/methods", s.handleListPaymentMethods)
			r.Delete("/{tenant}/methods/{methodID}", s.handleDetachPaymentMethod)
		})

		r.Route("/vault/{tenant}", func(r chi.Router) {
			r.Get("/", s.handleListVaultKeys)
			r.Get("/{provider}", s.handleGetVaultKey)
			r.Put("/{provider}", s.handlePutVaultKey)
			r.Delete("/{provider}", s.handleDeleteVaultKey)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/stats", s.handleNotificationStats)
			r.Post("/dispatch", s.handleDispatchNotifications)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", s.handleQueryAudit)
			r.Get("/export", s.handleExportAudit)
		})

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", s.handleListBackups)
			r.Post("/", s.handleCreateBackup)
		})

		r.Get("/system/health", s.handleSystemHealth)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.c.Cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
