package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftline/dispatch/internal/campaign"
	"github.com/driftline/dispatch/internal/config"
	"github.com/driftline/dispatch/internal/dispatch"
	"github.com/driftline/dispatch/internal/metrics"
	"github.com/driftline/dispatch/internal/queue"
	"github.com/driftline/dispatch/internal/ratelimit"
	"github.com/driftline/dispatch/internal/store"
	"github.com/driftline/dispatch/internal/tracking"
)

// Server is the HTTP surface: public tracking endpoints plus the
// management API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	campaigns   *campaign.Service
	tracking    *tracking.Service
	storage     *queue.Storage
	limiter     *ratelimit.Limiter
	providers   *dispatch.ProviderCache
	contacts    *store.ContactRepository
	suppression *store.SuppressionRepository

	config    *config.Config
	version   string
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates the HTTP server and wires its routes
func NewServer(
	campaigns *campaign.Service,
	trackingSvc *tracking.Service,
	storage *queue.Storage,
	limiter *ratelimit.Limiter,
	providers *dispatch.ProviderCache,
	contacts *store.ContactRepository,
	suppression *store.SuppressionRepository,
	cfg *config.Config,
	version string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		campaigns:   campaigns,
		tracking:    trackingSvc,
		storage:     storage,
		limiter:     limiter,
		providers:   providers,
		contacts:    contacts,
		suppression: suppression,
		config:      cfg,
		version:     version,
		logger:      logger,
		startTime:   time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Public endpoints. Tracking hits come from mail clients and must
	// never require auth.
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/track/open/{token}", s.handleTrackOpen)
	s.router.Get("/track/click/{token}", s.handleTrackClick)
	s.router.Get("/unsubscribe", s.handleUnsubscribe)
	s.router.Get("/preferences", s.handlePreferences)

	if s.config.Metrics.Enabled && metrics.Global() != nil {
		s.router.Handle(s.config.Metrics.Path, promhttp.HandlerFor(
			metrics.Global().Registry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/campaigns/{id}/send", s.handleCampaignSend)
		r.Post("/campaigns/{id}/schedule", s.handleCampaignSchedule)
		r.Post("/campaigns/{id}/recover", s.handleCampaignRecover)
		r.Get("/campaigns/{id}/stats", s.handleCampaignStats)

		r.Get("/queue", s.handleQueueStats)
		r.Get("/queue/dead", s.handleDeadJobs)
		r.Post("/queue/dead/{id}/retry", s.handleRetryDead)

		r.Get("/ratelimit/{domain}", s.handleRateLimitStatus)
		r.Post("/providers/invalidate", s.handleInvalidateProviders)
	})
}

// Router exposes the configured handler, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.config.Server.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
