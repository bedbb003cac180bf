package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/escrowd/service/config"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/brojonat/escrowd/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP trigger surface of the settlement engine.
type Server struct {
	addr          string
	cfg           *config.Config
	store         Store
	runner        temporal.CycleRunner
	scheduler     temporal.Scheduler
	ssePublisher  *SSEPublisher
	metrics       *metrics.Metrics
	logger        *slog.Logger
	server        *http.Server
	metricsServer *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The scheduler is optional; without it, created accounts are recorded but not scheduled.
// The ssePublisher is optional; if nil, streaming endpoints are not registered.
// The metrics is optional; if nil, /metrics is not served.
func New(addr string, cfg *config.Config, store Store, runner temporal.CycleRunner, scheduler temporal.Scheduler, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		cfg:          cfg,
		store:        store,
		runner:       runner,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger.With("component", "http_server"),
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("POST /api/v1/escrow-accounts/{address}/reconcile", "/api/v1/escrow-accounts/reconcile",
		handleReconcile(s.runner, s.cfg.EscrowAccount, s.logger))
	route("GET /api/v1/escrow-accounts/{address}/transactions", "/api/v1/escrow-accounts/transactions",
		handleListAccountTransactions(s.store, s.logger))
	route("GET /api/v1/escrow-accounts", "/api/v1/escrow-accounts",
		handleListEscrowAccounts(s.store, s.logger))
	route("POST /api/v1/escrow-accounts", "/api/v1/escrow-accounts",
		handleCreateEscrowAccount(s.store, s.scheduler, s.cfg.PollInterval, s.logger))
	route("GET /api/v1/transactions/{hash}", "/api/v1/transactions",
		handleGetTransaction(s.store, s.logger))

	// Streams stay open for minutes and would swamp the latency histogram.
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/settlements/{address}", handleStream(s.ssePublisher, settlementSSE, s.logger))
		mux.Handle("GET /api/v1/stream/transactions/{address}", handleStream(s.ssePublisher, transactionSSE, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil && s.cfg.MetricsAddr == "" {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// A cycle can outlast the default write timeout; SSE needs none at all.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if s.metrics != nil && s.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: s.cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			s.logger.Info("starting metrics server", "addr", s.cfg.MetricsAddr)
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "escrow", s.cfg.EscrowAccount)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// SSE clients hold connections open until NATS goes away.
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
