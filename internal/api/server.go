package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codequest-sandbox/internal/config"
	"codequest-sandbox/internal/monitor"
	"codequest-sandbox/internal/runtime"
	"codequest-sandbox/internal/sandbox"
	"codequest-sandbox/internal/storage"
)

// Server is the HTTP front of the execution service.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer wires routes and middleware. store and auditWriter may be nil
// when no database is configured.
func NewServer(cfg *config.Config, executor sandbox.Executor, runtimes *runtime.Registry, store ExecutionStore, auditWriter *storage.AuditWriter, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(executor, runtimes, store, auditWriter)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", handlers.HandleExecute)
	mux.HandleFunc("POST /api/execute", handlers.HandleExecute)
	mux.HandleFunc("GET /languages", handlers.HandleLanguages)
	mux.HandleFunc("GET /api/languages", handlers.HandleLanguages)
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /executions", handlers.HandleListExecutions)
	mux.HandleFunc("GET /executions/{id}", handlers.HandleGetExecution)
	mux.HandleFunc("GET /", handlers.HandleRoot)
	if metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Outermost first.
	var handler http.Handler = mux
	if metrics != nil {
		handler = MetricsMiddleware(metrics)(handler)
	}
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = CORSMiddleware(cfg.CORS.AllowedOrigins)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	return &Server{
		handlers: handlers,
		httpServer: &http.Server{
			Addr:              cfg.Address(),
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Handler exposes the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
