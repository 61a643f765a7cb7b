package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	units "github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codequest-sandbox/internal/api"
	"codequest-sandbox/internal/config"
	"codequest-sandbox/internal/monitor"
	"codequest-sandbox/internal/sandbox"
	"codequest-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatal().Err(err).Msg("invalid environment configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	opts := []sandbox.Option{
		sandbox.WithMetrics(metrics),
		sandbox.WithDetector(monitor.NewEscapeDetector()),
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, sandbox.WithTracer(monitor.NewTracer()))
	}

	// Unreachable container engines do not fail startup; affected languages
	// report "Execution environment unavailable" per request.
	dispatcher, err := sandbox.NewDispatcherFromConfig(ctx, cfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build dispatcher")
	}

	// Database is optional; the service runs without an audit trail.
	var db *storage.DB
	var store api.ExecutionStore
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("schema setup failed, audit logging disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
			store = db
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	server := api.NewServer(cfg, dispatcher, dispatcher.Runtimes(), store, auditWriter, metrics)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// In-flight executions finish before Shutdown returns.
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if err := dispatcher.Close(); err != nil {
			log.Error().Err(err).Msg("dispatcher close error")
		}

		cancel()
	}()

	memBytes, _ := cfg.MemoryBytes()
	event := log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Dur("timeout", cfg.Sandbox.Timeout).
		Str("memory", units.HumanSize(float64(memBytes)))
	for _, lang := range dispatcher.Runtimes().Languages() {
		if p := dispatcher.ProviderFor(lang); p != "" {
			event = event.Str("provider_"+lang, p)
		}
	}
	event.Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	// ListenAndServe returns as soon as Shutdown starts; wait for the drain.
	<-stopped

	log.Info().Msg("server stopped")
}
