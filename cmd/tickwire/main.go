package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"github.com/tickwire/tickwire/internal/auth"
	"github.com/tickwire/tickwire/internal/config"
	"github.com/tickwire/tickwire/internal/feed"
	"github.com/tickwire/tickwire/internal/monitoring"
	"github.com/tickwire/tickwire/internal/server"
)

func main() {
	bootLogger := monitoring.NewLogger("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("TW_JWT_SECRET is required")
	}
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	var nc *nats.Conn
	var executor server.Executor
	if !cfg.DisableFeed {
		nc, err = feed.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		executor = feed.NewExecutor(nc, cfg.OrdersSubject, logger)
	} else {
		logger.Warn().Msg("Feed disabled, serving without NATS")
	}

	srv := server.New(cfg, verifier, executor, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := monitoring.NewCollector(srv.Stats(), srv, cfg.MetricsInterval, logger)
	go collector.Run(ctx)
	go srv.RunHeartbeat(ctx)

	if nc != nil {
		f := feed.New(nc, cfg.FeedSubjectPrefix, srv, logger)
		if err := f.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start feed")
		}
		defer f.Stop()

		relay := feed.NewResultRelay(nc, cfg.ExecResultsSubject, srv, logger)
		if err := relay.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start result relay")
		}
		defer relay.Stop()
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.NewHTTPHandler(collector),
	}
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listener started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP listener failed")
		}
	}()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- srv.Listen(cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-listenErr:
		if err != nil {
			logger.Error().Err(err).Msg("Listener failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainGracePeriod)
	defer cancel()

	httpSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Drain incomplete at grace period expiry")
	}
	logger.Info().Msg("Server stopped")
}
