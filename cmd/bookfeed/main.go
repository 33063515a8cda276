package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookfeed/internal/api/rest"
	"bookfeed/internal/config"
	"bookfeed/internal/exchange/kraken"
	"bookfeed/internal/feed"
	"bookfeed/internal/infra/health"
	"bookfeed/internal/infra/http/middleware"
	"bookfeed/internal/infra/log"
	"bookfeed/internal/infra/metrics"
	"bookfeed/internal/infra/network"
	"bookfeed/internal/infra/runner"
	"bookfeed/internal/infra/version"
	"bookfeed/internal/orderbook"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()
	logger := log.NewLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	registry := metrics.Init(logger)
	store := orderbook.NewStore()
	adapter := kraken.New(cfg, logger)
	session, err := feed.NewSession(feed.OptionsFromConfig(cfg), adapter, store, feed.NewLogReporter(logger), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("feed session")
	}

	limiter := network.NewTokenBucket(cfg.Server.ActionsBurst, cfg.Server.ActionsPerSecond)
	api := rest.New(session, store, cfg.Markets, limiter, logger)
	handler, err := newHandler(cfg, logger, registry, api.Handler())
	if err != nil {
		logger.Fatal().Err(err).Msg("admin allowlist")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}
	v := version.Get()
	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("feed", cfg.Feed.URL).
		Str("market", cfg.Feed.DefaultMarket).
		Str("version", v.Version).
		Msg("Book feed started")

	g := &runner.Group{}
	serverErrCh := g.Go(ctx, func(ctx context.Context) error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	// readiness follows the feed: the session flips it on open and close
	feedErrCh := g.Go(ctx, session.Run)
	workerErrCh := make(chan error, 1)
	go func() { workerErrCh <- runner.First(ctx, serverErrCh, feedErrCh) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case s := <-sigCh:
		logger.Info().Str("signal", s.String()).Msg("shutdown signal received")
	case err := <-workerErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker error")
		}
	}

	health.SetReady(false)
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	g.Wait()
	logger.Info().Msg("shutdown complete")
}

// newHandler mounts the admin endpoints next to the API and wraps everything
// with request id and access logging.
func newHandler(cfg config.Config, logger log.Logger, registry *prometheus.Registry, api http.Handler) (http.Handler, error) {
	mux := http.NewServeMux()
	// admin endpoints (metrics, pprof) behind IP allowlist gate
	adminCIDRs, err := middleware.ParseCIDRs(cfg.Server.AdminAllowCIDRs)
	if err != nil {
		return nil, err
	}
	mux.Handle("/metrics", middleware.AdminGate(adminCIDRs, metrics.Handler(registry)))
	mux.HandleFunc("/healthz", health.Healthz)
	mux.HandleFunc("/readyz", health.Readyz)
	mux.HandleFunc("/version", version.Handler)
	if cfg.Server.Pprof {
		mux.Handle("/debug/pprof/", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Index)))
		mux.Handle("/debug/pprof/cmdline", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Profile)))
		mux.Handle("/debug/pprof/symbol", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Symbol)))
		mux.Handle("/debug/pprof/trace", middleware.AdminGate(adminCIDRs, http.HandlerFunc(pprof.Trace)))
	}
	mux.Handle("/api/", api)
	return middleware.RequestID(middleware.Logger(logger)(mux)), nil
}
