package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trialsync/internal/api"
	"trialsync/internal/client"
	"trialsync/internal/config"
	"trialsync/internal/connectivity"
	"trialsync/internal/database"
	"trialsync/internal/domain"
	"trialsync/internal/engine"
	"trialsync/internal/feed"
	"trialsync/internal/logging"
	"trialsync/internal/metrics"
	"trialsync/internal/repository"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startMetrics(ctx, cfg, &logger)

	eng, err := engine.New(ctx, cfg, buildDeps(cfg, db, redisClient, &logger))
	if err != nil {
		logger.Error().Err(err).Msg("init sync engine")
		return err
	}
	defer eng.Close()

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(ctx, cfg.API, eng, logging.Component(&logger, "api"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("control API stopped")
			}
		}()
	}

	logger.Info().Str("server", cfg.Server.BaseURL).Bool("redis", redisClient != nil).Msg("sync engine started")
	err = eng.Run(ctx)
	logger.Info().Msg("shutdown signal received")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info().Interface("queue", eng.Status().Queue).Msg("sync engine stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "trialsync-main").Logger()

	return cfg, logger, closer, nil
}

// buildDeps keeps sqlite as the durable store; with Redis it becomes the
// primary and sqlite the fallback.
func buildDeps(cfg *config.Config, db *database.DB, redisClient *redis.Client, logger *zerolog.Logger) engine.Deps {
	var store domain.DurableStore = db
	var updates domain.UpdateFeed
	if redisClient != nil {
		store = repository.NewFailoverStore(
			repository.NewRedisStore(redisClient, cfg.App.Name+":"),
			db,
			logging.Component(logger, "store"),
		)
		updates = feed.NewRedisFeed(redisClient, cfg.Redis.FeedChannel, logging.Component(logger, "feed"))
	}

	deps := engine.Deps{
		Store:  store,
		Feed:   updates,
		Logger: logger,
	}

	httpClient := client.New(cfg.Server.BaseURL, cfg.Server.Timeout, logging.Component(logger, "client"))
	deps.Committer = httpClient
	if cfg.Server.BaseURL != "" {
		deps.Source = connectivity.NewHTTPProbe(
			cfg.Server.BaseURL,
			cfg.Server.HealthPath,
			cfg.Connectivity.ProbeInterval,
			cfg.Server.Timeout,
			logging.Component(logger, "probe"),
		)
	}
	return deps
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(context.Background(), redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = repository.Close(redisClient)
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
