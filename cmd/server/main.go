package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	apihttp "gamesearch/searchservice/internal/api/http"
	"gamesearch/searchservice/internal/app"
	"gamesearch/searchservice/internal/metrics"
	"gamesearch/searchservice/internal/providers/catalog"
	"gamesearch/searchservice/internal/providers/localindex"
	"gamesearch/searchservice/internal/providers/postgres"
	"gamesearch/searchservice/internal/search"
	"gamesearch/searchservice/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "game-search")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "game-search"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Bool("hasDatabase", cfg.DatabaseURL != ""),
		slog.Bool("hasLocalIndexSeed", cfg.LocalIndexSeedPath != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("catalogEnabled", cfg.CatalogEnabled()),
		slog.String("catalogBaseURL", cfg.CatalogBaseURL),
		slog.Float64("catalogRPS", cfg.CatalogRPS),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.Bool("cacheDisabled", cfg.CacheDisabled),
		slog.String("rankingConfig", cfg.RankingConfigPath),
	)

	ranking, err := app.LoadRankingConfig(cfg.RankingConfigPath)
	if err != nil {
		logger.Error("ranking config invalid", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("ranking config loaded", slog.Int("franchiseProfiles", len(ranking.Franchise.Profiles)))

	redisClient := buildRedisClient(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	textSource, metricsStore, closeText := buildTextSource(cfg, logger)
	defer closeText()

	var catalogSource search.CatalogSource
	if cfg.CatalogEnabled() {
		catalogSource = catalog.NewClient(catalog.Config{
			BaseURL:         cfg.CatalogBaseURL,
			ClientID:        cfg.CatalogClientID,
			ClientSecret:    cfg.CatalogClientSecret,
			TokenURL:        cfg.CatalogTokenURL,
			Redis:           redisClient,
			CacheTTL:        cfg.CatalogCacheTTL,
			RequestsPerSec:  cfg.CatalogRPS,
			MaxConcurrent:   cfg.CatalogMaxConcurrent,
			BreakerFailures: cfg.CatalogBreakerFailures,
			BreakerCooldown: cfg.CatalogBreakerCooldown,
			BreakerWindow:   cfg.CatalogBreakerWindow,
			Logger:          logger,
		})
	} else {
		logger.Info("catalog credentials not configured, catalog source disabled")
	}

	if textSource == nil && catalogSource == nil {
		logger.Error("no candidate source configured; set DATABASE_URL, LOCAL_INDEX_SEED_PATH or CATALOG_CLIENT_ID")
		os.Exit(1)
	}

	searchService := search.NewService(textSource, catalogSource, buildServiceOptions(cfg, ranking, metricsStore, redisClient, logger)...)

	handler := apihttp.NewServer(searchService,
		apihttp.WithLogger(logger),
		apihttp.WithCoverProxy(cfg.CatalogImageBaseURL, nil),
		apihttp.WithRateLimits(apihttp.RateLimits{
			Search:  apihttp.RateLimit{RPS: cfg.SearchRPS, Burst: cfg.SearchBurst},
			Suggest: apihttp.RateLimit{RPS: cfg.SuggestRPS, Burst: cfg.SuggestBurst},
			Cover:   apihttp.RateLimit{RPS: cfg.CoverRPS, Burst: cfg.CoverBurst},
		}),
	).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	searchService.StartBackground(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("game search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("timeout", cfg.RequestTimeout),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("game search service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildRedisClient returns nil when Redis is not configured or unreachable;
// callers then run on in-process caches only.
func buildRedisClient(cfg app.Config, logger *slog.Logger) redis.UniversalClient {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory caches only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory caches only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return client
}

// buildTextSource prefers Postgres and falls back to an in-memory index
// seeded from a JSON file.
func buildTextSource(cfg app.Config, logger *slog.Logger) (search.TextSource, search.MetricsStore, func()) {
	noop := func() {}

	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{})
		if err == nil {
			logger.Info("postgres connected")
			return postgres.NewSource(db), postgres.NewMetricsStore(db), closeDB(db, logger)
		}
		logger.Warn("postgres unavailable", slog.String("error", err.Error()))
	}

	if cfg.LocalIndexSeedPath == "" {
		return nil, nil, noop
	}
	index, err := localindex.New()
	if err != nil {
		logger.Warn("local index init failed", slog.String("error", err.Error()))
		return nil, nil, noop
	}
	count, err := index.LoadFile(cfg.LocalIndexSeedPath)
	if err != nil {
		logger.Warn("local index seed failed", slog.String("path", cfg.LocalIndexSeedPath), slog.String("error", err.Error()))
		_ = index.Close()
		return nil, nil, noop
	}
	logger.Info("local index loaded", slog.String("path", cfg.LocalIndexSeedPath), slog.Int("games", count))
	return index, nil, func() { _ = index.Close() }
}

func closeDB(db *sql.DB, logger *slog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("postgres close failed", slog.String("error", err.Error()))
		}
	}
}

func buildServiceOptions(cfg app.Config, ranking search.RankingConfig, store search.MetricsStore, redisClient redis.UniversalClient, logger *slog.Logger) []search.ServiceOption {
	opts := []search.ServiceOption{
		search.WithLogger(logger),
		search.WithRankingConfig(ranking),
		search.WithTimeouts(search.Timeouts{
			DB:        cfg.DBTimeout,
			Catalog:   cfg.CatalogTimeout,
			Franchise: cfg.FranchiseTimeout,
			Request:   cfg.RequestTimeout,
		}),
	}
	if store != nil {
		opts = append(opts, search.WithMetricsStore(store))
	}

	if cfg.CacheDisabled {
		return append(opts, search.WithCacheDisabled(true))
	}

	cacheOpts := []search.CacheOption{search.WithCacheLogger(logger)}
	if redisClient != nil {
		cacheOpts = append(cacheOpts, search.WithRedisBackend(search.NewRedisCacheBackend(redisClient)))
	}
	cache := search.NewSearchCache(cfg.CacheTTL, cfg.CacheMaxEntries, cacheOpts...)
	opts = append(opts,
		search.WithCache(cache),
		search.WithWarmer(cfg.WarmInterval, 0),
	)
	return opts
}
