// Command sentinelforge runs the threat-intelligence aggregation service:
// the REST API, the enrichment pipeline, and the feed refresh loops.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinelforge/sentinelforge/internal/api"
	"github.com/sentinelforge/sentinelforge/internal/config"
	"github.com/sentinelforge/sentinelforge/internal/enrich"
	"github.com/sentinelforge/sentinelforge/internal/feeds"
	"github.com/sentinelforge/sentinelforge/internal/ingest"
	"github.com/sentinelforge/sentinelforge/internal/model"
	"github.com/sentinelforge/sentinelforge/internal/observability"
	"github.com/sentinelforge/sentinelforge/internal/store"
)

const version = "1.0.0"

func main() {
	migrate := flag.Bool("migrate", false, "create the database schema and exit")
	flag.Parse()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger, *migrate); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, logger *slog.Logger, migrate bool) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	st := store.New(db)
	if migrate {
		if err := st.Init(ctx); err != nil {
			return err
		}
		logger.Info("schema created")
		return nil
	}

	if cfg.SourcesFile != "" {
		if err := seedSources(ctx, st, cfg.SourcesFile); err != nil {
			return err
		}
	}

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "sentinelforge",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTELEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = cache.Close() }()
	}

	providers, cleanup, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var enricher *enrich.Coordinator
	if len(providers) > 0 {
		enricher = enrich.NewCoordinator(providers, st, cache, logger)
	}

	collectors := []feeds.Collector{
		feeds.NewAlienVaultCollector(cfg.OTXKey),
		feeds.NewEmergingThreatsCollector(),
		feeds.NewHoneytrapCollector(cfg.HoneytrapAPIURL, cfg.HoneytrapEventsFile),
	}

	var orchEnricher ingest.Enricher
	if enricher != nil {
		orchEnricher = enricher
	}
	orch := ingest.New(st, orchEnricher, collectors, cfg.FeedRefreshInterval, logger)
	go orch.Run(ctx)

	var apiEnricher api.Enricher
	if enricher != nil {
		apiEnricher = enricher
	}
	server := api.NewServer(st, orch, apiEnricher, logger)

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	handler := api.RequestLogger(logger, limiter.Middleware(obs.HTTPMiddleware(server.Routes())))

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildProviders registers every enrichment provider whose configuration
// is present. Missing keys or database paths just leave that provider out.
func buildProviders(cfg *config.Config, logger *slog.Logger) ([]enrich.Provider, func(), error) {
	var providers []enrich.Provider
	cleanup := func() {}

	if cfg.GeoIPCityDB != "" {
		geo, err := enrich.NewGeoIPProvider(cfg.GeoIPCityDB, cfg.GeoIPASNDB)
		if err != nil {
			return nil, cleanup, err
		}
		providers = append(providers, geo)
		cleanup = geo.Close
	} else {
		logger.Info("geoip provider disabled, GEOIP_CITY_DB not set")
	}

	providers = append(providers, enrich.NewDNSProvider(), enrich.NewWhoisProvider())

	if cfg.AbuseIPDBKey != "" {
		providers = append(providers, enrich.NewAbuseIPDBProvider(cfg.AbuseIPDBKey))
	} else {
		logger.Info("abuseipdb provider disabled, ABUSEIPDB_API_KEY not set")
	}

	if cfg.VirusTotalKey != "" {
		providers = append(providers, enrich.NewVirusTotalProvider(cfg.VirusTotalKey))
	} else {
		logger.Info("virustotal provider disabled, VIRUSTOTAL_API_KEY not set")
	}

	return providers, cleanup, nil
}

func seedSources(ctx context.Context, st *store.Store, path string) error {
	seeds, err := config.LoadSources(path)
	if err != nil {
		return err
	}
	for _, seed := range seeds {
		src := model.Source{
			Name:             seed.Name,
			SourceType:       seed.SourceType,
			APIKeyRequired:   seed.APIKeyRequired,
			ReliabilityScore: seed.ReliabilityScore,
			Enabled:          seed.Enabled,
		}
		if seed.URL != "" {
			src.URL = &seed.URL
		}
		if _, err := st.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %s: %w", seed.Name, err)
		}
	}
	slog.Info("source catalog seeded", "count", len(seeds))
	return nil
}
