// Package main is the entry point for the feature flag server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply pending migrations.
//  3. Connect to Redis; the cache layer degrades to direct database reads
//     when Redis is unavailable.
//  4. Create the repository, cache, and service.
//  5. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shiv-0101/featureflags/internal/cache"
	"github.com/shiv-0101/featureflags/internal/config"
	"github.com/shiv-0101/featureflags/internal/logging"
	"github.com/shiv-0101/featureflags/internal/metrics"
	"github.com/shiv-0101/featureflags/internal/middleware"
	"github.com/shiv-0101/featureflags/internal/repository"
	"github.com/shiv-0101/featureflags/internal/server"
	"github.com/shiv-0101/featureflags/internal/service"
	"github.com/shiv-0101/featureflags/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	redisPingTimeout      = 3 * time.Second

	// Repeated auth failures per IP per minute before 429s kick in.
	authFailureLimitPerMinute = 10
)

func main() {
	createKeyName := flag.String("create-api-key", "", "create an API key with the given name, print the token, and exit")
	flag.Parse()

	if err := run(*createKeyName); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(createKeyName string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool)

	if createKeyName != "" {
		id, secret, err := repo.CreateAPIKey(ctx, createKeyName)
		if err != nil {
			return fmt.Errorf("create api key: %w", err)
		}
		// The token is shown once; only its hash is stored.
		fmt.Printf("API key %q created.\nToken: %s.%s\n", createKeyName, id, secret)
		return nil
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	redisClient, err := connectRedis(ctx, cfg.RedisURL, log)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	flagCache := cache.New(cacheBackend(redisClient), cfg.CacheTTL, log, m)

	svc, err := service.New(repo, flagCache, log, m)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	evalLimiter := middleware.NewRateLimiter(ctx, cfg.RateLimitPerMinute)
	defer evalLimiter.Stop()
	authLimiter := middleware.NewRateLimiter(ctx, authFailureLimitPerMinute)
	defer authLimiter.Stop()

	handler := server.NewHTTPHandler(svc, server.Options{
		AdminAuth: middleware.HTTPBearerAuth(repo,
			middleware.WithOnAuthFailure(m.AuthFailure),
			middleware.WithFailureLimiter(authLimiter),
		),
		EvalLimiter:  middleware.HTTPRateLimit(evalLimiter, m.RateLimited),
		Instrument:   middleware.HTTPMetrics(m),
		Metrics:      m.Handler(),
		MaxBodyBytes: cfg.MaxJSONBodySize,
	})
	handler = middleware.HTTPRequestLogging(log)(handler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "featureflags-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	defer listener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "addr", cfg.HTTPAddr, "cache_enabled", flagCache.Enabled())

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// connectRedis builds a Redis client from url. An empty url disables caching.
// A client is returned even when the initial ping fails: the cache layer
// treats per-operation errors as misses, so a Redis outage at boot only costs
// read-through performance.
func connectRedis(ctx context.Context, url string, log *slog.Logger) (*redis.Client, error) {
	if url == "" {
		log.Info("REDIS_URL not set, flag cache disabled")
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, continuing without cache warm-up", "error", err)
	}

	return client, nil
}

// cacheBackend converts a possibly-nil client to the cache backend interface
// without producing a non-nil interface around a nil pointer.
func cacheBackend(client *redis.Client) cache.Backend {
	if client == nil {
		return nil
	}
	return client
}
