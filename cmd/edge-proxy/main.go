package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/discourse/discourse-sub105/pkg/anoncache"
	"github.com/discourse/discourse-sub105/pkg/classify"
	"github.com/discourse/discourse-sub105/pkg/logging"
	"github.com/discourse/discourse-sub105/pkg/ratelimit"
	"github.com/discourse/discourse-sub105/pkg/tracker"
)

func main() {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(getEnv("LOG_LEVEL", "info")),
		Pretty: getEnv("LOG_PRETTY", "") != "",
		Output: os.Stderr,
	})
	logger := logging.NewLogger("server")

	addr := ":" + getEnv("PORT", "8080")
	originURL, err := url.Parse(getEnv("ORIGIN_URL", "http://localhost:3000"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid ORIGIN_URL")
	}

	store, err := buildStore(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize cache store")
	}

	classifier := classify.NewClassifier()
	classifier.TrustForwardedFor = getEnv("TRUST_PROXY", "") != ""

	cacheMW := anoncache.New(anoncache.Config{
		Store:       store,
		Classifier:  classifier,
		StripParams: splitList(getEnv("STRIP_PARAMS", "utm_source,utm_medium,utm_campaign")),
		Logger:      logging.NewLogger("anon-cache"),
	})

	// Stack misconfiguration is fatal at startup, never a request-time
	// surprise.
	stack := ratelimit.NewStack()
	minTrust := getEnvInt("MIN_USER_TRUST_LEVEL", ratelimit.DefaultMinTrustLevel)
	for _, candidate := range []ratelimit.Candidate{
		ratelimit.UserCandidate{MinTrustLevel: minTrust},
		ratelimit.IPCandidate{},
	} {
		if err := stack.Use(candidate); err != nil {
			logger.Fatal().Err(err).Msg("Rate limiter stack misconfigured")
		}
	}

	trackerMW := tracker.New(tracker.Config{
		Stack:      stack,
		Classifier: classifier,
		Identify:   tracker.HeaderIdentity("X-User-ID", "X-User-Trust-Level"),
		Reporter:   outcomeLogger(logging.NewLogger("tracker")),
		Logger:     logging.NewLogger("tracker"),
	})

	proxy := httputil.NewSingleHostReverseProxy(originURL)

	r := chi.NewRouter()
	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/admin/cache/flush", flushHandler(store, logger))
	r.Handle("/*", trackerMW.Handler(cacheMW.Handler(proxy)))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("addr", addr).
		Str("origin", originURL.String()).
		Msg("Starting edge proxy")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// buildStore selects the cache backend from CACHE_BACKEND.
func buildStore(logger zerolog.Logger) (anoncache.Store, error) {
	backend := getEnv("CACHE_BACKEND", "memory")
	switch backend {
	case "memory":
		return anoncache.NewMemoryStore(), nil
	case "sqlite":
		return anoncache.NewSQLiteStore(getEnv("SQLITE_PATH", "./anon-cache.db"))
	case "redis":
		redisClient := redis.NewClient(&redis.Options{
			Addr: getEnv("REDIS_URL", "localhost:6379"),
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Str("addr", redisClient.Options().Addr).Msg("Connected to Redis")
		return anoncache.NewRedisStore(redisClient), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// flushHandler invalidates every cached entry, e.g. after a deploy.
func flushHandler(store anoncache.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.ClearAll(r.Context()); err != nil {
			logger.Error().Err(err).Msg("Cache flush failed")
			http.Error(w, "flush failed", http.StatusBadGateway)
			return
		}
		logger.Info().Msg("Anonymous cache flushed")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "flushed")
	}
}

// outcomeLogger reports request outcomes to the debug log.
func outcomeLogger(logger zerolog.Logger) tracker.Reporter {
	return tracker.ReporterFunc(func(outcome anoncache.Outcome, limiter string) {
		logger.Debug().
			Str("outcome", string(outcome)).
			Str("limiter", limiter).
			Msg("Request completed")
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
