package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/retry"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labsdk"
	"github.com/labforge/labforge/reaper"
)

func main() {
	err := root().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func root() *cobra.Command {
	var (
		labdURL        string
		redisURL       string
		internalSecret string
		interval       time.Duration
		maxAttempts    int
		baseBackoff    time.Duration
		backoffCap     time.Duration
		concurrency    int
		requestTimeout time.Duration
		metricsAddress string
	)
	root := &cobra.Command{
		Use:          "labreaper",
		Short:        "Scans the expiry store and triggers cleanup of expired labs.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelDebug)

			rdb, err := dialRedis(ctx, logger, redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			serverURL, err := url.Parse(labdURL)
			if err != nil {
				return xerrors.Errorf("parse labd url: %w", err)
			}
			client := labsdk.New(serverURL)
			client.InternalSecret = internalSecret

			registry := prometheus.NewRegistry()
			if metricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddress, Handler: mux}
				go func() {
					err := srv.ListenAndServe()
					if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
						logger.Error(ctx, "serve metrics", slog.Error(err))
					}
				}()
				defer srv.Close()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			store := expstore.NewRedis(rdb, expstore.RedisOptions{})
			r := reaper.New(ctx, store, client, logger, ticker.C, reaper.Options{
				MaxAttempts:        maxAttempts,
				BaseBackoff:        baseBackoff,
				BackoffCap:         backoffCap,
				WorkerConcurrency:  concurrency,
				RequestTimeout:     requestTimeout,
				PrometheusRegistry: registry,
			})
			r.Run()
			logger.Info(ctx, "labreaper started", slog.F("interval", interval))

			<-ctx.Done()
			return ctx.Err()
		},
	}
	root.Flags().StringVar(&labdURL, "labd-url", envOr("LABREAPER_LABD_URL", "http://127.0.0.1:3000"), "The URL of the labd API.")
	root.Flags().StringVar(&redisURL, "redis-url", envOr("LABREAPER_REDIS_URL", "redis://127.0.0.1:6379/0"), "The URL of the Redis expiry store.")
	root.Flags().StringVar(&internalSecret, "internal-secret", os.Getenv("LABREAPER_INTERNAL_SECRET"), "Shared secret for labd internal routes.")
	root.Flags().DurationVar(&interval, "interval", 30*time.Second, "How often to scan the expiry store for expired labs.")
	root.Flags().IntVar(&maxAttempts, "max-attempts", 3, "How many failed cleanup attempts before a lab is abandoned for manual intervention.")
	root.Flags().DurationVar(&baseBackoff, "base-backoff", 30*time.Second, "Delay before the first cleanup retry, doubled each failure.")
	root.Flags().DurationVar(&backoffCap, "backoff-cap", 15*time.Minute, "Upper bound on the retry delay.")
	root.Flags().IntVar(&concurrency, "concurrency", 10, "How many labs to clean up concurrently per scan.")
	root.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "Timeout on each cleanup request to labd.")
	root.Flags().StringVar(&metricsAddress, "metrics-address", os.Getenv("LABREAPER_METRICS_ADDRESS"), "If set, serve Prometheus metrics on this address.")
	return root
}

func dialRedis(ctx context.Context, logger slog.Logger, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, xerrors.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	for r := retry.New(250*time.Millisecond, 5*time.Second); ; {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			return rdb, nil
		}
		logger.Warn(ctx, "expiry store not ready", slog.Error(err))
		if !r.Wait(ctx) {
			_ = rdb.Close()
			return nil, xerrors.Errorf("ping redis: %w", err)
		}
	}
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
