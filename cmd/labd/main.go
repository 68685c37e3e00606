package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/retry"

	"github.com/labforge/labforge/labd"
	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/teardown"
)

func main() {
	err := root().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func root() *cobra.Command {
	var (
		address        string
		redisURL       string
		internalSecret string
		retention      time.Duration
		inFlightWindow time.Duration
		githubToken    string
		githubRepo     string
		workflowSuffix string
		workflowRef    string
	)
	root := &cobra.Command{
		Use:          "labd",
		Short:        "Backend for student lab lifecycle and cleanup coordination.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(slog.LevelDebug)

			rdb, err := dialRedis(ctx, logger, redisURL)
			if err != nil {
				return err
			}
			defer rdb.Close()

			var td teardown.Teardown
			if githubRepo != "" {
				td, err = teardown.NewGithubWorkflow(teardown.GithubWorkflowOptions{
					Token:          githubToken,
					Repo:           githubRepo,
					WorkflowSuffix: workflowSuffix,
					Ref:            workflowRef,
				})
				if err != nil {
					return xerrors.Errorf("create teardown: %w", err)
				}
			} else {
				logger.Warn(ctx, "no github repo configured, lab teardown is a no-op")
				td = teardown.Func(func(ctx context.Context, lab expstore.Lab) error {
					logger.Warn(ctx, "skipping teardown, no github repo configured", slog.F("lab_id", lab.ID))
					return nil
				})
			}

			handler := labd.New(&labd.Options{
				Logger: logger,
				Store: expstore.NewRedis(rdb, expstore.RedisOptions{
					Retention: retention,
				}),
				Teardown:              td,
				InternalSecret:        internalSecret,
				CleanupInFlightWindow: inFlightWindow,
				PrometheusRegistry:    prometheus.NewRegistry(),
			})

			listener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen %q: %w", address, err)
			}
			defer listener.Close()
			logger.Info(ctx, "labd listening", slog.F("address", address))

			errCh := make(chan error)
			go func() {
				defer close(errCh)
				errCh <- http.Serve(listener, handler)
			}()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-errCh:
				return err
			}
		},
	}
	root.Flags().StringVarP(&address, "address", "a", envOr("LABD_ADDRESS", "127.0.0.1:3000"), "The address to serve the API on.")
	root.Flags().StringVar(&redisURL, "redis-url", envOr("LABD_REDIS_URL", "redis://127.0.0.1:6379/0"), "The URL of the Redis expiry store.")
	root.Flags().StringVar(&internalSecret, "internal-secret", os.Getenv("LABD_INTERNAL_SECRET"), "Shared secret protecting internal routes (cleanup, listing, deletion).")
	root.Flags().DurationVar(&retention, "retention", 24*time.Hour, "How long cleaned lab records are retained before garbage collection.")
	root.Flags().DurationVar(&inFlightWindow, "cleanup-inflight-window", time.Minute, "How long a claimed cleanup suppresses overlapping teardown attempts.")
	root.Flags().StringVar(&githubToken, "github-token", os.Getenv("LABD_GITHUB_TOKEN"), "Token used to dispatch lab destroy workflows.")
	root.Flags().StringVar(&githubRepo, "github-repo", os.Getenv("LABD_GITHUB_REPO"), "The owner/name repository holding lab workflows.")
	root.Flags().StringVar(&workflowSuffix, "github-workflow-suffix", envOr("LABD_GITHUB_WORKFLOW_SUFFIX", "-lab.yaml"), "Suffix appended to the cloud provider to form the workflow file name.")
	root.Flags().StringVar(&workflowRef, "github-workflow-ref", envOr("LABD_GITHUB_WORKFLOW_REF", "main"), "Git ref the destroy workflow runs on.")
	return root
}

// dialRedis waits for the expiry store to become reachable. Redis
// restarting must not take labd down with it.
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
