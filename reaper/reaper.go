// Package reaper drives convergence between "expired" and "cleaned".
// It periodically scans the expiry store for labs past their lease and
// invokes the labd cleanup API for each, with exponential backoff
// between failed attempts and a retry ceiling. Correctness does not
// depend on only one reaper running: the cleanup API is idempotent and
// all state transitions are conditional updates, so overlapping reapers
// cannot tear a lab down twice.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labsdk"
)

// Options tune the scan and retry policy.
type Options struct {
	// MaxAttempts is the retry ceiling. A lab whose cleanup has failed
	// this many times is no longer retried automatically; it stays
	// visible as cleanup_failed until manually resolved.
	MaxAttempts int
	// BaseBackoff and BackoffCap bound the exponential spacing between
	// retries of a failing teardown: base * 2^attempts, capped.
	BaseBackoff time.Duration
	BackoffCap  time.Duration
	// WorkerConcurrency bounds parallel cleanup invocations per scan,
	// to avoid overwhelming the backend.
	WorkerConcurrency int
	// RequestTimeout bounds each cleanup invocation. A timed-out call
	// is treated as a failure and retried; the server-side cleanup may
	// still complete, which is safe because the API is idempotent.
	RequestTimeout time.Duration

	PrometheusRegistry *prometheus.Registry
}

// Reaper periodically tears down expired labs.
type Reaper struct {
	ctx     context.Context
	store   expstore.Store
	client  *labsdk.Client
	log     slog.Logger
	tick    <-chan time.Time
	options Options
	statsCh chan<- Stats
	metrics metrics
}

// Stats contains information about one run of Reaper.
type Stats struct {
	// Transitions maps the resulting cleanup state of every lab acted
	// on this cycle.
	Transitions map[string]expstore.CleanupState
	Elapsed     time.Duration
	Error       error
}

type metrics struct {
	scansTotal    prometheus.Counter
	scanErrors    prometheus.Counter
	labsCleaned   prometheus.Counter
	cleanupErrors prometheus.Counter
	labsAbandoned prometheus.Counter
}

// New returns a Reaper that scans on every tick from its channel.
func New(ctx context.Context, store expstore.Store, client *labsdk.Client, log slog.Logger, tick <-chan time.Time, options Options) *Reaper {
	if options.MaxAttempts == 0 {
		options.MaxAttempts = 3
	}
	if options.BaseBackoff == 0 {
		options.BaseBackoff = 30 * time.Second
	}
	if options.BackoffCap == 0 {
		options.BackoffCap = 15 * time.Minute
	}
	if options.WorkerConcurrency == 0 {
		options.WorkerConcurrency = 10
	}
	if options.RequestTimeout == 0 {
		options.RequestTimeout = 30 * time.Second
	}
	if options.PrometheusRegistry == nil {
		options.PrometheusRegistry = prometheus.NewRegistry()
	}
	factory := promauto.With(options.PrometheusRegistry)
	return &Reaper{
		ctx:     ctx,
		store:   store,
		client:  client,
		log:     log.Named("reaper"),
		tick:    tick,
		options: options,
		metrics: metrics{
			scansTotal: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "labreaper", Name: "scans_total",
				Help: "Number of scan cycles executed.",
			}),
			scanErrors: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "labreaper", Name: "scan_errors_total",
				Help: "Number of scan cycles that failed to list the expiry store.",
			}),
			labsCleaned: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "labreaper", Name: "labs_cleaned_total",
				Help: "Number of successful cleanup invocations.",
			}),
			cleanupErrors: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "labreaper", Name: "cleanup_errors_total",
				Help: "Number of failed cleanup invocations.",
			}),
			labsAbandoned: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "labreaper", Name: "labs_abandoned_total",
				Help: "Number of labs observed past the retry ceiling, awaiting manual intervention.",
			}),
		},
	}
}

// WithStatsChannel will cause Reaper to push a Stats to ch after every
// tick.
func (r *Reaper) WithStatsChannel(ch chan<- Stats) *Reaper {
	r.statsCh = ch
	return r
}

// Run will cause the reaper to scan for expired labs on every tick from
// its channel. It will stop when its context is Done, or when its
// channel is closed.
func (r *Reaper) Run() {
	go func() {
		for {
			select {
			case <-r.ctx.Done():
				return
			case t, ok := <-r.tick:
				if !ok {
					return
				}
				stats := r.runOnce(t)
				if stats.Error != nil {
					r.log.Error(r.ctx, "error running once", slog.Error(stats.Error))
				}
				if r.statsCh != nil {
					select {
					case <-r.ctx.Done():
						return
					case r.statsCh <- stats:
					}
				}
				r.log.Debug(r.ctx, "run stats",
					slog.F("elapsed", stats.Elapsed),
					slog.F("transitions", stats.Transitions),
				)
			}
		}
	}()
}

func (r *Reaper) runOnce(t time.Time) Stats {
	var err error
	stats := Stats{
		Transitions: make(map[string]expstore.CleanupState),
	}
	// Transitions are recorded concurrently, so a mutex serializes
	// writes to the map.
	statsMu := sync.Mutex{}
	defer func() {
		stats.Elapsed = time.Since(t)
		stats.Error = err
	}()
	now := t.UTC()
	r.metrics.scansTotal.Inc()

	labs, err := r.store.ListLabs(r.ctx)
	if err != nil {
		// Store unavailability fails the whole cycle; it is retried in
		// full at the next tick.
		r.metrics.scanErrors.Inc()
		err = xerrors.Errorf("list labs: %w", err)
		return stats
	}

	eg := errgroup.Group{}
	eg.SetLimit(r.options.WorkerConcurrency)

	for _, lab := range labs {
		if !lab.EligibleForCleanup(now) {
			continue
		}
		lab := lab
		log := r.log.With(slog.F("lab_id", lab.ID))

		// We only use errgroup for the concurrency limit, not early
		// cancellation, so the eg.Go funcs only return nil errors.
		eg.Go(func() error {
			if lab.CleanupAttempts >= r.options.MaxAttempts {
				// Not silently dropped: the record stays visible as
				// cleanup_failed, and every scan surfaces it until an
				// operator acts on it.
				r.metrics.labsAbandoned.Inc()
				log.Error(r.ctx, "lab exceeded max cleanup attempts, needs manual intervention",
					slog.F("cleanup_attempts", lab.CleanupAttempts),
					slog.F("max_attempts", r.options.MaxAttempts),
				)
				return nil
			}
			if wait, ok := r.nextAttemptAfter(lab, now); ok {
				log.Debug(r.ctx, "lab in cleanup backoff, skipping",
					slog.F("cleanup_attempts", lab.CleanupAttempts),
					slog.F("retry_at", wait),
				)
				return nil
			}

			// No claim happens here. The cleanup API claims the
			// record atomically with its eligibility checks, so
			// overlapping reaper instances resolve there: one call
			// tears down, the rest return success without touching
			// the lab.
			callCtx, cancel := context.WithTimeout(r.ctx, r.options.RequestTimeout)
			defer cancel()
			cerr := r.client.CleanupLab(callCtx, lab.ID)
			if cerr != nil {
				r.metrics.cleanupErrors.Inc()
				log.Warn(r.ctx, "cleanup invocation failed", slog.Error(cerr))
				statsMu.Lock()
				stats.Transitions[lab.ID] = expstore.CleanupStateFailed
				statsMu.Unlock()
				return nil
			}

			r.metrics.labsCleaned.Inc()
			log.Info(r.ctx, "lab cleanup succeeded")
			statsMu.Lock()
			stats.Transitions[lab.ID] = expstore.CleanupStateCleaned
			statsMu.Unlock()
			return nil
		})
	}

	// This should not happen since we don't want early cancellation.
	if werr := eg.Wait(); werr != nil {
		r.log.Error(r.ctx, "reaper errgroup failed", slog.Error(werr))
	}
	return stats
}

// nextAttemptAfter enforces minimum spacing between cleanup invocations
// for the same lab: never before last_attempt_at + base * 2^attempts,
// capped.
func (r *Reaper) nextAttemptAfter(lab expstore.Lab, now time.Time) (time.Time, bool) {
	if lab.LastAttemptAt.IsZero() {
		return time.Time{}, false
	}
	backoff := r.options.BaseBackoff
	for i := 0; i < lab.CleanupAttempts; i++ {
		backoff *= 2
		if backoff >= r.options.BackoffCap {
			backoff = r.options.BackoffCap
			break
		}
	}
	at := lab.LastAttemptAt.Add(backoff)
	if now.Before(at) {
		return at, true
	}
	return time.Time{}, false
}
