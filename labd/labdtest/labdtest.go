// Package labdtest spins up an in-process labd server backed by an
// in-memory Redis, for testing the coordination protocol end to end.
package labdtest

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/coder/quartz"

	"github.com/labforge/labforge/labd"
	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/teardown"
	"github.com/labforge/labforge/labsdk"
	"github.com/labforge/labforge/testutil"
)

// InternalSecret authenticates the returned client for internal-only
// routes.
const InternalSecret = "labdtest-secret"

// Options are optional create parameters for a test instance of labd.
type Options struct {
	Teardown teardown.Teardown
	Clock    quartz.Clock
	// Store replaces the default miniredis-backed store, e.g. to wrap
	// it with fault injection.
	Store                 expstore.Store
	Retention             time.Duration
	CleanupInFlightWindow time.Duration
}

// New constructs an in-memory labd instance and returns a client to
// talk to it.
func New(t *testing.T, options *Options) *labsdk.Client {
	client, _ := NewWithStore(t, options)
	return client
}

// NewWithStore is New, but also returns the underlying expiry store for
// tests that mutate or observe records directly, e.g. reaper tests.
func NewWithStore(t *testing.T, options *Options) (*labsdk.Client, expstore.Store) {
	t.Helper()
	if options == nil {
		options = &Options{}
	}
	if options.Teardown == nil {
		options.Teardown = teardown.Func(func(context.Context, expstore.Lab) error {
			return nil
		})
	}

	store := options.Store
	if store == nil {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() {
			_ = rdb.Close()
		})
		store = expstore.NewRedis(rdb, expstore.RedisOptions{
			Retention: options.Retention,
		})
	}

	handler := labd.New(&labd.Options{
		Logger:                testutil.Logger(t),
		Store:                 store,
		Teardown:              options.Teardown,
		Clock:                 options.Clock,
		InternalSecret:        InternalSecret,
		CleanupInFlightWindow: options.CleanupInFlightWindow,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	serverURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	client := labsdk.New(serverURL)
	client.InternalSecret = InternalSecret
	return client, store
}
