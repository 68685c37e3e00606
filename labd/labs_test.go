package labd_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/labd/labdtest"
	"github.com/labforge/labforge/labsdk"
	"github.com/labforge/labforge/testutil"
)

func TestPostLab(t *testing.T) {
	t.Parallel()

	t.Run("Create", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		created, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
			Name:          "netsec-101",
			CloudProvider: "aws",
			Email:         "student@example.com",
			TTLMillis:     time.Hour.Milliseconds(),
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.Lab.ID)
		require.True(t, strings.HasPrefix(created.Lab.Username, "student-"))
		require.NotEmpty(t, created.Password)
		require.Equal(t, expstore.ProvisionStatusPending, created.Lab.Status)
		require.Equal(t, expstore.CleanupStateActive, created.Lab.CleanupState)
		require.WithinDuration(t, created.Lab.CreatedAt.Add(time.Hour), created.Lab.ExpiresAt, time.Second)

		// The password is returned once at creation and never again.
		lab, err := client.Lab(ctx, created.Lab.ID)
		require.NoError(t, err)
		require.Equal(t, created.Lab.ID, lab.ID)
	})

	t.Run("Duplicate", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		req := labsdk.CreateLabRequest{
			ID:            "lab-dup",
			Name:          "netsec-101",
			CloudProvider: "aws",
			Email:         "student@example.com",
			TTLMillis:     time.Hour.Milliseconds(),
		}
		_, err := client.CreateLab(ctx, req)
		require.NoError(t, err)

		_, err = client.CreateLab(ctx, req)
		apiErr, ok := labsdk.AsError(err)
		require.True(t, ok)
		require.Equal(t, http.StatusConflict, apiErr.StatusCode())
	})

	t.Run("ReuseIDAfterCleaned", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client, store := labdtest.NewWithStore(t, nil)

		req := labsdk.CreateLabRequest{
			ID:            "lab-reuse",
			Name:          "netsec-101",
			CloudProvider: "gcp",
			Email:         "student@example.com",
			TTLMillis:     time.Hour.Milliseconds(),
		}
		_, err := client.CreateLab(ctx, req)
		require.NoError(t, err)
		_, err = store.UpdateLab(ctx, req.ID, expstore.CleanupStateActive, func(lab *expstore.Lab) error {
			lab.CleanupState = expstore.CleanupStateCleaned
			return nil
		})
		require.NoError(t, err)

		// A cleaned leftover does not block re-registration.
		created, err := client.CreateLab(ctx, req)
		require.NoError(t, err)
		require.Equal(t, expstore.CleanupStateActive, created.Lab.CleanupState)
	})

	t.Run("Invalid", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		_, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
			Name:          "netsec-101",
			CloudProvider: "digitalocean",
			Email:         "not-an-email",
			TTLMillis:     0,
		})
		apiErr, ok := labsdk.AsError(err)
		require.True(t, ok)
		require.Equal(t, http.StatusBadRequest, apiErr.StatusCode())
		require.NotEmpty(t, apiErr.Errors)
	})
}

func TestPutLabRenew(t *testing.T) {
	t.Parallel()

	t.Run("ExtendsLease", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		created, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
			Name:          "netsec-101",
			CloudProvider: "aws",
			Email:         "student@example.com",
			TTLMillis:     time.Hour.Milliseconds(),
		})
		require.NoError(t, err)

		renewed, err := client.RenewLab(ctx, created.Lab.ID, labsdk.RenewLabRequest{
			TTLMillis: (4 * time.Hour).Milliseconds(),
		})
		require.NoError(t, err)
		require.True(t, renewed.ExpiresAt.After(created.Lab.ExpiresAt))
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		_, err := client.RenewLab(ctx, "lab-missing", labsdk.RenewLabRequest{
			TTLMillis: time.Hour.Milliseconds(),
		})
		apiErr, ok := labsdk.AsError(err)
		require.True(t, ok)
		require.Equal(t, http.StatusNotFound, apiErr.StatusCode())
	})

	t.Run("AlreadyExpiring", func(t *testing.T) {
		t.Parallel()

		// Renewal must fail for every non-active state. A lab
		// mid-teardown, already cleaned, or awaiting a retry cannot
		// be resurrected.
		for _, state := range []expstore.CleanupState{
			expstore.CleanupStatePendingCleanup,
			expstore.CleanupStateCleaned,
			expstore.CleanupStateFailed,
		} {
			state := state
			t.Run(string(state), func(t *testing.T) {
				t.Parallel()
				ctx := testutil.Context(t, testutil.WaitShort)
				client, store := labdtest.NewWithStore(t, nil)

				created, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
					Name:          "netsec-101",
					CloudProvider: "azure",
					Email:         "student@example.com",
					TTLMillis:     time.Hour.Milliseconds(),
				})
				require.NoError(t, err)
				_, err = store.UpdateLab(ctx, created.Lab.ID, expstore.CleanupStateActive, func(lab *expstore.Lab) error {
					lab.CleanupState = state
					return nil
				})
				require.NoError(t, err)

				_, err = client.RenewLab(ctx, created.Lab.ID, labsdk.RenewLabRequest{
					TTLMillis: time.Hour.Milliseconds(),
				})
				apiErr, ok := labsdk.AsError(err)
				require.True(t, ok)
				require.Equal(t, http.StatusConflict, apiErr.StatusCode())
			})
		}
	})
}

func TestPutLabStatus(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := labdtest.New(t, nil)

	created, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
		Name:          "netsec-101",
		CloudProvider: "aws",
		Email:         "student@example.com",
		TTLMillis:     time.Hour.Milliseconds(),
	})
	require.NoError(t, err)

	updated, err := client.UpdateLabStatus(ctx, created.Lab.ID, labsdk.UpdateLabStatusRequest{
		Status: expstore.ProvisionStatusReady,
	})
	require.NoError(t, err)
	require.Equal(t, expstore.ProvisionStatusReady, updated.Status)

	// Provisioning callbacks retry, so marking ready twice is a no-op.
	updated, err = client.UpdateLabStatus(ctx, created.Lab.ID, labsdk.UpdateLabStatusRequest{
		Status: expstore.ProvisionStatusReady,
	})
	require.NoError(t, err)
	require.Equal(t, expstore.ProvisionStatusReady, updated.Status)
}

// vanishingStore deletes the record just before every conditional
// update, simulating garbage collection between a handler's read and
// its write.
type vanishingStore struct {
	expstore.Store
}

func (s vanishingStore) UpdateLab(ctx context.Context, id string, expect expstore.CleanupState, mutate func(*expstore.Lab) error) (expstore.Lab, error) {
	_ = s.Store.DeleteLab(ctx, id)
	return s.Store.UpdateLab(ctx, id, expect, mutate)
}

func TestPutLabStatusRecordVanishes(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	client := labdtest.New(t, &labdtest.Options{
		Store: vanishingStore{Store: expstore.NewRedis(rdb, expstore.RedisOptions{})},
	})

	created := createLab(ctx, t, client)
	_, err := client.UpdateLabStatus(ctx, created.Lab.ID, labsdk.UpdateLabStatusRequest{
		Status: expstore.ProvisionStatusReady,
	})
	apiErr, ok := labsdk.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode())
}

func TestGetLab(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := labdtest.New(t, nil)

	_, err := client.Lab(ctx, "lab-missing")
	apiErr, ok := labsdk.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode())
}

func TestLabs(t *testing.T) {
	t.Parallel()

	t.Run("List", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		for _, name := range []string{"netsec-101", "netsec-102"} {
			_, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
				Name:          name,
				CloudProvider: "aws",
				Email:         "student@example.com",
				TTLMillis:     time.Hour.Milliseconds(),
			})
			require.NoError(t, err)
		}

		labs, err := client.Labs(ctx)
		require.NoError(t, err)
		require.Len(t, labs, 2)
	})

	t.Run("RequiresInternalSecret", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := labdtest.New(t, nil)

		anon := labsdk.New(client.URL)
		_, err := anon.Labs(ctx)
		apiErr, ok := labsdk.AsError(err)
		require.True(t, ok)
		require.Equal(t, http.StatusForbidden, apiErr.StatusCode())
	})
}

func TestDeleteLab(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := labdtest.New(t, nil)

	created, err := client.CreateLab(ctx, labsdk.CreateLabRequest{
		Name:          "netsec-101",
		CloudProvider: "aws",
		Email:         "student@example.com",
		TTLMillis:     time.Hour.Milliseconds(),
	})
	require.NoError(t, err)

	err = client.DeleteLab(ctx, created.Lab.ID)
	require.NoError(t, err)

	_, err = client.Lab(ctx, created.Lab.ID)
	apiErr, ok := labsdk.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode())

	err = client.DeleteLab(ctx, created.Lab.ID)
	apiErr, ok = labsdk.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode())
}
