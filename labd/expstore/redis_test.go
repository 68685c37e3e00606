package expstore_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/labforge/labforge/labd/expstore"
	"github.com/labforge/labforge/testutil"
)

func newStore(t *testing.T, options expstore.RedisOptions) (expstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	return expstore.NewRedis(rdb, options), mr
}

func testLab(id string) expstore.Lab {
	now := time.Now().UTC().Truncate(time.Second)
	return expstore.Lab{
		ID:            id,
		Name:          "basic",
		CloudProvider: "aws",
		Email:         "student@example.com",
		Username:      "student" + id,
		Status:        expstore.ProvisionStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
		CleanupState:  expstore.CleanupStateActive,
	}
}

func TestRedisStore_InsertGet(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, _ := newStore(t, expstore.RedisOptions{})

	lab := testLab("l1")
	require.NoError(t, store.InsertLab(ctx, lab))

	got, err := store.GetLab(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, lab, got)

	_, err = store.GetLab(ctx, "nope")
	require.ErrorIs(t, err, expstore.ErrNotFound)
}

func TestRedisStore_InsertDuplicate(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, _ := newStore(t, expstore.RedisOptions{})

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))
	err := store.InsertLab(ctx, testLab("l1"))
	require.ErrorIs(t, err, expstore.ErrAlreadyExists)

	// A cleaned record does not block re-registration.
	_, err = store.UpdateLab(ctx, "l1", expstore.CleanupStateAny, func(lab *expstore.Lab) error {
		lab.CleanupState = expstore.CleanupStateCleaned
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, store.InsertLab(ctx, testLab("l1")))
}

func TestRedisStore_List(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, _ := newStore(t, expstore.RedisOptions{})

	labs, err := store.ListLabs(ctx)
	require.NoError(t, err)
	require.Empty(t, labs)

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))
	require.NoError(t, store.InsertLab(ctx, testLab("l2")))

	labs, err = store.ListLabs(ctx)
	require.NoError(t, err)
	require.Len(t, labs, 2)
}

func TestRedisStore_UpdateExpectState(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, _ := newStore(t, expstore.RedisOptions{})

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))

	// Expectation holds.
	updated, err := store.UpdateLab(ctx, "l1", expstore.CleanupStateActive, func(lab *expstore.Lab) error {
		lab.CleanupState = expstore.CleanupStatePendingCleanup
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, expstore.CleanupStatePendingCleanup, updated.CleanupState)

	// Expectation no longer holds.
	_, err = store.UpdateLab(ctx, "l1", expstore.CleanupStateActive, func(lab *expstore.Lab) error {
		lab.ExpiresAt = lab.ExpiresAt.Add(time.Hour)
		return nil
	})
	require.ErrorIs(t, err, expstore.ErrStateConflict)

	_, err = store.UpdateLab(ctx, "missing", expstore.CleanupStateActive, func(*expstore.Lab) error {
		return nil
	})
	require.ErrorIs(t, err, expstore.ErrNotFound)
}

func TestRedisStore_UpdateMutateRejects(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, _ := newStore(t, expstore.RedisOptions{})

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))

	// Mutate aborts the write; the record stays untouched and the
	// rejection is returned verbatim.
	rejected := xerrors.New("keep your hands off")
	_, err := store.UpdateLab(ctx, "l1", expstore.CleanupStateAny, func(lab *expstore.Lab) error {
		lab.CleanupAttempts = 99
		return rejected
	})
	require.ErrorIs(t, err, rejected)

	got, err := store.GetLab(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, 0, got.CleanupAttempts)
}

func TestRedisStore_UpdateConcurrent(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	store, _ := newStore(t, expstore.RedisOptions{})

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))

	// Each goroutine retries its conditional update until it wins. If
	// the compare-and-set ever applied to a stale read, the final
	// counter would fall short.
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := store.UpdateLab(ctx, "l1", expstore.CleanupStateActive, func(lab *expstore.Lab) error {
					lab.CleanupAttempts++
					return nil
				})
				if err == nil {
					return
				}
				if !xerrors.Is(err, expstore.ErrStateConflict) {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := store.GetLab(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, writers, got.CleanupAttempts)
}

func TestRedisStore_RetentionAfterCleaned(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, mr := newStore(t, expstore.RedisOptions{Retention: time.Hour})

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))
	require.Equal(t, time.Duration(0), mr.TTL("lab:l1"))

	_, err := store.UpdateLab(ctx, "l1", expstore.CleanupStateActive, func(lab *expstore.Lab) error {
		lab.CleanupState = expstore.CleanupStateCleaned
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, time.Hour, mr.TTL("lab:l1"))

	// The record is garbage collected once the retention window
	// elapses.
	mr.FastForward(2 * time.Hour)
	_, err = store.GetLab(ctx, "l1")
	require.ErrorIs(t, err, expstore.ErrNotFound)
}

func TestRedisStore_Delete(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	store, _ := newStore(t, expstore.RedisOptions{})

	require.NoError(t, store.InsertLab(ctx, testLab("l1")))
	require.NoError(t, store.DeleteLab(ctx, "l1"))
	require.ErrorIs(t, store.DeleteLab(ctx, "l1"), expstore.ErrNotFound)
}
