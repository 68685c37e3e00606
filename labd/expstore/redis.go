package expstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

const keyPrefix = "lab:"

// RedisOptions configures a Redis-backed store.
type RedisOptions struct {
	// Retention is how long a cleaned record is kept before Redis
	// garbage collects it. Zero disables expiration.
	Retention time.Duration
}

type redisStore struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// NewRedis returns a Store backed by the given Redis client.
// Conditional updates are implemented with WATCH/MULTI/EXEC, so they
// are atomic per key without any cross-record locking.
func NewRedis(rdb redis.UniversalClient, options RedisOptions) Store {
	return &redisStore{
		rdb:       rdb,
		retention: options.Retention,
	}
}

func labKey(id string) string {
	return keyPrefix + id
}

func (s *redisStore) GetLab(ctx context.Context, id string) (Lab, error) {
	raw, err := s.rdb.Get(ctx, labKey(id)).Bytes()
	if xerrors.Is(err, redis.Nil) {
		return Lab{}, ErrNotFound
	}
	if err != nil {
		return Lab{}, xerrors.Errorf("get lab %q: %w", id, err)
	}
	var lab Lab
	if err := json.Unmarshal(raw, &lab); err != nil {
		return Lab{}, xerrors.Errorf("unmarshal lab %q: %w", id, err)
	}
	return lab, nil
}

func (s *redisStore) ListLabs(ctx context.Context) ([]Lab, error) {
	labs := []Lab{}
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if xerrors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, xerrors.Errorf("get lab key %q: %w", iter.Val(), err)
		}
		var lab Lab
		if err := json.Unmarshal(raw, &lab); err != nil {
			return nil, xerrors.Errorf("unmarshal lab key %q: %w", iter.Val(), err)
		}
		labs = append(labs, lab)
	}
	if err := iter.Err(); err != nil {
		return nil, xerrors.Errorf("scan labs: %w", err)
	}
	return labs, nil
}

func (s *redisStore) InsertLab(ctx context.Context, lab Lab) error {
	key := labKey(lab.ID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && !xerrors.Is(err, redis.Nil) {
			return xerrors.Errorf("get lab %q: %w", lab.ID, err)
		}
		if err == nil {
			var existing Lab
			if err := json.Unmarshal(raw, &existing); err != nil {
				return xerrors.Errorf("unmarshal lab %q: %w", lab.ID, err)
			}
			// A cleaned record only lingers for the retention window
			// and does not block re-registration of the same ID.
			if existing.CleanupState != CleanupStateCleaned {
				return ErrAlreadyExists
			}
		}
		data, err := json.Marshal(lab)
		if err != nil {
			return xerrors.Errorf("marshal lab %q: %w", lab.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if xerrors.Is(err, redis.TxFailedErr) {
		return ErrAlreadyExists
	}
	return err
}

func (s *redisStore) UpdateLab(ctx context.Context, id string, expect CleanupState, mutate func(*Lab) error) (Lab, error) {
	var updated Lab
	key := labKey(id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if xerrors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return xerrors.Errorf("get lab %q: %w", id, err)
		}
		var lab Lab
		if err := json.Unmarshal(raw, &lab); err != nil {
			return xerrors.Errorf("unmarshal lab %q: %w", id, err)
		}
		if expect != CleanupStateAny && lab.CleanupState != expect {
			return ErrStateConflict
		}
		if err := mutate(&lab); err != nil {
			return err
		}
		data, err := json.Marshal(lab)
		if err != nil {
			return xerrors.Errorf("marshal lab %q: %w", id, err)
		}
		// Apply the retention window once the record reaches the
		// cleaned state. Records in every other state never expire on
		// their own; the reaper keeps them visible until acted upon.
		expiration := time.Duration(redis.KeepTTL)
		if lab.CleanupState == CleanupStateCleaned && s.retention > 0 {
			expiration = s.retention
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, expiration)
			return nil
		})
		if err != nil {
			return err
		}
		updated = lab
		return nil
	}, key)
	if xerrors.Is(err, redis.TxFailedErr) {
		// A concurrent writer modified the record between our read and
		// write. The caller must re-read before retrying.
		return Lab{}, ErrStateConflict
	}
	if err != nil {
		return Lab{}, err
	}
	return updated, nil
}

func (s *redisStore) DeleteLab(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, labKey(id)).Result()
	if err != nil {
		return xerrors.Errorf("delete lab %q: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
