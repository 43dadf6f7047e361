package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kevinxiao27/canvas-sync/ol"
)

// RedisStore keeps each project's history under canvas:project:<id>. A zero
// ttl keeps keys forever.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func projectKey(projectID string) string {
	return "canvas:project:" + projectID
}

func (s *RedisStore) Load(ctx context.Context, projectID string) (ol.Snapshot, error) {
	body, err := s.rdb.Get(ctx, projectKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ol.Snapshot{}, fmt.Errorf("load %s: %w", projectID, ErrNotFound)
	}
	if err != nil {
		return ol.Snapshot{}, fmt.Errorf("load %s: %w", projectID, err)
	}
	return decode(projectID, body)
}

func (s *RedisStore) Save(ctx context.Context, snapshot ol.Snapshot) error {
	body, err := encode(snapshot)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, projectKey(snapshot.ProjectID), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("save %s: %w", snapshot.ProjectID, err)
	}
	return nil
}

// appendAttempts bounds the optimistic retries of Append under contention.
const appendAttempts = 10

// Append watches the project key and writes the extended history in a
// MULTI/EXEC block, retrying when another writer got there first.
func (s *RedisStore) Append(ctx context.Context, projectID string, ops []ol.Operation) error {
	key := projectKey(projectID)
	txf := func(tx *redis.Tx) error {
		snapshot := ol.Snapshot{ProjectID: projectID}
		body, err := tx.Get(ctx, key).Bytes()
		exists := err == nil
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if snapshot, err = decode(projectID, body); err != nil {
				return err
			}
		}
		snapshot, added := appendOps(snapshot, ops)
		if exists && added == 0 {
			return nil
		}
		if body, err = encode(snapshot); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, s.ttl)
			return nil
		})
		return err
	}

	for range appendAttempts {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append %s: %w", projectID, err)
		}
		return nil
	}
	return fmt.Errorf("append %s: %w", projectID, redis.TxFailedErr)
}

func (s *RedisStore) Delete(ctx context.Context, projectID string) error {
	if err := s.rdb.Del(ctx, projectKey(projectID)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", projectID, err)
	}
	return nil
}
