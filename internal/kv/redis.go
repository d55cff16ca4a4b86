package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// watchRetries bounds the optimistic transaction retry loop in Update.
// Contention on a single license key is rare; five attempts is generous.
const watchRetries = 5

// RedisStore implements Store on top of a Redis server.
type RedisStore struct {
	client *redis.Client
}

// Connect dials the Redis backend. Accepts either a full redis:// URL or a
// bare host:port address.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisStore wraps an established client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Update runs fn inside a WATCH/MULTI optimistic transaction. If another
// writer touches the key between our read and write, Redis fails the EXEC and
// the transaction is retried with a fresh read.
func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < watchRetries; i++ {
		fnErr = nil
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	if errors.Is(err, redis.TxFailedErr) {
		// Pure contention, not an outage: the retry budget ran out because
		// the key kept changing.
		return ErrConflict
	}
	return unavailable(err)
}

func (s *RedisStore) RPush(ctx context.Context, key string, value []byte) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
