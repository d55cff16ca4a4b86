package kv

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// txIntercept fires before every MULTI/EXEC pipeline on the hooked client,
// letting tests slip a competing write between a transaction's read and its
// commit.
type txIntercept struct {
	before func()
}

func (h *txIntercept) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *txIntercept) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *txIntercept) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.before()
		return next(ctx, cmds)
	}
}

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("redis url", func(t *testing.T) {
		client, err := Connect(ctx, "redis://localhost:6379/0")
		require.NoError(t, err)
		assert.Equal(t, "localhost:6379", client.Options().Addr)
	})

	t.Run("bare address", func(t *testing.T) {
		client, err := Connect(ctx, "redis.internal:6380")
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", client.Options().Addr)
	})

	t.Run("malformed url", func(t *testing.T) {
		_, err := Connect(ctx, "redis://bad url with spaces")
		assert.Error(t, err)
	})
}

func TestRedisStoreGetSet(t *testing.T) {
	s := newTestRedis(t)
	ctx := context.Background()

	val, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val, "redis.Nil maps to absent, not error")

	require.NoError(t, s.Set(ctx, "k", []byte("v1")))
	val, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestRedisStoreUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("creates when absent", func(t *testing.T) {
		s := newTestRedis(t)
		err := s.Update(ctx, "new", func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte("created"), nil
		})
		require.NoError(t, err)

		val, err := s.Get(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, []byte("created"), val)
	})

	t.Run("transforms existing value", func(t *testing.T) {
		s := newTestRedis(t)
		require.NoError(t, s.Set(ctx, "k", []byte("old")))
		err := s.Update(ctx, "k", func(current []byte) ([]byte, error) {
			assert.Equal(t, []byte("old"), current)
			return []byte("new"), nil
		})
		require.NoError(t, err)

		val, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), val)
	})

	t.Run("re-invokes fn with a fresh read after losing the race", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		rival := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rival.Close() })
		s := NewRedisStore(client)

		require.NoError(t, rival.Set(ctx, "k", "old", 0).Err())

		injected := false
		client.AddHook(&txIntercept{before: func() {
			if !injected {
				injected = true
				require.NoError(t, rival.Set(ctx, "k", "rival", 0).Err())
			}
		}})

		var seen []string
		err := s.Update(ctx, "k", func(current []byte) ([]byte, error) {
			seen = append(seen, string(current))
			return append(current, '+'), nil
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"old", "rival"}, seen,
			"second invocation must see the competing write, not the first read")
		val, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("rival+"), val)
	})

	t.Run("exhausted retries report conflict, not outage", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		rival := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rival.Close() })
		s := NewRedisStore(client)

		require.NoError(t, rival.Set(ctx, "k", "v", 0).Err())

		n := 0
		client.AddHook(&txIntercept{before: func() {
			n++
			require.NoError(t, rival.Set(ctx, "k", []byte{byte(n)}, 0).Err())
		}})

		err := s.Update(ctx, "k", func(current []byte) ([]byte, error) {
			return current, nil
		})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NotErrorIs(t, err, ErrUnavailable)
	})

	t.Run("fn error propagates unwrapped", func(t *testing.T) {
		s := newTestRedis(t)
		require.NoError(t, s.Set(ctx, "k", []byte("before")))
		sentinel := errors.New("version mismatch")
		err := s.Update(ctx, "k", func([]byte) ([]byte, error) {
			return nil, sentinel
		})
		assert.ErrorIs(t, err, sentinel)
		assert.NotErrorIs(t, err, ErrUnavailable, "business errors must stay distinguishable from transport errors")

		val, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("before"), val, "aborted update must not write")
	})
}

func TestRedisStoreRPush(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, s.RPush(ctx, "log", []byte("a")))
	require.NoError(t, s.RPush(ctx, "log", []byte("b")))

	entries, err := client.LRange(ctx, "log", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, entries)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	mr.Close()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, s.Set(ctx, "k", []byte("v")), ErrUnavailable)
	assert.ErrorIs(t, s.RPush(ctx, "k", []byte("v")), ErrUnavailable)
	assert.ErrorIs(t, s.Update(ctx, "k", func(c []byte) ([]byte, error) { return c, nil }), ErrUnavailable)
	assert.Error(t, s.Ping(ctx))
}
