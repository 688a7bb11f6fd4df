package redisstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/jrsteele09/go-session-manager/credstore/redisstore"
	"github.com/stretchr/testify/require"
)

// dialTestRedis connects to REDIS_ADDR or skips the test when no server is configured.
func dialTestRedis(t *testing.T) *redisstore.RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	store, err := redisstore.Dial(ctx, addr, "test-"+uuid.New().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, key := range credstore.SessionKeys {
			_ = store.Delete(context.Background(), key)
		}
		_ = store.Close()
	})
	return store
}

// TestRedisStore_RoundTrip tests save, get and delete against a live Redis
func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := dialTestRedis(t)

	_, err := store.Get(ctx, credstore.KeyAccessToken)
	require.ErrorIs(t, err, credstore.ErrNotFound)

	require.NoError(t, store.Save(ctx, credstore.KeyAccessToken, []byte("secret")))
	value, err := store.Get(ctx, credstore.KeyAccessToken)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), value)

	require.NoError(t, store.Delete(ctx, credstore.KeyAccessToken))
	require.NoError(t, store.Delete(ctx, credstore.KeyAccessToken))
	_, err = store.Get(ctx, credstore.KeyAccessToken)
	require.ErrorIs(t, err, credstore.ErrNotFound)
}

// TestRedisStore_NamespaceIsolation tests that namespaces do not see each other's secrets
func TestRedisStore_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	first := dialTestRedis(t)
	second := dialTestRedis(t)

	require.NoError(t, first.Save(ctx, credstore.KeyRefreshToken, []byte("first")))
	_, err := second.Get(ctx, credstore.KeyRefreshToken)
	require.ErrorIs(t, err, credstore.ErrNotFound)
}

// TestRedisStore_DialFailure tests that an unreachable server is reported
func TestRedisStore_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := redisstore.Dial(ctx, "127.0.0.1:1", "unreachable")
	require.Error(t, err)
}
