package redisstore

import (
	"context"

	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var _ credstore.Store = (*RedisStore)(nil)

// RedisStore keeps secrets in Redis under a per-device namespace.
// Values never expire on their own; the session manager clears them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// New creates a Redis-backed credential store. namespace separates devices or
// users sharing one Redis instance.
func New(client *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "default"
	}
	return &RedisStore{
		client: client,
		prefix: "credstore:" + namespace + ":",
	}
}

// Dial connects to addr and verifies the connection with a PING.
func Dial(ctx context.Context, addr, namespace string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "[redisstore.Dial] ping %s", addr)
	}
	return New(client, namespace), nil
}

func (r *RedisStore) key(key credstore.Key) string {
	return r.prefix + string(key)
}

func (r *RedisStore) Save(ctx context.Context, key credstore.Key, value []byte) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return errors.Wrapf(err, "[RedisStore.Save] %s", key)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key credstore.Key) ([]byte, error) {
	value, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, credstore.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[RedisStore.Get] %s", key)
	}
	return value, nil
}

func (r *RedisStore) Delete(ctx context.Context, key credstore.Key) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrapf(err, "[RedisStore.Delete] %s", key)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
