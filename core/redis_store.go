package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore is a Redis-backed implementation of the Memory interface.
// Keys are namespaced so multiple deployments can share an instance.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, NewCoreError("core.NewRedisStore", KindValidation, err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, NewCoreError("core.NewRedisStore", KindTransport,
			fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}

	if namespace == "" {
		namespace = "labcore"
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		logger:    &NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this store.
func (r *RedisStore) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = ComponentLogger(logger, "core/redis")
	}
}

func (r *RedisStore) key(k string) string {
	return r.namespace + ":" + k
}

// Get retrieves a value; a missing key returns empty string, not an error.
func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", NewCoreError("redis.Get", KindTransport, err)
	}
	return val, nil
}

// Set stores a value; ttl of zero means no expiry.
func (r *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return NewCoreError("redis.Set", KindTransport, err)
	}
	return nil
}

// Delete removes a key.
func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return NewCoreError("redis.Delete", KindTransport, err)
	}
	return nil
}

// Exists reports whether key is present.
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, NewCoreError("redis.Exists", KindTransport, err)
	}
	return n > 0, nil
}

// Keys returns all keys with the given prefix, namespace stripped.
// Uses SCAN so large keyspaces do not block the server.
func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pattern := r.key(prefix) + "*"
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, NewCoreError("redis.Keys", KindTransport, err)
	}
	return keys, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
