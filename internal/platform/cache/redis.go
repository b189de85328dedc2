package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a namespaced wrapper over a redis client.
type Cache struct {
	client redis.UniversalClient
}

func NewCache(addr, password string) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &Cache{client: rdb}
}

// NewCacheFromClient wraps an existing client (tests, cluster setups).
func NewCacheFromClient(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

func key(namespace, k string) string {
	return namespace + ":" + k
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetNX stores value only when the key is absent. It reports whether the key was set.
func (c *Cache) SetNX(ctx context.Context, namespace, k string, value interface{}, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key(namespace, k), value, ttl).Result()
}

func (c *Cache) Get(ctx context.Context, namespace, k string) (string, error) {
	return c.client.Get(ctx, key(namespace, k)).Result()
}

func (c *Cache) Delete(ctx context.Context, namespace, k string) error {
	return c.client.Del(ctx, key(namespace, k)).Err()
}

func (c *Cache) GetTTL(ctx context.Context, namespace, k string) (time.Duration, error) {
	return c.client.TTL(ctx, key(namespace, k)).Result()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// IsMiss reports whether err is the redis "no such key" error.
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
