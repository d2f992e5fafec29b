package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Cache stores diagnostics reports in Redis under a key prefix.
type Cache struct {
	client goredis.Cmdable
	prefix string
}

// NewCache constructs a cache over client.
func NewCache(client goredis.Cmdable, prefix string) (*Cache, error) {
	if client == nil {
		return nil, errors.New("redis cache: nil client")
	}
	return &Cache{client: client, prefix: prefix}, nil
}

// Connect opens a client and pings it. An empty addr disables Redis and returns nil.
func Connect(ctx context.Context, addr string) (*goredis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Get returns the stored value.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores value with ttl.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
