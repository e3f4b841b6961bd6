package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openmusicplayer/ingestd/internal/logger"
)

// Connect parses a redis:// URL, opens a client and checks it answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info(ctx, "connected to redis", map[string]interface{}{"addr": opts.Addr})
	return client, nil
}

// Cache is a small read-through helper over Redis strings. Misses and
// Redis errors both read as a miss so callers fall back to the source.
type Cache struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

func New(client *redis.Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
		log:    logger.Default().WithComponent("cache"),
	}
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		c.log.Debug(ctx, "cache miss", map[string]interface{}{"key": key})
		return "", false
	}
	if err != nil {
		c.log.Warn(ctx, "cache read failed", map[string]interface{}{"key": key, "error": err.Error()})
		return "", false
	}
	c.log.Debug(ctx, "cache hit", map[string]interface{}{"key": key})
	return val, true
}

func (c *Cache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		c.log.Warn(ctx, "cache write failed", map[string]interface{}{"key": key, "error": err.Error()})
		return err
	}
	return nil
}

// GetJSON decodes a cached JSON value into v.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(data), ttl)
}

// Delete removes keys; missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.client.Del(ctx, full...).Err()
}
