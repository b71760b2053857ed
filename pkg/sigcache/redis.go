package sigcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// addChunkSize caps the number of members sent in a single SADD
const addChunkSize = 1000

// RedisConfig holds connection settings for the Redis signature cache
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
}

// RedisCache implements Cache using Redis sets
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache creates a Redis-backed signature cache
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return NewRedisCacheFromClient(client), nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Ping verifies the cache is reachable
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Add adds signatures to the set and refreshes its expiry
func (c *RedisCache) Add(ctx context.Context, key string, signatures []string, ttl time.Duration) error {
	if len(signatures) == 0 {
		return nil
	}

	pipe := c.client.TxPipeline()
	for start := 0; start < len(signatures); start += addChunkSize {
		end := start + addChunkSize
		if end > len(signatures) {
			end = len(signatures)
		}
		members := make([]interface{}, 0, end-start)
		for _, sig := range signatures[start:end] {
			members = append(members, sig)
		}
		pipe.SAdd(ctx, key, members...)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add %d signatures to %s: %w", len(signatures), key, err)
	}

	log.Debug().Str("key", key).Int("count", len(signatures)).Msg("signatures recorded")
	return nil
}

// Difference returns members of base missing from subtract
func (c *RedisCache) Difference(ctx context.Context, base, subtract string) ([]string, error) {
	members, err := c.client.SDiff(ctx, base, subtract).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s against %s: %w", base, subtract, err)
	}
	return members, nil
}

// Members returns all members of the set at key
func (c *RedisCache) Members(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return members, nil
}

// Close closes the underlying client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
