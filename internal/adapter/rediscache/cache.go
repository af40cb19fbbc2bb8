// Package rediscache keeps each user's freshest location in Redis. It is the
// fallback the detector reaches for when the live device fetch fails, and it
// is refreshed on every location ingest.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
)

const keyPrefix = "lastloc:"

// Cache is the last-known-location cache.
// It implements detector.LastKnownSource.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache connects to Redis with the configured address and database.
func NewCache(cfg *config.Config, logger *slog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Cache{client: client, ttl: cfg.LocationCacheTTL, logger: logger}
}

// NewCacheWithClient wraps an existing client, used by tests.
func NewCacheWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// SetLastKnown stores the location under the user's key with the cache TTL.
func (c *Cache) SetLastKnown(ctx context.Context, loc domain.UserLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("serialize location: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+loc.UserID, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache location: %w", err)
	}
	return nil
}

// LastKnown returns the cached location, or nil when none is fresh enough to
// still be cached.
func (c *Cache) LastKnown(ctx context.Context, userID string) (*domain.UserLocation, error) {
	data, err := c.client.Get(ctx, keyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached location: %w", err)
	}
	var loc domain.UserLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("parse cached location: %w", err)
	}
	return &loc, nil
}

// Ping verifies connectivity, used by the readiness check.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
