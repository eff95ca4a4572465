package domain

import (
	"context"
	"time"
)

// Cache holds recently generated reports so dashboard polls do not
// re-run the pipeline. Keys are scoped per user. The fitted model itself
// is never cached; every detection run fits fresh.
type Cache interface {
	// Get retrieves a value. Returns nil, nil if the key is absent.
	Get(ctx context.Context, userID string, key string) ([]byte, error)

	// Set stores a value with expiration.
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, userID string, key string) error

	// GetReport retrieves a cached report.
	GetReport(ctx context.Context, userID string, key string) (*Report, error)

	// SetReport caches a report.
	SetReport(ctx context.Context, userID string, key string, report *Report, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// In-memory LRU settings
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"redisPassword" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`
}
