package domain

import (
	"context"
	"time"
)

// Cache is a user-partitioned key/value cache.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// Every key lives under a userID so one user's entries never collide with another's.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, userID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, userID string, key string) error

	// GetProfile retrieves a cached behavior profile snapshot.
	// Returns nil, nil on a miss.
	GetProfile(ctx context.Context, userID string) (*BehaviorProfile, error)

	// SetProfile stores a behavior profile snapshot.
	SetProfile(ctx context.Context, profile *BehaviorProfile, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// The counter resets once window has elapsed since its first increment.
	IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `koanf:"type" json:"type" validate:"oneof=memory redis"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `koanf:"local_max_size" json:"localMaxSize"`
	LocalTTL     time.Duration `koanf:"local_ttl" json:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `koanf:"redis_addr" json:"redisAddr"`
	RedisPassword string `koanf:"redis_password" json:"-"`
	RedisDB       int    `koanf:"redis_db" json:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `koanf:"enable_two_phase" json:"enableTwoPhase"` // If true, check local first, then Redis
}
