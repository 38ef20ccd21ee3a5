package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (L1) + Redis (L2).
// All methods require userID so cached views never leak across users.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, userID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, userID string, key string) error

	// GetRollup retrieves a cached risk rollup.
	GetRollup(ctx context.Context, userID string) (*RiskRollup, error)

	// SetRollup caches a risk rollup.
	SetRollup(ctx context.Context, userID string, rollup *RiskRollup, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" toml:"type" yaml:"type"`

	// Local LRU cache settings
	LocalMaxSize int           `json:"localMaxSize" toml:"local_max_size" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" toml:"local_ttl" yaml:"local_ttl"`

	// Redis settings
	RedisAddr     string `json:"redisAddr" toml:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"-" toml:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" toml:"redis_db" yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" toml:"enable_two_phase" yaml:"enable_two_phase"` // If true, check local first, then Redis

	// RollupTTL bounds how long a risk rollup is served from cache.
	RollupTTL time.Duration `json:"rollupTtl" toml:"rollup_ttl" yaml:"rollup_ttl"`
}
