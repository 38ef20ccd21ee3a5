package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrUserRequired is returned when a cache call has no user scope.
var ErrUserRequired = errors.New("userID is required")

// RollupKey is the per-user key of the cached risk rollup.
const RollupKey = "risk:rollup"

// byteStore is the raw key/value surface shared by every cache layer.
type byteStore interface {
	Get(ctx context.Context, userID string, key string) ([]byte, error)
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, userID string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// InvalidateRollup drops the cached rollup of userID.
func InvalidateRollup(ctx context.Context, c domain.Cache, userID string) error {
	return c.Delete(ctx, userID, RollupKey)
}

func getRollup(ctx context.Context, s byteStore, userID string) (*domain.RiskRollup, error) {
	data, err := s.Get(ctx, userID, RollupKey)
	if err != nil || data == nil {
		return nil, err
	}

	var r domain.RiskRollup
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode cached rollup: %w", err)
	}
	return &r, nil
}

func setRollup(ctx context.Context, s byteStore, userID string, r *domain.RiskRollup, ttl time.Duration) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.Set(ctx, userID, RollupKey, data, ttl)
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for values shared between replicas
type TwoPhaseCache struct {
	local  *LRUCache
	remote byteStore
	l1TTL  time.Duration
}

// NewTwoPhaseCache creates a two-phase cache with LRU + Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote byteStore, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, userID string, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, userID, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes to both L1 and L2. L1 keeps the shorter of the two TTLs.
func (c *TwoPhaseCache) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, userID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, userID, key, value, ttl)
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, userID string, key string) error {
	if err := c.local.Delete(ctx, userID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, userID, key)
}

// GetRollup retrieves a cached risk rollup.
func (c *TwoPhaseCache) GetRollup(ctx context.Context, userID string) (*domain.RiskRollup, error) {
	return getRollup(ctx, c, userID)
}

// SetRollup caches a risk rollup in both layers.
func (c *TwoPhaseCache) SetRollup(ctx context.Context, userID string, r *domain.RiskRollup, ttl time.Duration) error {
	return setRollup(ctx, c, userID, r, ttl)
}

// Ping checks both L1 and L2 health.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both L1 and L2.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 cache statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
