// Package cache provides user-partitioned caches: an in-process LRU, Redis,
// and a two-phase cache layering the two.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ProfileKey is the cache key under which profile snapshots live.
const ProfileKey = "profile"

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
		}
		return remote, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

type byteStore interface {
	Get(ctx context.Context, userID string, key string) ([]byte, error)
	Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error
}

func getProfile(ctx context.Context, s byteStore, userID string) (*domain.BehaviorProfile, error) {
	data, err := s.Get(ctx, userID, ProfileKey)
	if err != nil || data == nil {
		return nil, err
	}

	var p domain.BehaviorProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile snapshot: %w", err)
	}
	return &p, nil
}

func setProfile(ctx context.Context, s byteStore, p *domain.BehaviorProfile, ttl time.Duration) error {
	if p == nil {
		return fmt.Errorf("%w: nil profile", domain.ErrInvalidInput)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile snapshot: %w", err)
	}
	return s.Set(ctx, p.UserID, ProfileKey, data, ttl)
}

func requireUser(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}
	return nil
}

// TwoPhaseCache implements the two-phase caching strategy.
// L1: Local LRU cache for fast reads
// L2: Redis for distributed caching and persistence
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache layers a local LRU over Redis. l1TTL caps how long
// entries stay in the local layer; zero means five minutes.
func NewTwoPhaseCache(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
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

// Set writes to both L1 and L2.
func (c *TwoPhaseCache) Set(ctx context.Context, userID string, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, userID, key, value, l1TTL); err != nil {
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

// GetProfile reads a profile snapshot through both layers.
func (c *TwoPhaseCache) GetProfile(ctx context.Context, userID string) (*domain.BehaviorProfile, error) {
	return getProfile(ctx, c, userID)
}

// SetProfile writes a profile snapshot to both layers.
func (c *TwoPhaseCache) SetProfile(ctx context.Context, p *domain.BehaviorProfile, ttl time.Duration) error {
	return setProfile(ctx, c, p, ttl)
}

// IncrementCounter uses Redis only so counts agree across nodes.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, userID string, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, userID, key, window)
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
