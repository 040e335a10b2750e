package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// New builds the cache for the configured tier. Community runs on the
// in-process LRU alone; Pro runs on Redis, optionally fronted by the
// LRU when two-phase mode is enabled.
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
		return nil, fmt.Errorf("unknown cache type %q (want memory or redis)", cfg.Type)
	}
}

// TwoPhaseCache fronts Redis with a small local LRU. Hot evaluation
// results are served from process memory while Redis keeps the nodes
// of a Pro deployment consistent.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache wires the local LRU in front of Redis.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	local := NewLRUCache(cfg.LocalMaxSize)

	remote, err := NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}

	l1TTL := cfg.LocalTTL
	if l1TTL == 0 {
		l1TTL = 5 * time.Minute
	}

	return &TwoPhaseCache{
		local:  local,
		remote: remote,
		l1TTL:  l1TTL,
	}, nil
}

// Get consults the local layer first and backfills it on a Redis hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		return val, nil
	}

	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}

	return val, nil
}

// Set writes through to both layers. The local copy never outlives
// the configured L1 TTL.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}

	return c.remote.Set(ctx, key, value, ttl)
}

// Delete removes the key from both layers.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// GetEvaluation retrieves a cached evaluation result.
func (c *TwoPhaseCache) GetEvaluation(ctx context.Context, txID string) (*domain.EvaluationResult, error) {
	eval, err := c.local.GetEvaluation(ctx, txID)
	if err != nil {
		return nil, err
	}
	if eval != nil {
		return eval, nil
	}

	eval, err = c.remote.GetEvaluation(ctx, txID)
	if err != nil {
		return nil, err
	}
	if eval != nil {
		_ = c.local.SetEvaluation(ctx, txID, eval, c.l1TTL)
	}

	return eval, nil
}

// SetEvaluation stores a scored result in both layers.
func (c *TwoPhaseCache) SetEvaluation(ctx context.Context, txID string, eval *domain.EvaluationResult, ttl time.Duration) error {
	l1TTL := c.l1TTL
	if ttl < l1TTL {
		l1TTL = ttl
	}
	if err := c.local.SetEvaluation(ctx, txID, eval, l1TTL); err != nil {
		return err
	}
	return c.remote.SetEvaluation(ctx, txID, eval, ttl)
}

// IncrementCounter always goes to Redis. Velocity counters must be
// exact across nodes, so the local layer is bypassed.
func (c *TwoPhaseCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return c.remote.IncrementCounter(ctx, key, window)
}

// GetCounter reads the Redis counter directly for the same reason.
func (c *TwoPhaseCache) GetCounter(ctx context.Context, key string) (int64, error) {
	return c.remote.GetCounter(ctx, key)
}

// Ping reports the first unhealthy layer.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close releases both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats reports the local layer only.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
