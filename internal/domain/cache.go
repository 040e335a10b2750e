package domain

import (
	"context"
	"time"
)

// Cache backs duplicate-submission short-circuiting and rolling velocity
// counters. Community runs on a local LRU, Pro on Redis (optionally
// two-phase).
type Cache interface {
	// Get returns the value for key, or nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// GetEvaluation returns the cached result for a transaction ID,
	// or nil, nil when none is cached.
	GetEvaluation(ctx context.Context, txID string) (*EvaluationResult, error)

	// SetEvaluation caches a scored result under its transaction ID.
	SetEvaluation(ctx context.Context, txID string, eval *EvaluationResult, ttl time.Duration) error

	// IncrementCounter atomically bumps a windowed counter and returns
	// the new count. The counter restarts when the window lapses.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCounter reads a windowed counter without bumping it, returning
	// 0 when the window has lapsed or was never started.
	GetCounter(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
