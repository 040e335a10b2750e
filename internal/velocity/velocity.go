// Package velocity provides trailing-window transaction counts per user.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Windows used by the scoring pipeline. The rule window is configurable;
// the ML feature window is fixed at 10 minutes.
const MLFeatureWindow = 10 * time.Minute

// Service counts a user's recent transactions. The transaction history
// store is authoritative; cache counters are a fallback when no
// repository is wired (e.g., stateless deployments).
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// CountSince returns the number of transactions for the user within the
// trailing window, measured back from asOf. Without a repository the
// rolling counter for the same window is consulted instead.
func (s *Service) CountSince(ctx context.Context, userID string, asOf time.Time, window time.Duration) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	if s.repo != nil {
		since := asOf.Add(-window)
		count, err := s.repo.CountTransactionsSince(ctx, userID, since)
		if err != nil {
			return 0, fmt.Errorf("failed to count transactions: %w", err)
		}
		return count, nil
	}

	if s.cache != nil {
		count, err := s.cache.GetCounter(ctx, counterKey(userID, window))
		if err != nil {
			return 0, fmt.Errorf("failed to read velocity counter: %w", err)
		}
		return int(count), nil
	}

	return 0, fmt.Errorf("no data source available")
}

// Observe records a transaction in the cache-backed rolling counters.
// Each window keeps an independent counter keyed by user; counters expire
// with their window, which approximates a trailing count closely enough
// for alerting when the repository is not consulted.
func (s *Service) Observe(ctx context.Context, userID string, windows ...time.Duration) error {
	if s.cache == nil {
		return nil
	}
	for _, w := range windows {
		key := counterKey(userID, w)
		if _, err := s.cache.IncrementCounter(ctx, key, w); err != nil {
			return fmt.Errorf("failed to bump velocity counter: %w", err)
		}
	}
	return nil
}

func counterKey(userID string, window time.Duration) string {
	return fmt.Sprintf("velocity:%s:%ds", userID, int(window.Seconds()))
}
