// Package baseline maintains per-user behavioral profiles with a
// single-pass online mean/variance update.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/shopspring/decimal"
)

// Store owns all user baselines and serializes access per user.
// Two concurrent transactions for the same user cannot interleave their
// baseline updates; transactions for different users proceed in parallel.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	repo domain.Repository
}

type entry struct {
	mu       sync.Mutex
	baseline *domain.UserBaseline
}

// NewStore creates a baseline store. The repository is optional; when
// present, baselines are loaded on first access and written through on
// every update.
func NewStore(repo domain.Repository) *Store {
	return &Store{
		entries: make(map[string]*entry),
		repo:    repo,
	}
}

// lockEntry returns the per-user entry with its mutex held, creating and
// loading it on first access. The caller must unlock entry.mu.
func (s *Store) lockEntry(ctx context.Context, userID string) (*entry, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
	}
	s.mu.Unlock()

	e.mu.Lock()
	if e.baseline != nil {
		return e, nil
	}

	// First access for this user: load from the repository or create fresh.
	if s.repo != nil {
		b, err := s.repo.GetBaseline(ctx, userID)
		switch {
		case err == nil:
			e.baseline = b
			return e, nil
		case !errors.Is(err, domain.ErrNotFound):
			e.mu.Unlock()
			return nil, fmt.Errorf("failed to load baseline for %s: %w", userID, err)
		}
	}

	e.baseline = domain.NewUserBaseline(userID)
	if s.repo != nil {
		if err := s.repo.SaveBaseline(ctx, e.baseline); err != nil {
			slog.Warn("failed to persist new baseline",
				"user_id", userID,
				"error", err,
			)
		}
	}
	return e, nil
}

// GetOrCreate returns a snapshot of the user's baseline, creating an empty
// one on first access. The snapshot is a deep copy: a concurrent update for
// the same user cannot mutate it while the caller is scoring against it.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*domain.UserBaseline, error) {
	e, err := s.lockEntry(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return e.baseline.Clone(), nil
}

// Update incorporates a transaction into its user's baseline. Updates for
// the same user are serialized; each evaluated transaction must be applied
// exactly once, strictly after its own scoring read.
func (s *Store) Update(ctx context.Context, tx *domain.Transaction) error {
	e, err := s.lockEntry(ctx, tx.UserID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	apply(e.baseline, tx)

	if s.repo != nil {
		if err := s.repo.SaveBaseline(ctx, e.baseline); err != nil {
			return fmt.Errorf("failed to persist baseline for %s: %w", tx.UserID, err)
		}
	}
	return nil
}

// apply runs the online statistics update. n is the count including tx.
//
// For n > 1 the variance recurrence is
//
//	var' = (oldStd²·(n−2) + (amount−oldMean)·(amount−newMean)) / (n−1)
//
// which matches Welford's algorithm only for n >= 2 starting from the
// std=0 base case. The recurrence is preserved as-is for behavioral
// compatibility with the production scoring history.
func apply(b *domain.UserBaseline, tx *domain.Transaction) {
	n := b.TransactionCount + 1
	amount := tx.Amount

	if n == 1 {
		b.AvgAmount = amount
		b.StdAmount = decimal.Zero
		b.MinAmount = amount
		b.MaxAmount = amount
	} else {
		oldAvg := b.AvgAmount
		newAvg := oldAvg.Add(amount.Sub(oldAvg).Div(decimal.NewFromInt(int64(n))))
		b.AvgAmount = newAvg

		variance := b.StdAmount.Mul(b.StdAmount).
			Mul(decimal.NewFromInt(int64(n - 2))).
			Add(amount.Sub(oldAvg).Mul(amount.Sub(newAvg))).
			Div(decimal.NewFromInt(int64(n - 1)))
		b.StdAmount = decimalSqrt(variance)

		if amount.LessThan(b.MinAmount) {
			b.MinAmount = amount
		}
		if amount.GreaterThan(b.MaxAmount) {
			b.MaxAmount = amount
		}
	}

	hour := tx.Hour()
	b.HourHistogram[hour]++
	b.MostCommonHour = argmaxHour(b.HourHistogram)

	b.MerchantCategories[tx.MerchantCategory]++
	b.KnownMerchants[tx.MerchantID] = struct{}{}
	b.LocationStates[tx.LocationState]++
	b.LocationCountries[tx.LocationCountry]++
	b.KnownDevices[tx.DeviceID] = struct{}{}

	ts := tx.Timestamp
	b.LastTransactionTime = &ts
	b.LastTransactionState = tx.LocationState
	b.LastTransactionCountry = tx.LocationCountry

	b.TransactionCount = n
	b.UpdatedAt = time.Now().UTC()
}

// argmaxHour returns the histogram's most frequent hour.
// Ties break to the smallest hour so the result is deterministic
// regardless of map iteration order.
func argmaxHour(hist map[int]int) *int {
	best := -1
	bestCount := 0
	for h, c := range hist {
		if c > bestCount || (c == bestCount && h < best) {
			best = h
			bestCount = c
		}
	}
	if best < 0 {
		return nil
	}
	return &best
}

// decimalSqrt takes sqrt(max(v, 0)) through float64. Negative variance can
// appear from rounding in the recurrence and is clamped to zero.
func decimalSqrt(v decimal.Decimal) decimal.Decimal {
	f := v.InexactFloat64()
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(f))
}
