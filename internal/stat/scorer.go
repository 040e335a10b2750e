// Package stat converts amount deviation from a user's baseline into a
// bounded anomaly score.
package stat

import (
	"math"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Result holds the statistical deviation scoring output.
type Result struct {
	// Score is a bounded anomaly score in [0,100], monotonically
	// increasing in |ZScore| and saturating toward 100.
	Score float64

	// ZScore is the signed standard deviations of the amount from the
	// baseline mean.
	ZScore float64
}

// Scorer is a stateless evaluator over (transaction, baseline).
type Scorer struct{}

// NewScorer creates a statistical scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// ComputeScore scores a transaction's amount deviation from the baseline.
// With no prior transactions or zero spread there is no deviation signal
// and both outputs are zero.
func (s *Scorer) ComputeScore(tx *domain.Transaction, baseline *domain.UserBaseline) Result {
	if baseline.TransactionCount == 0 || baseline.StdAmount.IsZero() {
		return Result{}
	}

	z := tx.Amount.Sub(baseline.AvgAmount).Div(baseline.StdAmount).InexactFloat64()

	score := 50.0 + 50.0*(1.0-math.Exp(-math.Abs(z)/2.0))
	score = math.Min(100.0, math.Max(0.0, score))

	return Result{Score: score, ZScore: z}
}
