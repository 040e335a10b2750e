// Package risk combines the rule, statistical, and ML signals into the
// final risk score, category, and explanation.
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Aggregator blends component scores via configured weights.
type Aggregator struct {
	weights    domain.ScoringWeights
	thresholds domain.RiskThresholds
}

// NewAggregator creates a risk aggregator.
func NewAggregator(weights domain.ScoringWeights, thresholds domain.RiskThresholds) *Aggregator {
	return &Aggregator{weights: weights, thresholds: thresholds}
}

// Input holds the component scores to aggregate. MLScore is the raw
// service score in [0,1]; nil means the ML signal is unavailable and the
// remaining weights are renormalized.
type Input struct {
	RuleScore        float64
	StatisticalScore float64
	MLScore          *float64
	TriggeredRules   []domain.TriggeredRule
}

// Result is the aggregation outcome.
type Result struct {
	FinalScore   float64
	RiskCategory string
	MLScore100   *float64 // ML score rescaled to [0,100], nil when absent
	Explanation  string
}

// Aggregate computes the weighted final score, category, and explanation.
func (a *Aggregator) Aggregate(input Input) Result {
	var mlScore100 *float64
	if input.MLScore != nil {
		v := *input.MLScore * 100.0
		mlScore100 = &v
	}

	var final float64
	if mlScore100 != nil {
		final = a.weights.RuleWeight*input.RuleScore +
			a.weights.StatisticalWeight*input.StatisticalScore +
			a.weights.MLWeight**mlScore100
	} else {
		// ML unavailable: renormalize over the two remaining weights.
		totalWeight := a.weights.RuleWeight + a.weights.StatisticalWeight
		final = (a.weights.RuleWeight/totalWeight)*input.RuleScore +
			(a.weights.StatisticalWeight/totalWeight)*input.StatisticalScore
	}

	final = math.Min(100.0, math.Max(0.0, final))

	category := domain.RiskApproved
	switch {
	case final < a.thresholds.SoftFlag:
		category = domain.RiskApproved
	case final < a.thresholds.HardFlag:
		category = domain.RiskMonitor
	default:
		category = domain.RiskFlagged
	}

	return Result{
		FinalScore:   final,
		RiskCategory: category,
		MLScore100:   mlScore100,
		Explanation:  buildExplanation(final, category, input, mlScore100),
	}
}

// buildExplanation renders the deterministic human-readable summary:
// header, component contributions, then each triggered rule in
// evaluation order.
func buildExplanation(final float64, category string, input Input, mlScore100 *float64) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Risk Score: %.1f/100 (%s)\n", final, category)
	fmt.Fprintf(&b, "Rule-based signals: %.1f points\n", input.RuleScore)
	fmt.Fprintf(&b, "Statistical deviation: %.1f points\n", input.StatisticalScore)
	if mlScore100 != nil {
		fmt.Fprintf(&b, "ML anomaly: %.1f points\n", *mlScore100)
	}

	if len(input.TriggeredRules) > 0 {
		fmt.Fprintf(&b, "\nTriggered Rules (%d):\n", len(input.TriggeredRules))
		for _, rule := range input.TriggeredRules {
			fmt.Fprintf(&b, "  - %s: %s\n", rule.RuleName, rule.Explanation)
		}
	} else {
		b.WriteString("\nNo fraud rules triggered")
	}

	return b.String()
}
