// Package rules evaluates fraud detection rules against a transaction
// and its user's behavioral baseline.
package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/shopspring/decimal"
)

// Point values for the builtin rules. The raw sum can exceed 100; the
// rule score is clamped to [0,100].
const (
	PointsAmountAnomaly         = 25.0
	PointsVelocitySpike         = 20.0
	PointsGeographicAnomaly     = 15.0
	PointsNewDevice             = 10.0
	PointsNewMerchantHighAmount = 15.0
	PointsRiskyCategory         = 10.0
	PointsTimeAnomaly           = 10.0
)

// riskyCategories is matched case-insensitively against the merchant category.
var riskyCategories = map[string]struct{}{
	"electronics":   {},
	"crypto":        {},
	"gift_cards":    {},
	"jewelry":       {},
	"luxury_goods":  {},
	"prepaid_cards": {},
}

// Input holds everything a rule evaluation needs. RecentCount is the
// user's transaction count in the trailing velocity window, produced by
// the velocity service.
type Input struct {
	Transaction *domain.Transaction
	Baseline    *domain.UserBaseline
	RecentCount int
}

// Evaluation is the output of a rule pass.
type Evaluation struct {
	RuleScore      float64 // clamped to [0,100]
	TriggeredRules []domain.TriggeredRule
	VelocityCount  int
}

// Engine evaluates the seven builtin rules in fixed order, then any
// operator-defined custom rules. Stateless given its inputs.
type Engine struct {
	params domain.RuleParameters
	custom *CustomEngine // optional
}

// NewEngine creates a rule engine with the given parameters.
// custom may be nil when no custom rules are configured.
func NewEngine(params domain.RuleParameters, custom *CustomEngine) *Engine {
	return &Engine{params: params, custom: custom}
}

// Evaluate runs all rules against the transaction and pre-update baseline.
// Calling it twice with identical inputs yields identical results.
func (e *Engine) Evaluate(input Input) Evaluation {
	tx := input.Transaction
	b := input.Baseline

	var triggered []domain.TriggeredRule
	total := 0.0

	trigger := func(name string, points float64, explanation string) {
		total += points
		triggered = append(triggered, domain.TriggeredRule{
			RuleName:    name,
			Points:      points,
			Explanation: explanation,
		})
	}

	// Rule 1: amount anomaly
	if b.TransactionCount > 0 && !b.StdAmount.IsZero() {
		z := tx.Amount.Sub(b.AvgAmount).Div(b.StdAmount).InexactFloat64()
		if math.Abs(z) > e.params.AmountAnomalyStdDev {
			trigger("amount_anomaly", PointsAmountAnomaly, fmt.Sprintf(
				"Transaction amount (%s) is %.2f standard deviations from user average (%s)",
				tx.Amount.StringFixed(2), math.Abs(z), b.AvgAmount.StringFixed(2),
			))
		}
	}

	// Rule 2: velocity spike
	if input.RecentCount >= e.params.VelocityThreshold {
		trigger("velocity_spike", PointsVelocitySpike, fmt.Sprintf(
			"%d transactions in the last %d minutes (threshold: %d)",
			input.RecentCount, e.params.VelocityWindowMinutes, e.params.VelocityThreshold,
		))
	}

	// Rule 3: geographic anomaly
	if b.LastTransactionTime != nil {
		stateMatch := tx.LocationState == b.LastTransactionState
		countryMatch := tx.LocationCountry == b.LastTransactionCountry
		if !stateMatch || !countryMatch {
			hoursDiff := tx.Timestamp.Sub(*b.LastTransactionTime).Hours()
			if hoursDiff < float64(e.params.GeographicTimeWindowHours) {
				trigger("geographic_anomaly", PointsGeographicAnomaly, fmt.Sprintf(
					"Transaction from %s, %s within %.1f hours of last transaction from %s, %s",
					tx.LocationState, tx.LocationCountry, hoursDiff,
					b.LastTransactionState, b.LastTransactionCountry,
				))
			}
		}
	}

	// Rule 4: new device
	if !b.KnowsDevice(tx.DeviceID) {
		trigger("new_device", PointsNewDevice,
			"Transaction from new device: "+tx.DeviceID)
	}

	// Rule 5: new merchant with high amount
	if !b.KnowsMerchant(tx.MerchantID) && b.TransactionCount > 0 {
		threshold := b.AvgAmount.Mul(decimal.NewFromInt(2))
		if tx.Amount.GreaterThan(threshold) {
			trigger("new_merchant_high_amount", PointsNewMerchantHighAmount, fmt.Sprintf(
				"New merchant (%s) with amount (%s) 2x above average (%s)",
				tx.MerchantID, tx.Amount.StringFixed(2), b.AvgAmount.StringFixed(2),
			))
		}
	}

	// Rule 6: risky category
	if _, ok := riskyCategories[strings.ToLower(tx.MerchantCategory)]; ok {
		trigger("risky_category", PointsRiskyCategory,
			"Transaction in risky category: "+tx.MerchantCategory)
	}

	// Rule 7: time anomaly. The band is intentionally not circular distance;
	// hour differences of exactly 6 or 18 do not fire.
	if b.MostCommonHour != nil {
		hourDiff := tx.Hour() - *b.MostCommonHour
		if hourDiff < 0 {
			hourDiff = -hourDiff
		}
		if hourDiff > 6 && hourDiff < 18 {
			trigger("time_anomaly", PointsTimeAnomaly, fmt.Sprintf(
				"Transaction at %d:00, user typically transacts at %d:00",
				tx.Hour(), *b.MostCommonHour,
			))
		}
	}

	// Custom rules run after the builtins, in name order.
	if e.custom != nil {
		for _, r := range e.custom.Evaluate(input) {
			trigger(r.RuleName, r.Points, r.Explanation)
		}
	}

	return Evaluation{
		RuleScore:      math.Min(100.0, math.Max(0.0, total)),
		TriggeredRules: triggered,
		VelocityCount:  input.RecentCount,
	}
}

// BuiltinRuleNames returns the builtin rule names in evaluation order.
func BuiltinRuleNames() []string {
	return []string{
		"amount_anomaly",
		"velocity_spike",
		"geographic_anomaly",
		"new_device",
		"new_merchant_high_amount",
		"risky_category",
		"time_anomaly",
	}
}

// sortRuleConfigs orders custom rules by name for deterministic output.
func sortRuleConfigs(configs []*domain.RuleConfig) {
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].Name < configs[j].Name
	})
}
