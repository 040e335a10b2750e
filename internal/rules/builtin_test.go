package rules

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/domain"
)

func defaultParams() domain.RuleParameters {
	return domain.RuleParameters{
		VelocityThreshold:         3,
		VelocityWindowMinutes:     5,
		AmountAnomalyStdDev:       3.0,
		GeographicTimeWindowHours: 2,
	}
}

// establishedBaseline returns a profile centered on modest daytime
// grocery spending in California.
func establishedBaseline() *domain.UserBaseline {
	b := domain.NewUserBaseline("user-1")
	b.TransactionCount = 50
	b.AvgAmount = decimal.NewFromInt(100)
	b.StdAmount = decimal.NewFromInt(20)
	b.MinAmount = decimal.NewFromInt(10)
	b.MaxAmount = decimal.NewFromInt(200)
	hour := 12
	b.MostCommonHour = &hour
	b.HourHistogram[12] = 50
	b.KnownMerchants["merchant-001"] = struct{}{}
	b.KnownDevices["device-001"] = struct{}{}
	b.MerchantCategories["groceries"] = 50
	b.LocationStates["CA"] = 50
	b.LocationCountries["US"] = 50
	last := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.LastTransactionTime = &last
	b.LastTransactionState = "CA"
	b.LastTransactionCountry = "US"
	return b
}

// normalTx matches the established baseline in every dimension.
func normalTx() *domain.Transaction {
	return &domain.Transaction{
		ID:               "tx-1",
		UserID:           "user-1",
		Amount:           decimal.NewFromInt(100),
		MerchantID:       "merchant-001",
		MerchantCategory: "groceries",
		Timestamp:        time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		DeviceID:         "device-001",
		LocationState:    "CA",
		LocationCountry:  "US",
		Channel:          "online",
	}
}

func findRule(triggered []domain.TriggeredRule, name string) *domain.TriggeredRule {
	for i := range triggered {
		if triggered[i].RuleName == name {
			return &triggered[i]
		}
	}
	return nil
}

func TestNoRulesForNormalTransaction(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)
	// Last transaction a day earlier, so the geographic window cannot apply.
	eval := engine.Evaluate(Input{Transaction: normalTx(), Baseline: establishedBaseline(), RecentCount: 1})

	if eval.RuleScore != 0 {
		t.Errorf("expected score 0, got %f (triggered: %+v)", eval.RuleScore, eval.TriggeredRules)
	}
	if len(eval.TriggeredRules) != 0 {
		t.Errorf("expected no triggered rules, got %+v", eval.TriggeredRules)
	}
}

func TestAmountAnomaly(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	tx := normalTx()
	tx.Amount = decimal.NewFromInt(200) // z = 5
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})

	r := findRule(eval.TriggeredRules, "amount_anomaly")
	if r == nil {
		t.Fatal("expected amount_anomaly to fire")
	}
	if r.Points != PointsAmountAnomaly {
		t.Errorf("expected %f points, got %f", PointsAmountAnomaly, r.Points)
	}
	want := "Transaction amount (200.00) is 5.00 standard deviations from user average (100.00)"
	if r.Explanation != want {
		t.Errorf("explanation mismatch:\n got: %s\nwant: %s", r.Explanation, want)
	}
}

func TestAmountAnomalyBelowMean(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	// z = -4.5: magnitude beyond the threshold fires regardless of sign.
	tx := normalTx()
	tx.Amount = decimal.NewFromInt(10)
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})

	if findRule(eval.TriggeredRules, "amount_anomaly") == nil {
		t.Error("expected amount_anomaly to fire for large negative deviation")
	}
}

func TestAmountAnomalySkippedWithoutSpread(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	b := establishedBaseline()
	b.StdAmount = decimal.Zero
	tx := normalTx()
	tx.Amount = decimal.NewFromInt(100000)
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: b, RecentCount: 1})

	if findRule(eval.TriggeredRules, "amount_anomaly") != nil {
		t.Error("amount_anomaly must not fire with zero spread")
	}
}

func TestVelocitySpike(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	eval := engine.Evaluate(Input{Transaction: normalTx(), Baseline: establishedBaseline(), RecentCount: 3})
	r := findRule(eval.TriggeredRules, "velocity_spike")
	if r == nil {
		t.Fatal("expected velocity_spike at the threshold")
	}
	want := "3 transactions in the last 5 minutes (threshold: 3)"
	if r.Explanation != want {
		t.Errorf("explanation mismatch:\n got: %s\nwant: %s", r.Explanation, want)
	}

	eval = engine.Evaluate(Input{Transaction: normalTx(), Baseline: establishedBaseline(), RecentCount: 2})
	if findRule(eval.TriggeredRules, "velocity_spike") != nil {
		t.Error("velocity_spike must not fire below the threshold")
	}
}

func TestGeographicAnomaly(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	b := establishedBaseline()
	last := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)
	b.LastTransactionTime = &last

	// One hour after a CA transaction, now from NY.
	tx := normalTx()
	tx.LocationState = "NY"
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: b, RecentCount: 1})

	r := findRule(eval.TriggeredRules, "geographic_anomaly")
	if r == nil {
		t.Fatal("expected geographic_anomaly to fire")
	}
	want := "Transaction from NY, US within 1.0 hours of last transaction from CA, US"
	if r.Explanation != want {
		t.Errorf("explanation mismatch:\n got: %s\nwant: %s", r.Explanation, want)
	}

	// Same location change but outside the window.
	tx.Timestamp = last.Add(3 * time.Hour)
	eval = engine.Evaluate(Input{Transaction: tx, Baseline: b, RecentCount: 1})
	if findRule(eval.TriggeredRules, "geographic_anomaly") != nil {
		t.Error("geographic_anomaly must not fire outside the window")
	}
}

func TestGeographicAnomalySkippedForFirstTransaction(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	tx := normalTx()
	tx.LocationState = "NY"
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: domain.NewUserBaseline("user-1"), RecentCount: 1})

	if findRule(eval.TriggeredRules, "geographic_anomaly") != nil {
		t.Error("geographic_anomaly must not fire with no prior transaction")
	}
}

func TestNewDevice(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	tx := normalTx()
	tx.DeviceID = "device-999"
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})

	r := findRule(eval.TriggeredRules, "new_device")
	if r == nil {
		t.Fatal("expected new_device to fire")
	}
	if r.Explanation != "Transaction from new device: device-999" {
		t.Errorf("unexpected explanation: %s", r.Explanation)
	}
}

func TestNewMerchantHighAmount(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	// New merchant at 2x average exactly must not fire; above 2x must.
	tx := normalTx()
	tx.MerchantID = "merchant-999"
	tx.Amount = decimal.NewFromInt(200)
	eval := engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})
	if findRule(eval.TriggeredRules, "new_merchant_high_amount") != nil {
		t.Error("must not fire at exactly 2x average")
	}

	tx.Amount = decimal.NewFromInt(201)
	eval = engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})
	if findRule(eval.TriggeredRules, "new_merchant_high_amount") == nil {
		t.Error("expected new_merchant_high_amount above 2x average")
	}

	// Known merchant never fires regardless of amount.
	tx.MerchantID = "merchant-001"
	tx.Amount = decimal.NewFromInt(10000)
	eval = engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})
	if findRule(eval.TriggeredRules, "new_merchant_high_amount") != nil {
		t.Error("must not fire for a known merchant")
	}
}

func TestRiskyCategory(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	for _, category := range []string{"crypto", "Electronics", "GIFT_CARDS"} {
		tx := normalTx()
		tx.MerchantCategory = category
		eval := engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})
		if findRule(eval.TriggeredRules, "risky_category") == nil {
			t.Errorf("expected risky_category for %q", category)
		}
	}

	eval := engine.Evaluate(Input{Transaction: normalTx(), Baseline: establishedBaseline(), RecentCount: 1})
	if findRule(eval.TriggeredRules, "risky_category") != nil {
		t.Error("groceries must not be risky")
	}
}

func TestTimeAnomaly(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	cases := []struct {
		hour  int
		fires bool
	}{
		{12, false}, // at the usual hour
		{18, false}, // diff 6: boundary excluded
		{19, true},  // diff 7
		{23, true},  // diff 11
		{5, true},   // diff 7
		{6, false},  // diff 6
	}
	for _, tc := range cases {
		tx := normalTx()
		tx.Timestamp = time.Date(2025, 6, 2, tc.hour, 0, 0, 0, time.UTC)
		eval := engine.Evaluate(Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 1})
		fired := findRule(eval.TriggeredRules, "time_anomaly") != nil
		if fired != tc.fires {
			t.Errorf("hour %d: fired=%v, want %v", tc.hour, fired, tc.fires)
		}
	}
}

func TestScoreClampedAt100(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	// Fire everything at once: raw sum 105, clamped to 100.
	b := establishedBaseline()
	last := time.Date(2025, 6, 2, 22, 30, 0, 0, time.UTC)
	b.LastTransactionTime = &last

	tx := normalTx()
	tx.Amount = decimal.NewFromInt(500)
	tx.MerchantID = "merchant-999"
	tx.MerchantCategory = "crypto"
	tx.DeviceID = "device-999"
	tx.LocationState = "NY"
	tx.Timestamp = time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)

	eval := engine.Evaluate(Input{Transaction: tx, Baseline: b, RecentCount: 5})

	if len(eval.TriggeredRules) != 7 {
		names := make([]string, len(eval.TriggeredRules))
		for i, r := range eval.TriggeredRules {
			names[i] = r.RuleName
		}
		t.Fatalf("expected all 7 rules, got %v", names)
	}
	if eval.RuleScore != 100.0 {
		t.Errorf("expected clamped score 100, got %f", eval.RuleScore)
	}
}

func TestEvaluationIsIdempotent(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	tx := normalTx()
	tx.Amount = decimal.NewFromInt(300)
	tx.DeviceID = "device-999"
	input := Input{Transaction: tx, Baseline: establishedBaseline(), RecentCount: 4}

	first := engine.Evaluate(input)
	second := engine.Evaluate(input)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("evaluations differ:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestRuleOrderIsFixed(t *testing.T) {
	engine := NewEngine(defaultParams(), nil)

	b := establishedBaseline()
	last := time.Date(2025, 6, 2, 22, 30, 0, 0, time.UTC)
	b.LastTransactionTime = &last

	tx := normalTx()
	tx.Amount = decimal.NewFromInt(500)
	tx.MerchantID = "merchant-999"
	tx.MerchantCategory = "crypto"
	tx.DeviceID = "device-999"
	tx.LocationState = "NY"
	tx.Timestamp = time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)

	eval := engine.Evaluate(Input{Transaction: tx, Baseline: b, RecentCount: 5})

	want := BuiltinRuleNames()
	got := make([]string, len(eval.TriggeredRules))
	for i, r := range eval.TriggeredRules {
		got[i] = r.RuleName
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("rule order mismatch:\n got: %v\nwant: %v", got, want)
	}
}
