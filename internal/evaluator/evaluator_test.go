package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/mlclient"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/risk"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/stat"
	"github.com/opensource-finance/merlin/internal/velocity"
)

type testPipeline struct {
	evaluator *Evaluator
	repo      domain.Repository
	cache     domain.Cache
}

// newTestPipeline wires the full pipeline against a temp SQLite store.
// mlURL empty disables the ML signal.
func newTestPipeline(t *testing.T, mlURL string) *testPipeline {
	t.Helper()

	f, err := os.CreateTemp("", "merlin-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: f.Name()})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	fraud := domain.DefaultFraudConfig()
	fraud.ML.ServiceURL = mlURL
	fraud.ML.TimeoutSeconds = 1

	c := cache.NewLRUCache(100)
	ev := New(
		baseline.NewStore(repo),
		rules.NewEngine(fraud.Rules, nil),
		stat.NewScorer(),
		mlclient.NewClient(fraud.ML),
		risk.NewAggregator(fraud.Scoring, fraud.Thresholds),
		velocity.NewService(repo, c),
		repo,
		c,
		nil,
		fraud.Rules,
	)
	return &testPipeline{evaluator: ev, repo: repo, cache: c}
}

func pipelineTx(id, userID string, amount int64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:               id,
		UserID:           userID,
		Amount:           decimal.NewFromInt(amount),
		MerchantID:       "merchant-001",
		MerchantCategory: "groceries",
		Timestamp:        ts,
		DeviceID:         "device-001",
		LocationState:    "CA",
		LocationCountry:  "US",
		Channel:          "online",
	}
}

func TestFirstTransactionEvaluation(t *testing.T) {
	p := newTestPipeline(t, "")
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	result, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-1", "user-1", 100, ts))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First transaction: no history means zero statistical score and the
	// only firing rule is new_device.
	if result.StatisticalScore != 0 {
		t.Errorf("expected zero statistical score, got %f", result.StatisticalScore)
	}
	if len(result.TriggeredRules) != 1 || result.TriggeredRules[0].RuleName != "new_device" {
		t.Errorf("expected only new_device, got %+v", result.TriggeredRules)
	}
	// 10 rule points renormalized two ways: 0.625*10 = 6.25.
	if result.FinalScore != 6.25 {
		t.Errorf("expected final score 6.25, got %f", result.FinalScore)
	}
	if result.RiskCategory != domain.RiskApproved {
		t.Errorf("expected APPROVED, got %s", result.RiskCategory)
	}
	if result.MLScore != nil {
		t.Errorf("expected nil ml score with ML disabled, got %v", *result.MLScore)
	}
	if result.VelocityCount != 1 {
		t.Errorf("expected velocity count 1 (the transaction itself), got %d", result.VelocityCount)
	}

	// The transaction was persisted with its evaluation.
	_, storedEval, err := p.repo.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatalf("transaction not persisted: %v", err)
	}
	if storedEval.FinalScore != result.FinalScore {
		t.Errorf("stored score mismatch: %f", storedEval.FinalScore)
	}

	// The baseline now reflects the transaction.
	b, err := p.repo.GetBaseline(ctx, "user-1")
	if err != nil {
		t.Fatalf("baseline not persisted: %v", err)
	}
	if b.TransactionCount != 1 || !b.KnowsDevice("device-001") {
		t.Errorf("baseline not updated: %+v", b)
	}
}

func TestVelocityCountsCurrentTransaction(t *testing.T) {
	p := newTestPipeline(t, "")
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	// Three prior transactions inside the 5 minute window, then a fourth.
	for i, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if _, err := p.evaluator.Evaluate(ctx, pipelineTx(id, "user-1", 100, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	result, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-4", "user-1", 100, base.Add(3*time.Minute)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.VelocityCount != 4 {
		t.Errorf("expected velocity count 4, got %d", result.VelocityCount)
	}
	found := false
	for _, r := range result.TriggeredRules {
		if r.RuleName == "velocity_spike" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected velocity_spike, got %+v", result.TriggeredRules)
	}
}

func TestScoringReadsPreUpdateBaseline(t *testing.T) {
	p := newTestPipeline(t, "")
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	// Build history at a steady 100.
	for i, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if _, err := p.evaluator.Evaluate(ctx, pipelineTx(id, "user-1", 100, ts.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// A widely deviating amount scores against the old baseline (std 0 at
	// this point, so amount_anomaly is suppressed but the baseline then
	// absorbs the spike).
	result, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-5", "user-1", 5000, ts.Add(4*time.Hour)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatisticalScore != 0 {
		t.Errorf("zero spread baseline must score 0, got %f", result.StatisticalScore)
	}

	b, err := p.repo.GetBaseline(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TransactionCount != 4 {
		t.Errorf("expected baseline count 4, got %d", b.TransactionCount)
	}
	if !b.MaxAmount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected max amount 5000 after update, got %s", b.MaxAmount)
	}
}

func TestDuplicateSubmissionShortCircuits(t *testing.T) {
	p := newTestPipeline(t, "")
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	first, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-1", "user-1", 100, ts))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same ID again: the cached result comes back and no re-scoring happens.
	second, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-1", "user-1", 100, ts))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.FinalScore != first.FinalScore || second.EvaluatedAt.UnixNano() != first.EvaluatedAt.UnixNano() {
		t.Errorf("expected the original evaluation back, got %+v", second)
	}

	b, err := p.repo.GetBaseline(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.TransactionCount != 1 {
		t.Errorf("duplicate must not update the baseline again, got count %d", b.TransactionCount)
	}
}

func TestFlaggedTransactionCreatesAlertOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.MLScoreResponse{MLScore: 1.0, ModelVersion: "v2.1"})
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	ctx := context.Background()

	// Seed history so everything can fire, then a hostile transaction.
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	for i, amount := range []int64{90, 100, 110, 95, 105} {
		tx := pipelineTx([]string{"tx-1", "tx-2", "tx-3", "tx-4", "tx-5"}[i], "user-1", amount, base.Add(time.Duration(i)*time.Second))
		if _, err := p.evaluator.Evaluate(ctx, tx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	hostile := pipelineTx("tx-6", "user-1", 5000, base.Add(6*time.Second))
	hostile.DeviceID = "device-999"
	hostile.MerchantID = "merchant-999"
	hostile.MerchantCategory = "crypto"
	hostile.LocationState = "NY"

	result, err := p.evaluator.Evaluate(ctx, hostile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RiskCategory != domain.RiskFlagged {
		t.Fatalf("expected FLAGGED, got %s (score %f)", result.RiskCategory, result.FinalScore)
	}
	if !result.AlertCreated {
		t.Error("expected an alert on first flag")
	}

	alert, err := p.repo.GetAlertByTransaction(ctx, "tx-6")
	if err != nil {
		t.Fatalf("alert not persisted: %v", err)
	}
	if alert.Status != domain.AlertStatusNew || alert.RiskScore != result.FinalScore {
		t.Errorf("alert fields mismatch: %+v", alert)
	}

	// Re-submitting after dropping the cached result must not create a
	// second alert for the same transaction.
	if err := p.cache.Delete(ctx, "eval:tx-6"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-6", "user-1", 5000, base.Add(6*time.Second)))
	if err != nil {
		// The transaction row already exists; a save conflict is also an
		// acceptable way to refuse the duplicate.
		return
	}
	if again.AlertCreated {
		t.Error("duplicate evaluation must not create a second alert")
	}
}

func TestMLSignalInAggregation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.MLScoreResponse{MLScore: 0.8, ModelVersion: "v2.1"})
	}))
	defer srv.Close()

	p := newTestPipeline(t, srv.URL)
	ctx := context.Background()
	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	result, err := p.evaluator.Evaluate(ctx, pipelineTx("tx-1", "user-1", 100, ts))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.MLScore == nil || *result.MLScore != 80.0 {
		t.Errorf("expected ml score 80, got %v", result.MLScore)
	}
	if result.ModelVersion != "v2.1" {
		t.Errorf("expected model version v2.1, got %s", result.ModelVersion)
	}
	// 0.5*10 (new_device) + 0.3*0 + 0.2*80 = 21.
	if result.FinalScore != 21.0 {
		t.Errorf("expected final score 21, got %f", result.FinalScore)
	}
}

func TestEvaluateRejectsMissingUser(t *testing.T) {
	p := newTestPipeline(t, "")

	tx := pipelineTx("tx-1", "", 100, time.Now().UTC())
	if _, err := p.evaluator.Evaluate(context.Background(), tx); err == nil {
		t.Error("expected error for missing userId")
	}
}
