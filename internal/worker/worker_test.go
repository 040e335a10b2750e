package worker

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
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/evaluator"
	"github.com/opensource-finance/merlin/internal/mlclient"
	"github.com/opensource-finance/merlin/internal/repository"
	"github.com/opensource-finance/merlin/internal/risk"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/stat"
	"github.com/opensource-finance/merlin/internal/velocity"
)

func newTestWorker(t *testing.T, mlURL string) (*Worker, domain.EventBus, domain.Repository) {
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

	b := bus.NewChannelBus(10)
	t.Cleanup(func() { b.Close() })

	fraud := domain.DefaultFraudConfig()
	fraud.ML.ServiceURL = mlURL // empty disables ML
	fraud.ML.TimeoutSeconds = 5

	ev := evaluator.New(
		baseline.NewStore(repo),
		rules.NewEngine(fraud.Rules, nil),
		stat.NewScorer(),
		mlclient.NewClient(fraud.ML),
		risk.NewAggregator(fraud.Scoring, fraud.Thresholds),
		velocity.NewService(repo, nil),
		repo,
		cache.NewLRUCache(100),
		b,
		fraud.Rules,
	)

	w := NewWorker(b, ev)
	t.Cleanup(func() { w.Stop() })
	return w, b, repo
}

func TestWorkerProcessesSubmittedTransaction(t *testing.T) {
	w, b, repo := newTestWorker(t, "")
	ctx := context.Background()

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(domain.TransactionRequest{
		TransactionID:    "tx-1",
		UserID:           "user-1",
		Amount:           decimal.NewFromInt(100),
		MerchantID:       "merchant-001",
		MerchantCategory: "groceries",
		Timestamp:        &ts,
		DeviceID:         "device-001",
		LocationState:    "CA",
		LocationCountry:  "US",
		Channel:          "online",
	})
	if err := b.Publish(ctx, domain.TopicTransactionSubmitted, payload); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := repo.GetTransaction(ctx, "tx-1"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("transaction never processed")
}

func TestWorkerIgnoresInvalidPayloads(t *testing.T) {
	w, b, repo := newTestWorker(t, "")
	ctx := context.Background()

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	// Garbage and an invalid request both get dropped without killing
	// the subscription.
	b.Publish(ctx, domain.TopicTransactionSubmitted, []byte("not json"))
	invalid, _ := json.Marshal(domain.TransactionRequest{TransactionID: "tx-bad"})
	b.Publish(ctx, domain.TopicTransactionSubmitted, invalid)

	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	valid, _ := json.Marshal(domain.TransactionRequest{
		TransactionID:    "tx-good",
		UserID:           "user-1",
		Amount:           decimal.NewFromInt(50),
		MerchantID:       "merchant-001",
		MerchantCategory: "groceries",
		Timestamp:        &ts,
		DeviceID:         "device-001",
		LocationState:    "CA",
		LocationCountry:  "US",
		Channel:          "online",
	})
	b.Publish(ctx, domain.TopicTransactionSubmitted, valid)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, err := repo.GetTransaction(ctx, "tx-good"); err == nil {
			if _, _, err := repo.GetTransaction(ctx, "tx-bad"); err == nil {
				t.Fatal("invalid request must not be processed")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("valid transaction never processed")
}

func TestWorkerStopWaitsForInFlightMessage(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		json.NewEncoder(w).Encode(domain.MLScoreResponse{MLScore: 0.1, ModelVersion: "v1"})
	}))
	defer srv.Close()
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	w, b, repo := newTestWorker(t, srv.URL)
	ctx := context.Background()

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	ts := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(domain.TransactionRequest{
		TransactionID:    "tx-1",
		UserID:           "user-1",
		Amount:           decimal.NewFromInt(100),
		MerchantID:       "merchant-001",
		MerchantCategory: "groceries",
		Timestamp:        &ts,
		DeviceID:         "device-001",
		LocationState:    "CA",
		LocationCountry:  "US",
		Channel:          "online",
	})
	if err := b.Publish(ctx, domain.TopicTransactionSubmitted, payload); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	// The handler is mid-evaluation, parked inside the ML call.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never reached the ML call")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a message was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned after the handler finished")
	}

	// Stop returning means the evaluation completed and persisted.
	if _, _, err := repo.GetTransaction(ctx, "tx-1"); err != nil {
		t.Fatalf("in-flight transaction not persisted: %v", err)
	}
}

func TestWorkerStats(t *testing.T) {
	w, _, _ := newTestWorker(t, "")

	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicTransactionSubmitted {
		t.Errorf("unexpected topics: %v", stats.Topics)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop worker: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("expected no subscriptions after stop")
	}
}
