// Package worker provides async transaction scoring from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/evaluator"
)

// Worker consumes submitted transactions from the EventBus and runs them
// through the evaluation pipeline. Decision and alert events are
// published by the evaluator itself.
type Worker struct {
	bus       domain.EventBus
	evaluator *evaluator.Evaluator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, ev *evaluator.Evaluator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		evaluator: ev,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the transaction submission topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started", "topic", domain.TopicTransactionSubmitted)
	return nil
}

// handleMessage scores a single submitted transaction. Stop waits for
// the message in flight before returning.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if err := req.Validate(); err != nil {
		slog.Error("invalid transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tx := req.ToTransaction(func() string { return uuid.New().String() })

	result, err := w.evaluator.Evaluate(ctx, tx)
	if err != nil {
		slog.Error("evaluation failed",
			"transaction_id", tx.ID,
			"user_id", tx.UserID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction processed",
		"transaction_id", tx.ID,
		"user_id", tx.UserID,
		"risk_category", result.RiskCategory,
		"score", result.FinalScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
