// Package evaluator sequences the fraud scoring pipeline: baseline read,
// rule/statistical/ML scoring, aggregation, persistence, alerting, and
// the baseline update.
package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/mlclient"
	"github.com/opensource-finance/merlin/internal/risk"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/stat"
	"github.com/opensource-finance/merlin/internal/velocity"
)

// evaluationCacheTTL bounds how long evaluation results are kept for
// duplicate-submission short-circuiting.
const evaluationCacheTTL = 15 * time.Minute

// Evaluator runs the scoring pipeline for one transaction at a time per
// call. Transactions for different users evaluate fully in parallel; the
// baseline store serializes same-user state.
type Evaluator struct {
	baselines  *baseline.Store
	engine     *rules.Engine
	scorer     *stat.Scorer
	ml         *mlclient.Client
	aggregator *risk.Aggregator
	velocity   *velocity.Service

	repo  domain.Repository // optional
	cache domain.Cache      // optional
	bus   domain.EventBus   // optional

	params domain.RuleParameters
}

// New creates an evaluator. repo, cache, and bus are optional; the core
// scoring path works without them.
func New(
	baselines *baseline.Store,
	engine *rules.Engine,
	scorer *stat.Scorer,
	ml *mlclient.Client,
	aggregator *risk.Aggregator,
	vel *velocity.Service,
	repo domain.Repository,
	cache domain.Cache,
	bus domain.EventBus,
	params domain.RuleParameters,
) *Evaluator {
	return &Evaluator{
		baselines:  baselines,
		engine:     engine,
		scorer:     scorer,
		ml:         ml,
		aggregator: aggregator,
		velocity:   vel,
		repo:       repo,
		cache:      cache,
		bus:        bus,
		params:     params,
	}
}

// Evaluate scores a transaction and returns its evaluation result.
// The evaluation always completes: ML unavailability degrades to the
// fallback score and never aborts the pipeline. The transaction must be
// fully populated (the API layer validates before calling).
func (e *Evaluator) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.EvaluationResult, error) {
	if tx == nil || tx.UserID == "" {
		return nil, fmt.Errorf("%w: transaction with userId is required", domain.ErrInvalidInput)
	}

	// Duplicate submission of a transaction ID returns the original result
	// without re-scoring or re-alerting.
	if e.cache != nil {
		if cached, err := e.cache.GetEvaluation(ctx, tx.ID); err == nil && cached != nil {
			return cached, nil
		}
	}

	// 1. Baseline snapshot. All scoring below reads this pre-update state.
	b, err := e.baselines.GetOrCreate(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}

	// 2. Rule evaluation. The recent count covers the trailing rule window
	// and includes the transaction under evaluation.
	recentCount := e.countRecent(ctx, tx, time.Duration(e.params.VelocityWindowMinutes)*time.Minute)
	ruleEval := e.engine.Evaluate(rules.Input{
		Transaction: tx,
		Baseline:    b,
		RecentCount: recentCount,
	})

	// Statistical deviation scoring against the same snapshot.
	statResult := e.scorer.ComputeScore(tx, b)

	// 3. ML scoring. The client degrades to its local fallback internally,
	// so a configured ML signal is always present in the aggregation.
	var mlScore *float64
	modelVersion := ""
	if e.ml != nil && e.ml.Enabled() {
		recent10m := e.countRecent(ctx, tx, velocity.MLFeatureWindow)
		mlResp := e.ml.GetScore(ctx, tx, b, recent10m)
		mlScore = &mlResp.MLScore
		modelVersion = mlResp.ModelVersion
	}

	// 4. Aggregate.
	agg := e.aggregator.Aggregate(risk.Input{
		RuleScore:        ruleEval.RuleScore,
		StatisticalScore: statResult.Score,
		MLScore:          mlScore,
		TriggeredRules:   ruleEval.TriggeredRules,
	})

	result := &domain.EvaluationResult{
		TransactionID:    tx.ID,
		UserID:           tx.UserID,
		RuleScore:        ruleEval.RuleScore,
		StatisticalScore: statResult.Score,
		MLScore:          agg.MLScore100,
		ZScore:           statResult.ZScore,
		VelocityCount:    ruleEval.VelocityCount,
		FinalScore:       agg.FinalScore,
		RiskCategory:     agg.RiskCategory,
		TriggeredRules:   ruleEval.TriggeredRules,
		Explanation:      agg.Explanation,
		ModelVersion:     modelVersion,
		EvaluatedAt:      time.Now().UTC(),
	}

	// 5. Persist the annotated transaction.
	if e.repo != nil {
		if err := e.repo.SaveTransaction(ctx, tx, result); err != nil {
			return nil, fmt.Errorf("failed to save transaction %s: %w", tx.ID, err)
		}
	}

	// 6. Alert on FLAGGED. The unique transaction_id constraint makes
	// creation an atomic insert-if-absent.
	if result.RiskCategory == domain.RiskFlagged && e.repo != nil {
		now := time.Now().UTC()
		created, err := e.repo.CreateAlertIfAbsent(ctx, &domain.Alert{
			ID:            uuid.New().String(),
			TransactionID: tx.ID,
			UserID:        tx.UserID,
			RiskScore:     result.FinalScore,
			Status:        domain.AlertStatusNew,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create alert for %s: %w", tx.ID, err)
		}
		result.AlertCreated = created
		if created {
			slog.Info("alert created",
				"transaction_id", tx.ID,
				"user_id", tx.UserID,
				"risk_score", result.FinalScore,
			)
		}
	}

	// 7. Update the baseline, strictly after the scoring reads above.
	if err := e.baselines.Update(ctx, tx); err != nil {
		// The evaluation result already stands; a write-through failure
		// must not retract it.
		slog.Error("failed to update baseline",
			"user_id", tx.UserID,
			"transaction_id", tx.ID,
			"error", err,
		)
	}

	e.afterEvaluate(ctx, tx, result)

	return result, nil
}

// countRecent returns the user's transaction count in the trailing window,
// counting the transaction under evaluation as well. Velocity lookup
// failures degrade to zero rather than failing the evaluation.
func (e *Evaluator) countRecent(ctx context.Context, tx *domain.Transaction, window time.Duration) int {
	if e.velocity == nil {
		return 1
	}
	count, err := e.velocity.CountSince(ctx, tx.UserID, tx.Timestamp, window)
	if err != nil {
		slog.Warn("velocity lookup failed",
			"user_id", tx.UserID,
			"window", window.String(),
			"error", err,
		)
		return 1
	}
	return count + 1
}

// afterEvaluate handles the non-critical post-scoring side effects:
// rolling velocity counters, the evaluation cache, and bus events.
func (e *Evaluator) afterEvaluate(ctx context.Context, tx *domain.Transaction, result *domain.EvaluationResult) {
	if e.velocity != nil {
		ruleWindow := time.Duration(e.params.VelocityWindowMinutes) * time.Minute
		if err := e.velocity.Observe(ctx, tx.UserID, ruleWindow, velocity.MLFeatureWindow); err != nil {
			slog.Warn("failed to record velocity", "user_id", tx.UserID, "error", err)
		}
	}

	if e.cache != nil {
		if err := e.cache.SetEvaluation(ctx, tx.ID, result, evaluationCacheTTL); err != nil {
			slog.Warn("failed to cache evaluation", "transaction_id", tx.ID, "error", err)
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			return
		}
		if err := e.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
			slog.Warn("failed to publish decision", "transaction_id", tx.ID, "error", err)
		}
		if result.RiskCategory == domain.RiskFlagged {
			if err := e.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
				slog.Warn("failed to publish alert", "transaction_id", tx.ID, "error", err)
			}
		}
	}
}
