package domain

import (
	"time"
)

// Risk categories assigned by the aggregator.
const (
	RiskApproved = "APPROVED"
	RiskMonitor  = "MONITOR"
	RiskFlagged  = "FLAGGED"
)

// TriggeredRule describes a single fraud rule that fired during evaluation.
// Order in EvaluationResult.TriggeredRules is the rule evaluation order.
type TriggeredRule struct {
	RuleName    string  `json:"ruleName"`
	Points      float64 `json:"points"`
	Explanation string  `json:"explanation"`
}

// EvaluationResult is the complete scoring outcome for one transaction.
// Produced once per transaction by the evaluator; immutable afterward.
type EvaluationResult struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`

	// Component scores
	RuleScore        float64  `json:"ruleScore"`
	StatisticalScore float64  `json:"statisticalScore"`
	MLScore          *float64 `json:"mlScore,omitempty"` // 0-100, nil when ML unavailable
	ZScore           float64  `json:"zScore"`
	VelocityCount    int      `json:"velocityCount"`

	// Final decision
	FinalScore   float64 `json:"finalScore"`
	RiskCategory string  `json:"riskCategory"`

	TriggeredRules []TriggeredRule `json:"triggeredRules"`
	Explanation    string          `json:"explanation"`

	ModelVersion string `json:"modelVersion,omitempty"`
	AlertCreated bool   `json:"alertCreated"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// MLScoreRequest is the feature payload sent to the external scoring service.
type MLScoreRequest struct {
	Amount             float64 `json:"amount"`
	HourOfDay          int     `json:"hourOfDay"`
	Velocity10m        int     `json:"velocity10m"`
	DistanceFromLastKm float64 `json:"distanceFromLastKm"`
	IsNewDevice        int     `json:"isNewDevice"`   // 0 or 1
	IsNewMerchant      int     `json:"isNewMerchant"` // 0 or 1
	MerchantCategory   string  `json:"merchantCategory"`
}

// MLScoreResponse is the external scoring service's answer (or the local fallback).
type MLScoreResponse struct {
	MLScore             float64  `json:"mlScore"` // 0-1
	ModelVersion        string   `json:"modelVersion"`
	ContributingReasons []string `json:"contributingReasons,omitempty"`
}
