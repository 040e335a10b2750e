package domain

import (
	"time"
)

// Alert statuses. New alerts start as NEW and move through the analyst workflow.
const (
	AlertStatusNew           = "NEW"
	AlertStatusInvestigating = "INVESTIGATING"
	AlertStatusResolved      = "RESOLVED"
	AlertStatusFalsePositive = "FALSE_POSITIVE"
)

// Alert is created when a transaction is FLAGGED. At most one alert exists
// per transaction ID; the repository enforces this with a unique constraint.
type Alert struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	RiskScore     float64   `json:"riskScore"`
	Status        string    `json:"status"`
	AnalystNotes  string    `json:"analystNotes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ValidAlertStatus reports whether s is a recognized alert status.
func ValidAlertStatus(s string) bool {
	switch s {
	case AlertStatusNew, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive:
		return true
	}
	return false
}
