package domain

import (
	"time"
)

// RuleConfig defines an operator-supplied custom fraud rule.
// Custom rules run after the builtin rules and contribute their Points
// to the rule score when the CEL expression evaluates to true.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// CEL expression over transaction and baseline variables; must return bool.
	Expression string `json:"expression"`

	// Points added to the rule score when the expression is true.
	Points float64 `json:"points"`

	// Explanation template shown when the rule fires.
	Explanation string `json:"explanation,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
