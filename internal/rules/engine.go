package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/merlin/internal/domain"
)

// CustomEngine evaluates operator-defined CEL rules on top of the builtin
// rule set. Expressions see the transaction and baseline as variables and
// must return bool; a true result contributes the rule's points.
type CustomEngine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*compiledRule
}

type compiledRule struct {
	config  *domain.RuleConfig
	program cel.Program
}

// NewCustomEngine creates a custom rule engine.
func NewCustomEngine() (*CustomEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("device_id", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("location_state", cel.StringType),
		cel.Variable("location_country", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("baseline_count", cel.IntType),
		cel.Variable("avg_amount", cel.DoubleType),
		cel.Variable("is_new_device", cel.BoolType),
		cel.Variable("is_new_merchant", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CustomEngine{
		env:           env,
		compiledRules: make(map[string]*compiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it into the engine.
func (e *CustomEngine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *CustomEngine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *CustomEngine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *CustomEngine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*compiledRule)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *CustomEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// Evaluate runs all loaded custom rules against the input and returns the
// triggered ones in rule-name order. An expression error disables that rule
// for the transaction rather than failing the evaluation.
func (e *CustomEngine) Evaluate(input Input) []domain.TriggeredRule {
	e.mu.RLock()
	configs := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	byID := make(map[string]*compiledRule, len(e.compiledRules))
	for _, r := range e.compiledRules {
		configs = append(configs, r.config)
		byID[r.config.ID] = r
	}
	e.mu.RUnlock()

	if len(configs) == 0 {
		return nil
	}

	sortRuleConfigs(configs)

	tx := input.Transaction
	b := input.Baseline
	activation := map[string]any{
		"amount":            tx.Amount.InexactFloat64(),
		"merchant_id":       tx.MerchantID,
		"merchant_category": tx.MerchantCategory,
		"device_id":         tx.DeviceID,
		"channel":           tx.Channel,
		"location_state":    tx.LocationState,
		"location_country":  tx.LocationCountry,
		"hour":              tx.Hour(),
		"velocity_count":    input.RecentCount,
		"baseline_count":    b.TransactionCount,
		"avg_amount":        b.AvgAmount.InexactFloat64(),
		"is_new_device":     !b.KnowsDevice(tx.DeviceID),
		"is_new_merchant":   !b.KnowsMerchant(tx.MerchantID),
	}

	var triggered []domain.TriggeredRule
	for _, cfg := range configs {
		rule := byID[cfg.ID]
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			continue
		}
		if fired, ok := out.(types.Bool); ok && bool(fired) {
			explanation := cfg.Explanation
			if explanation == "" {
				explanation = "Custom rule matched: " + cfg.Name
			}
			triggered = append(triggered, domain.TriggeredRule{
				RuleName:    cfg.Name,
				Points:      cfg.Points,
				Explanation: explanation,
			})
		}
	}
	return triggered
}

func (e *CustomEngine) compileRule(cfg *domain.RuleConfig) (*compiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}
