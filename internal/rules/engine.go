// Package rules evaluates the CEL alert policy against scored transactions.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine holds compiled alert rules.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.AlertRule
	Program cel.Program
}

// NewEngine creates an alert engine. maxWorkers bounds parallel evaluation.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("transaction_id", cel.IntType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("fraud_score", cel.DoubleType),
		cel.Variable("is_fraud_suspected", cel.BoolType),
		cel.Variable("risk_tier", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("has_amount", cel.BoolType),
		cel.Variable("merchant_name", cel.StringType),
		cel.Variable("payment_channel", cel.StringType),
		cel.Variable("pending", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.AlertRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same ID.
func (e *Engine) LoadRule(cfg *domain.AlertRule) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// ReloadRules atomically swaps the loaded set for the enabled rules in configs.
// On a compile error the previous set stays loaded.
func (e *Engine) ReloadRules(configs []*domain.AlertRule) error {
	newRules := make(map[string]*CompiledRule)
	for _, cfg := range configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// Evaluate runs every loaded rule against one scored transaction. Results are
// ordered by rule ID. A rule that fails at runtime reports Matched false and
// carries the error text.
func (e *Engine) Evaluate(ctx context.Context, st domain.ScoredTransaction) []domain.RuleMatch {
	rules := e.snapshot()
	if len(rules) == 0 {
		return nil
	}

	activation := Activation(st)
	results := make([]domain.RuleMatch, len(rules))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluateRule(ctx, r, activation)
		}(i, rule)
	}

	wg.Wait()
	return results
}

// MatchedIDs returns the IDs of matched rules.
func MatchedIDs(matches []domain.RuleMatch) []string {
	var ids []string
	for _, m := range matches {
		if m.Matched {
			ids = append(ids, m.RuleID)
		}
	}
	return ids
}

// Activation builds the CEL variables for a scored transaction. Missing
// optional fields become zero values.
func Activation(st domain.ScoredTransaction) map[string]any {
	row := st.Row
	amount := 0.0
	if row.Amount != nil {
		amount = *row.Amount
	}
	return map[string]any{
		"transaction_id":     row.ID,
		"user_id":            row.UserID,
		"fraud_score":        st.Result.FraudScore,
		"is_fraud_suspected": st.Result.IsFraudSuspected,
		"risk_tier":          string(st.Result.RiskTier),
		"amount":             amount,
		"has_amount":         row.Amount != nil,
		"merchant_name":      deref(row.MerchantName),
		"payment_channel":    deref(row.PaymentChannel),
		"pending":            row.Pending,
	}
}

func evaluateRule(ctx context.Context, rule *CompiledRule, activation map[string]any) domain.RuleMatch {
	result := domain.RuleMatch{RuleID: rule.Config.ID}

	out, _, err := rule.Program.ContextEval(ctx, activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	if b, ok := out.(types.Bool); ok {
		result.Matched = bool(b)
	}
	return result
}

func (e *Engine) snapshot() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Config.ID < rules[j].Config.ID
	})
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations ordered by ID.
func (e *Engine) GetLoadedRules() []*domain.AlertRule {
	rules := e.snapshot()
	out := make([]*domain.AlertRule, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

// Close unloads all rules.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.AlertRule) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule ID is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
