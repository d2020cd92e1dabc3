// Package policy decides whether a booking may open another payment attempt,
// using govaluate expressions over the attempt's parameters.
package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
)

// PolicyDecision represents the outcome of a policy evaluation.
type PolicyDecision struct {
	AllowRetry     bool   `json:"allowRetry"`
	EscalateManual bool   `json:"escalateManual"`
	Reason         string `json:"reason,omitempty"`
}

// PolicyRule pairs a boolean expression with the decision it yields when true.
// Rules are evaluated in ascending Priority; the first match wins.
type PolicyRule struct {
	ID         string
	Expression string
	Priority   int
	Decision   PolicyDecision
}

// AttemptContext carries the variables visible to rule expressions:
// attempt_number, amount, currency, provider, previous_status.
type AttemptContext struct {
	AttemptNumber  int
	Amount         float64
	Currency       string
	Provider       string
	PreviousStatus string
}

func (a AttemptContext) parameters() map[string]interface{} {
	return map[string]interface{}{
		"attempt_number":  float64(a.AttemptNumber),
		"amount":          a.Amount,
		"currency":        a.Currency,
		"provider":        a.Provider,
		"previous_status": a.PreviousStatus,
	}
}

type compiledRule struct {
	rule PolicyRule
	expr *govaluate.EvaluableExpression
}

// PaymentPolicyEnforcer evaluates compiled rules.
type PaymentPolicyEnforcer struct {
	rules []compiledRule
}

// NewPaymentPolicyEnforcer compiles rules. An empty rule set allows every attempt.
func NewPaymentPolicyEnforcer(rules []PolicyRule) (*PaymentPolicyEnforcer, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy: policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{rule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority < compiled[j].rule.Priority
	})
	return &PaymentPolicyEnforcer{rules: compiled}, nil
}

// MaxAttemptsRule denies any attempt numbered above max.
func MaxAttemptsRule(max int) PolicyRule {
	return PolicyRule{
		ID:         "max_attempts",
		Expression: fmt.Sprintf("attempt_number > %d", max),
		Decision:   PolicyDecision{AllowRetry: false, Reason: fmt.Sprintf("at most %d payment attempts per booking", max)},
	}
}

// Evaluate returns the decision of the first matching rule, or an allowing
// default when none matches. A rule that does not evaluate to a boolean is an error.
func (ppe *PaymentPolicyEnforcer) Evaluate(ac AttemptContext) (PolicyDecision, error) {
	params := ac.parameters()
	for _, cr := range ppe.rules {
		result, err := cr.expr.Evaluate(params)
		if err != nil {
			return PolicyDecision{}, fmt.Errorf("policy: evaluate rule ID '%s': %w", cr.rule.ID, err)
		}
		matched, ok := result.(bool)
		if !ok {
			return PolicyDecision{}, fmt.Errorf("policy: rule ID '%s' did not evaluate to a boolean (got %T)", cr.rule.ID, result)
		}
		if matched {
			d := cr.rule.Decision
			if d.Reason == "" {
				d.Reason = cr.rule.ID
			}
			return d, nil
		}
	}
	return PolicyDecision{AllowRetry: true}, nil
}
