package service

import (
	"context"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// RuleResolver selects the approval rule that applies to an amount.
type RuleResolver struct {
	rules RuleStore
}

// NewRuleResolver creates a new RuleResolver.
func NewRuleResolver(rules RuleStore) *RuleResolver {
	return &RuleResolver{rules: rules}
}

// Resolve returns the active rule whose band contains amount and whose
// MinAmount is greatest. Rules with equal MinAmount keep store order, so the
// earliest created wins. Returns nil, nil when nothing matches.
func (r *RuleResolver) Resolve(ctx context.Context, amount int64) (*repository.ApprovalRule, error) {
	if amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}

	rules, err := r.rules.ActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	var best *repository.ApprovalRule
	for _, rule := range rules {
		if !rule.IsActive || !rule.Contains(amount) {
			continue
		}
		if best == nil || rule.MinAmount > best.MinAmount {
			best = rule
		}
	}
	return best, nil
}
