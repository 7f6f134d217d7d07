package repository

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default approval roles, one per chain level.
const (
	RolePurchasingManager = "purchasing_manager"
	RoleFinanceManager    = "finance_manager"
	RoleDirector          = "director"
)

// DefaultRules returns the rule set seeded into an empty store. Amounts are
// in cents: [0, 50000] one level with auto-approval under 10000, [50000, 500000] two
// levels, [500000, ∞) three levels.
func DefaultRules() []*ApprovalRule {
	small := int64(50000)
	medium := int64(500000)
	return []*ApprovalRule{
		{
			Name:             "Small purchases",
			MinAmount:        0,
			MaxAmount:        &small,
			Levels:           []LevelSpec{{Role: RolePurchasingManager}},
			AutoApproveBelow: 10000,
			IsActive:         true,
		},
		{
			Name:      "Medium purchases",
			MinAmount: 50000,
			MaxAmount: &medium,
			Levels: []LevelSpec{
				{Role: RolePurchasingManager},
				{Role: RoleFinanceManager},
			},
			IsActive: true,
		},
		{
			Name:      "Large purchases",
			MinAmount: 500000,
			Levels: []LevelSpec{
				{Role: RolePurchasingManager},
				{Role: RoleFinanceManager},
				{Role: RoleDirector},
			},
			IsActive: true,
		},
	}
}

// rulesFile is the YAML layout of RULES_FILE.
type rulesFile struct {
	Rules []struct {
		Name             string      `yaml:"name"`
		MinAmount        int64       `yaml:"min_amount"`
		MaxAmount        *int64      `yaml:"max_amount,omitempty"`
		Levels           []LevelSpec `yaml:"levels"`
		AutoApproveBelow int64       `yaml:"auto_approve_below,omitempty"`
		Active           *bool       `yaml:"active,omitempty"`
	} `yaml:"rules"`
}

// LoadRulesFile reads a seed rule set from YAML. A missing file yields
// DefaultRules. Every rule is validated.
func LoadRulesFile(path string) ([]*ApprovalRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	rules := make([]*ApprovalRule, 0, len(f.Rules))
	for i, fr := range f.Rules {
		active := true
		if fr.Active != nil {
			active = *fr.Active
		}
		rule := &ApprovalRule{
			Name:             fr.Name,
			MinAmount:        fr.MinAmount,
			MaxAmount:        fr.MaxAmount,
			Levels:           fr.Levels,
			AutoApproveBelow: fr.AutoApproveBelow,
			IsActive:         active,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rules file entry %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
