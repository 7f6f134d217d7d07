package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

func newResolver(t *testing.T, rules ...*repository.ApprovalRule) *service.RuleResolver {
	t.Helper()
	store := memory.New()
	for _, r := range rules {
		require.NoError(t, store.CreateRule(context.Background(), r))
	}
	return service.NewRuleResolver(store)
}

func TestResolve_DefaultBands(t *testing.T) {
	resolver := newResolver(t, repository.DefaultRules()...)

	cases := []struct {
		amount int64
		name   string
		levels int
	}{
		{0, "Small purchases", 1},
		{amountAutoApproved, "Small purchases", 1},
		{amountOneLevel, "Small purchases", 1},
		{50000, "Medium purchases", 2}, // shared boundary goes to the higher band
		{amountTwoLevels, "Medium purchases", 2},
		{500000, "Large purchases", 3},
		{amountThreeLevels, "Large purchases", 3},
	}
	for _, tc := range cases {
		rule, err := resolver.Resolve(context.Background(), tc.amount)
		require.NoError(t, err)
		require.NotNil(t, rule, "amount %d", tc.amount)
		assert.Equal(t, tc.name, rule.Name, "amount %d", tc.amount)
		assert.Len(t, rule.Levels, tc.levels, "amount %d", tc.amount)
	}
}

func TestResolve_GreatestMinAmountWinsAmongOverlaps(t *testing.T) {
	resolver := newResolver(t,
		band("wide", 0, nil, "director"),
		band("narrow", 1000, cents(2000), "finance_manager"),
		band("middle", 500, cents(5000), "purchasing_manager"),
	)

	for i := 0; i < 5; i++ {
		rule, err := resolver.Resolve(context.Background(), 1500)
		require.NoError(t, err)
		require.NotNil(t, rule)
		assert.Equal(t, "narrow", rule.Name)
	}

	rule, err := resolver.Resolve(context.Background(), 3000)
	require.NoError(t, err)
	assert.Equal(t, "middle", rule.Name)

	rule, err = resolver.Resolve(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "wide", rule.Name)
}

func TestResolve_EqualMinAmountPrefersEarliestRule(t *testing.T) {
	resolver := newResolver(t,
		band("first", 100, nil, "director"),
		band("second", 100, cents(1000), "finance_manager"),
	)

	rule, err := resolver.Resolve(context.Background(), 500)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "first", rule.Name)
}

func TestResolve_IgnoresInactiveRules(t *testing.T) {
	inactive := band("inactive", 1000, nil, "director")
	inactive.IsActive = false
	resolver := newResolver(t, band("base", 0, nil, "purchasing_manager"), inactive)

	rule, err := resolver.Resolve(context.Background(), 5000)
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, "base", rule.Name)
}

func TestResolve_NoMatchReturnsNil(t *testing.T) {
	resolver := newResolver(t, band("band", 100, cents(200), "director"))

	rule, err := resolver.Resolve(context.Background(), 50)
	require.NoError(t, err)
	assert.Nil(t, rule)

	rule, err = resolver.Resolve(context.Background(), 201)
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestResolve_NegativeAmount(t *testing.T) {
	resolver := newResolver(t, repository.DefaultRules()...)

	_, err := resolver.Resolve(context.Background(), -1)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}
