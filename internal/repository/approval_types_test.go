package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
)

func ptr(v int64) *int64 { return &v }

func TestApprovalRuleContains(t *testing.T) {
	bounded := &ApprovalRule{MinAmount: 50000, MaxAmount: ptr(500000)}
	assert.False(t, bounded.Contains(49999))
	assert.True(t, bounded.Contains(50000))
	assert.True(t, bounded.Contains(500000))
	assert.False(t, bounded.Contains(500001))

	open := &ApprovalRule{MinAmount: 500000}
	assert.True(t, open.Contains(1<<40))
	assert.False(t, open.Contains(0))
}

func TestApprovalRuleValidate(t *testing.T) {
	valid := func() *ApprovalRule {
		return &ApprovalRule{
			Name:      "mid",
			MinAmount: 100,
			MaxAmount: ptr(200),
			Levels:    []LevelSpec{{Role: "finance_manager"}},
		}
	}

	assert.NoError(t, valid().Validate())

	cases := map[string]func(r *ApprovalRule){
		"name":       func(r *ApprovalRule) { r.Name = " " },
		"min":        func(r *ApprovalRule) { r.MinAmount = -1 },
		"inverted":   func(r *ApprovalRule) { r.MaxAmount = ptr(99) },
		"no levels":  func(r *ApprovalRule) { r.Levels = nil },
		"too many":   func(r *ApprovalRule) { r.Levels = make([]LevelSpec, 4) },
		"empty level": func(r *ApprovalRule) { r.Levels = []LevelSpec{{}} },
		"auto floor": func(r *ApprovalRule) { r.AutoApproveBelow = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := valid()
			mutate(r)
			err := r.Validate()
			assert.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestRequestStatusIsTerminal(t *testing.T) {
	assert.False(t, RequestStatusNone.IsTerminal())
	assert.False(t, RequestStatusPendingApproval.IsTerminal())
	assert.True(t, RequestStatusApproved.IsTerminal())
	assert.True(t, RequestStatusRejected.IsTerminal())
}
