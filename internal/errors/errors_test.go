package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
)

func TestSentinelsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("approve: %w", errors.ErrNotAuthorized)

	assert.True(t, errors.Is(wrapped, errors.ErrNotAuthorized))
	assert.False(t, errors.Is(wrapped, errors.ErrAlreadyTerminal))
	assert.Equal(t, errors.ErrCodeForbidden, errors.CodeOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := errors.Wrap(cause, errors.ErrCodeInternal, "failed to list approval rules")

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "failed to list approval rules: connection refused", err.Error())
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(err))
	assert.Nil(t, errors.Wrap(nil, errors.ErrCodeInternal, "unused"))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(stderrors.New("boom")))
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(errors.NotFound("approval_rule", "r-1")))
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(errors.InvalidInput("amount", "must not be negative")))
}
