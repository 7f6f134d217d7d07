package errors

// Approval workflow outcomes surfaced to callers. None of them is retryable.
var (
	ErrNotAuthorized    = New(ErrCodeForbidden, "no actionable approval level for principal")
	ErrReasonRequired   = New(ErrCodeInvalidInput, "rejection reason is required")
	ErrAlreadyTerminal  = New(ErrCodeConflict, "approval request is already in a terminal state")
	ErrAlreadyInitiated = New(ErrCodeConflict, "approval workflow already initiated for request")
	ErrNoMatchingRule   = New(ErrCodeConflict, "no active approval rule matches request amount")
)
