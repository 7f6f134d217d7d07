package service

import (
	"context"

	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// RuleStore reads and administers approval rules.
type RuleStore interface {
	ActiveRules(ctx context.Context) ([]*repository.ApprovalRule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRule, error)
	GetRule(ctx context.Context, id string) (*repository.ApprovalRule, error)
	CreateRule(ctx context.Context, rule *repository.ApprovalRule) error
	UpdateRule(ctx context.Context, rule *repository.ApprovalRule) error
	DeleteRule(ctx context.Context, id string) error
	SeedRules(ctx context.Context, rules []*repository.ApprovalRule) (bool, error)
}

// RequestStore owns the requests under approval. The engine only reads the
// amount and writes the status, always conditionally.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *repository.ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	SetRequestStatus(ctx context.Context, id string, from, to repository.RequestStatus) (bool, error)
}

// ChainStore holds materialized approval chains.
type ChainStore interface {
	// CreateChain moves the request none -> pending_approval and inserts the
	// records atomically, or returns errors.ErrAlreadyInitiated.
	CreateChain(ctx context.Context, requestID string, records []*repository.ApprovalRecord) error
	ListRecords(ctx context.Context, requestID string) ([]*repository.ApprovalRecord, error)
	ListPendingRecords(ctx context.Context) ([]*repository.ApprovalRecord, error)
	// DecideRecord reports whether this call moved the record out of pending.
	DecideRecord(ctx context.Context, recordID string, d repository.RecordDecision) (bool, error)
}

// AuditStore is the append-only approval audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) error
	ListAudit(ctx context.Context, requestID string) ([]*repository.ApprovalAuditEntry, error)
}

// IdentityProvider resolves the roles a principal currently holds.
type IdentityProvider interface {
	RolesOf(ctx context.Context, principalID string) ([]string, error)
}

// Notifier receives workflow outcome events. Calls are fire-and-forget:
// a returned error is logged and never changes the outcome.
type Notifier interface {
	ApprovalRequired(ctx context.Context, requestID string, rule *repository.ApprovalRule) error
	LevelApproved(ctx context.Context, requestID string, level int) error
	FullyApproved(ctx context.Context, requestID string) error
	Rejected(ctx context.Context, requestID, reason string) error
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) ApprovalRequired(context.Context, string, *repository.ApprovalRule) error {
	return nil
}
func (NopNotifier) LevelApproved(context.Context, string, int) error { return nil }
func (NopNotifier) FullyApproved(context.Context, string) error      { return nil }
func (NopNotifier) Rejected(context.Context, string, string) error   { return nil }
