package repository

import (
	"strings"
	"time"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
)

// ── Domain types for the purchase-order approval workflow ────────────────────

// MaxLevels is the longest approval chain a rule may define.
const MaxLevels = 3

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestStatusNone            RequestStatus = "none"
	RequestStatusPendingApproval RequestStatus = "pending_approval"
	RequestStatusApproved        RequestStatus = "approved"
	RequestStatusRejected        RequestStatus = "rejected"
)

// IsTerminal reports whether no further transition is accepted.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusApproved || s == RequestStatusRejected
}

// RecordStatus is the state of one approval level.
type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "pending"
	RecordStatusApproved RecordStatus = "approved"
	RecordStatusRejected RecordStatus = "rejected"
)

// LevelSpec names who may sign off a level: a role, a specific user, or both
// (either satisfies).
type LevelSpec struct {
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
	UserID string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
}

// ApprovalRule maps an amount band to an ordered approval chain.
type ApprovalRule struct {
	ID               string
	Name             string
	MinAmount        int64  // cents
	MaxAmount        *int64 // cents; nil = unbounded
	Levels           []LevelSpec
	AutoApproveBelow int64 // cents; 0 = never auto-approve
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Contains reports whether amount falls inside the rule's inclusive band.
func (r *ApprovalRule) Contains(amount int64) bool {
	if amount < r.MinAmount {
		return false
	}
	return r.MaxAmount == nil || amount <= *r.MaxAmount
}

// Validate checks the rule's structural invariants.
func (r *ApprovalRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.InvalidInput("name", "rule name is required")
	}
	if r.MinAmount < 0 {
		return errors.InvalidInput("min_amount", "must not be negative")
	}
	if r.MaxAmount != nil && *r.MaxAmount < r.MinAmount {
		return errors.InvalidInput("max_amount", "must be greater than or equal to min_amount")
	}
	if len(r.Levels) == 0 || len(r.Levels) > MaxLevels {
		return errors.InvalidInput("levels", "a rule needs between 1 and 3 approval levels")
	}
	for _, l := range r.Levels {
		if strings.TrimSpace(l.Role) == "" && strings.TrimSpace(l.UserID) == "" {
			return errors.InvalidInput("levels", "every level needs a role or a user")
		}
	}
	if r.AutoApproveBelow < 0 {
		return errors.InvalidInput("auto_approve_below", "must not be negative")
	}
	return nil
}

// ApprovalRequest is the subject under approval (a purchase order).
type ApprovalRequest struct {
	ID          string
	Reference   string
	Amount      int64 // cents
	Status      RequestStatus
	RequestedBy string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApprovalRecord is one level of a materialized approval chain.
type ApprovalRecord struct {
	ID        string
	RequestID string
	Level     int
	Approver  LevelSpec
	Status    RecordStatus
	ActedBy   *string
	Comments  *string
	DecidedAt *time.Time
	CreatedAt time.Time
}

// RecordDecision is the payload of a pending -> terminal record transition.
type RecordDecision struct {
	Status    RecordStatus
	ActedBy   string
	Comments  string
	DecidedAt time.Time
}

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID           string
	RequestID    string
	RecordID     *string
	Action       string // submitted | auto_approved | approved | rejected
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{}
}
