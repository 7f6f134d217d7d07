package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// NoRulePolicy decides what Initiate does when no active rule matches.
type NoRulePolicy string

const (
	NoRuleApprove NoRulePolicy = "approve"
	NoRuleReject  NoRulePolicy = "reject"
	NoRuleHold    NoRulePolicy = "hold"
)

// ParseNoRulePolicy maps a config value to a NoRulePolicy. Empty means approve.
func ParseNoRulePolicy(v string) (NoRulePolicy, error) {
	switch p := NoRulePolicy(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return NoRuleApprove, nil
	case NoRuleApprove, NoRuleReject, NoRuleHold:
		return p, nil
	default:
		return "", errors.InvalidInput("no_rule_policy", fmt.Sprintf("unknown policy %q", v))
	}
}

// InitiateOutcome is the result kind of Initiate.
type InitiateOutcome string

const (
	OutcomeAutoApproved InitiateOutcome = "auto_approved"
	OutcomeChainCreated InitiateOutcome = "chain_created"
	OutcomeAutoRejected InitiateOutcome = "rejected"
)

// InitiateResult describes what Initiate did to a request.
type InitiateResult struct {
	Outcome InitiateOutcome
	Status  repository.RequestStatus
	Rule    *repository.ApprovalRule // nil when no rule matched
	Records []*repository.ApprovalRecord
}

// DecisionOutcome is the result kind of Approve and Reject.
type DecisionOutcome string

const (
	DecisionLevelApproved DecisionOutcome = "level_approved"
	DecisionFullyApproved DecisionOutcome = "fully_approved"
	DecisionRejected      DecisionOutcome = "rejected"
)

// Decision is the outcome of an approve or reject action. Replayed is set
// when the action changed nothing because the request had already reached
// the reported terminal state.
type Decision struct {
	Outcome       DecisionOutcome
	Level         int
	RequestStatus repository.RequestStatus
	Replayed      bool
}

// Chain is a request together with its approval records.
type Chain struct {
	Request *repository.ApprovalRequest
	Records []*repository.ApprovalRecord
}

// Audit actions.
const (
	auditSubmitted    = "submitted"
	auditAutoApproved = "auto_approved"
	auditApproved     = "approved"
	auditRejected     = "rejected"
)

type action int

const (
	actionApprove action = iota
	actionReject
)

// ApprovalRoutingService orchestrates the multi-level approval workflow.
type ApprovalRoutingService struct {
	rules    RuleStore
	requests RequestStore
	chains   ChainStore
	audit    AuditStore
	resolver *RuleResolver
	authz    *Authorizer
	notifier Notifier
	noRule   NoRulePolicy
	now      func() time.Time
	log      *logger.Logger
}

// NewApprovalRoutingService creates a new ApprovalRoutingService. A nil
// notifier discards events.
func NewApprovalRoutingService(
	rules RuleStore,
	requests RequestStore,
	chains ChainStore,
	audit AuditStore,
	authz *Authorizer,
	notifier Notifier,
	noRule NoRulePolicy,
	log *logger.Logger,
) *ApprovalRoutingService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if noRule == "" {
		noRule = NoRuleApprove
	}
	return &ApprovalRoutingService{
		rules:    rules,
		requests: requests,
		chains:   chains,
		audit:    audit,
		resolver: NewRuleResolver(rules),
		authz:    authz,
		notifier: notifier,
		noRule:   noRule,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// ── Requests ──────────────────────────────────────────────────────────────────

// CreateRequest registers a request in status none.
func (s *ApprovalRoutingService) CreateRequest(
	ctx context.Context,
	reference string,
	amount int64,
	requestedBy string,
) (*repository.ApprovalRequest, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, errors.InvalidInput("reference", "reference is required")
	}
	if amount < 0 {
		return nil, errors.InvalidInput("amount", "must not be negative")
	}

	req := &repository.ApprovalRequest{
		Reference:   strings.TrimSpace(reference),
		Amount:      amount,
		RequestedBy: requestedBy,
	}
	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("reference", req.Reference).
		Int64("amount", req.Amount).
		Msg("Approval request registered")

	return req, nil
}

// GetRequest returns a request by id.
func (s *ApprovalRoutingService) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.requests.GetRequest(ctx, id)
}

// ── Workflow creation ─────────────────────────────────────────────────────────

// Initiate resolves the rule for a request in status none and either settles
// it immediately or materializes its approval chain. Calling it again on the
// same request returns ErrAlreadyInitiated and changes nothing.
func (s *ApprovalRoutingService) Initiate(
	ctx context.Context,
	requestID, submittedBy string,
) (*InitiateResult, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestStatusNone {
		return nil, errors.ErrAlreadyInitiated
	}

	rule, err := s.resolver.Resolve(ctx, req.Amount)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return s.applyNoRulePolicy(ctx, req, submittedBy)
	}

	if rule.AutoApproveBelow > 0 && req.Amount < rule.AutoApproveBelow {
		return s.settle(ctx, req, rule, submittedBy, repository.RequestStatusApproved, "below_auto_approve_floor")
	}

	records := buildRecords(rule)
	if err := s.chains.CreateChain(ctx, req.ID, records); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.ApprovalAuditEntry{
		RequestID:    req.ID,
		Action:       auditSubmitted,
		PerformedBy:  submittedBy,
		StatusBefore: statusPtr(repository.RequestStatusNone),
		StatusAfter:  statusPtr(repository.RequestStatusPendingApproval),
		Metadata: map[string]interface{}{
			"rule_id":     rule.ID,
			"rule_name":   rule.Name,
			"total_steps": len(records),
			"amount":      req.Amount,
		},
	})

	s.notify(req.ID, "approval_required", func() error {
		return s.notifier.ApprovalRequired(ctx, req.ID, rule)
	})

	s.log.Info().
		Str("request_id", req.ID).
		Str("rule_id", rule.ID).
		Int("total_steps", len(records)).
		Msg("Approval chain created")

	return &InitiateResult{
		Outcome: OutcomeChainCreated,
		Status:  repository.RequestStatusPendingApproval,
		Rule:    rule,
		Records: records,
	}, nil
}

func (s *ApprovalRoutingService) applyNoRulePolicy(
	ctx context.Context,
	req *repository.ApprovalRequest,
	submittedBy string,
) (*InitiateResult, error) {
	switch s.noRule {
	case NoRuleHold:
		s.log.Info().
			Str("request_id", req.ID).
			Int64("amount", req.Amount).
			Msg("No approval rule matches; request held")
		return nil, errors.ErrNoMatchingRule
	case NoRuleReject:
		return s.settle(ctx, req, nil, submittedBy, repository.RequestStatusRejected, "no_matching_rule")
	default:
		return s.settle(ctx, req, nil, submittedBy, repository.RequestStatusApproved, "no_matching_rule")
	}
}

// settle moves a request straight from none to a terminal status without a
// chain.
func (s *ApprovalRoutingService) settle(
	ctx context.Context,
	req *repository.ApprovalRequest,
	rule *repository.ApprovalRule,
	submittedBy string,
	to repository.RequestStatus,
	reason string,
) (*InitiateResult, error) {
	ok, err := s.requests.SetRequestStatus(ctx, req.ID, repository.RequestStatusNone, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.ErrAlreadyInitiated
	}

	metadata := map[string]interface{}{"reason": reason, "amount": req.Amount}
	if rule != nil {
		metadata["rule_id"] = rule.ID
		metadata["rule_name"] = rule.Name
	}

	result := &InitiateResult{Status: to, Rule: rule}
	entry := &repository.ApprovalAuditEntry{
		RequestID:    req.ID,
		PerformedBy:  submittedBy,
		StatusBefore: statusPtr(repository.RequestStatusNone),
		StatusAfter:  statusPtr(to),
		Metadata:     metadata,
	}
	if to == repository.RequestStatusApproved {
		result.Outcome = OutcomeAutoApproved
		entry.Action = auditAutoApproved
	} else {
		result.Outcome = OutcomeAutoRejected
		entry.Action = auditRejected
		s.notify(req.ID, "rejected", func() error {
			return s.notifier.Rejected(ctx, req.ID, reason)
		})
	}
	s.appendAudit(ctx, entry)

	s.log.Info().
		Str("request_id", req.ID).
		Str("status", string(to)).
		Str("reason", reason).
		Msg("Approval request settled without a chain")

	return result, nil
}

// buildRecords snapshots a rule's levels into pending records numbered 1..N.
func buildRecords(rule *repository.ApprovalRule) []*repository.ApprovalRecord {
	records := make([]*repository.ApprovalRecord, 0, len(rule.Levels))
	for i, spec := range rule.Levels {
		records = append(records, &repository.ApprovalRecord{
			Level:    i + 1,
			Approver: spec,
			Status:   repository.RecordStatusPending,
		})
	}
	return records
}

// ── Decision gate ─────────────────────────────────────────────────────────────

// FindActionableRecord returns the record p may act on next, or nil. Only the
// lowest pending level is ever actionable, and only when every level below it
// is approved and the request is still pending_approval.
func (s *ApprovalRoutingService) FindActionableRecord(
	ctx context.Context,
	requestID string,
	p Principal,
) (*repository.ApprovalRecord, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestStatusPendingApproval {
		return nil, nil
	}
	records, err := s.chains.ListRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.firstActionable(ctx, records, p)
}

func (s *ApprovalRoutingService) firstActionable(
	ctx context.Context,
	records []*repository.ApprovalRecord,
	p Principal,
) (*repository.ApprovalRecord, error) {
	for _, rec := range records {
		switch rec.Status {
		case repository.RecordStatusApproved:
			continue
		case repository.RecordStatusPending:
			ok, err := s.authz.CanAct(ctx, p, rec.Approver)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
			return rec, nil
		default:
			return nil, nil
		}
	}
	return nil, nil
}

// Approve signs off the principal's actionable level. The last level moves
// the request to approved and reports FullyApproved.
func (s *ApprovalRoutingService) Approve(
	ctx context.Context,
	requestID string,
	p Principal,
	comments string,
) (*Decision, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return terminalDecision(req.Status, actionApprove)
	}

	rec, done, err := s.actionableFor(ctx, req, p, actionApprove)
	if err != nil || done != nil {
		return done, err
	}

	ok, err := s.chains.DecideRecord(ctx, rec.ID, repository.RecordDecision{
		Status:    repository.RecordStatusApproved,
		ActedBy:   p.ID,
		Comments:  strings.TrimSpace(comments),
		DecidedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.afterLostRace(ctx, requestID, p, actionApprove)
	}

	// Completion is judged from a fresh read taken after the record write.
	records, err := s.chains.ListRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if !allApproved(records) {
		s.appendAudit(ctx, decisionAudit(rec, auditApproved, p,
			repository.RequestStatusPendingApproval, repository.RequestStatusPendingApproval,
			map[string]interface{}{"level": rec.Level}))
		s.notify(requestID, "level_approved", func() error {
			return s.notifier.LevelApproved(ctx, requestID, rec.Level)
		})
		s.log.Info().
			Str("request_id", requestID).
			Int("level", rec.Level).
			Str("acted_by", p.ID).
			Bool("override", p.Override).
			Msg("Approval level approved")
		return &Decision{
			Outcome:       DecisionLevelApproved,
			Level:         rec.Level,
			RequestStatus: repository.RequestStatusPendingApproval,
		}, nil
	}

	won, err := s.requests.SetRequestStatus(ctx, requestID,
		repository.RequestStatusPendingApproval, repository.RequestStatusApproved)
	if err != nil {
		return nil, err
	}
	if won {
		s.announceOutcome(ctx, rec, p, repository.RequestStatusApproved, "", nil)
	} else {
		// A caller that finds our record decided completes the chain and
		// records the outcome on our behalf.
		current, err := s.requests.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if current.Status != repository.RequestStatusApproved {
			return terminalDecision(current.Status, actionApprove)
		}
	}

	return &Decision{
		Outcome:       DecisionFullyApproved,
		Level:         rec.Level,
		RequestStatus: repository.RequestStatusApproved,
	}, nil
}

// Reject rejects the principal's actionable level, which rejects the whole
// request. Higher pending levels are left untouched.
func (s *ApprovalRoutingService) Reject(
	ctx context.Context,
	requestID string,
	p Principal,
	reason string,
) (*Decision, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.ErrReasonRequired
	}

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return terminalDecision(req.Status, actionReject)
	}

	rec, done, err := s.actionableFor(ctx, req, p, actionReject)
	if err != nil || done != nil {
		return done, err
	}

	ok, err := s.chains.DecideRecord(ctx, rec.ID, repository.RecordDecision{
		Status:    repository.RecordStatusRejected,
		ActedBy:   p.ID,
		Comments:  reason,
		DecidedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.afterLostRace(ctx, requestID, p, actionReject)
	}

	won, err := s.requests.SetRequestStatus(ctx, requestID,
		repository.RequestStatusPendingApproval, repository.RequestStatusRejected)
	if err != nil {
		return nil, err
	}
	if won {
		s.announceOutcome(ctx, rec, p, repository.RequestStatusRejected, reason, nil)
	} else {
		// A caller that finds our record decided completes the chain and
		// records the outcome on our behalf.
		current, err := s.requests.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if current.Status != repository.RequestStatusRejected {
			return terminalDecision(current.Status, actionReject)
		}
	}

	return &Decision{
		Outcome:       DecisionRejected,
		Level:         rec.Level,
		RequestStatus: repository.RequestStatusRejected,
	}, nil
}

// actionableFor returns p's actionable record on a non-terminal request or
// ErrNotAuthorized. A chain whose records already decide the request but
// whose status write never landed is completed here, and the terminal
// decision is returned instead of a record.
func (s *ApprovalRoutingService) actionableFor(
	ctx context.Context,
	req *repository.ApprovalRequest,
	p Principal,
	act action,
) (*repository.ApprovalRecord, *Decision, error) {
	if req.Status != repository.RequestStatusPendingApproval {
		s.logNotAuthorized(req.ID, p, "request has no active chain")
		return nil, nil, errors.ErrNotAuthorized
	}
	records, err := s.chains.ListRecords(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	if target, decisive := chainOutcome(records); decisive != nil {
		d, err := s.completeChain(ctx, req.ID, target, decisive, p, act)
		return nil, d, err
	}
	rec, err := s.firstActionable(ctx, records, p)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		s.logNotAuthorized(req.ID, p, "no actionable level")
		return nil, nil, errors.ErrNotAuthorized
	}
	return rec, nil, nil
}

// afterLostRace handles a record that left pending between the read and the
// write. A request that has since finished reports its terminal outcome.
func (s *ApprovalRoutingService) afterLostRace(
	ctx context.Context,
	requestID string,
	p Principal,
	act action,
) (*Decision, error) {
	current, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return terminalDecision(current.Status, act)
	}
	records, err := s.chains.ListRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if target, decisive := chainOutcome(records); decisive != nil {
		return s.completeChain(ctx, requestID, target, decisive, p, act)
	}
	s.logNotAuthorized(requestID, p, "level decided concurrently")
	return nil, errors.ErrNotAuthorized
}

// completeChain moves a still pending request to the status its records
// already decide. The audit entry and notification are emitted once, by
// whichever caller wins the status write, and are attributed to the
// approver of the deciding record.
func (s *ApprovalRoutingService) completeChain(
	ctx context.Context,
	requestID string,
	target repository.RequestStatus,
	decisive *repository.ApprovalRecord,
	p Principal,
	act action,
) (*Decision, error) {
	won, err := s.requests.SetRequestStatus(ctx, requestID, repository.RequestStatusPendingApproval, target)
	if err != nil {
		return nil, err
	}
	if !won {
		current, err := s.requests.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		return terminalDecision(current.Status, act)
	}

	actor := Principal{}
	if decisive.ActedBy != nil {
		actor.ID = *decisive.ActedBy
	}
	reason := ""
	if decisive.Comments != nil {
		reason = *decisive.Comments
	}
	s.log.Warn().
		Str("request_id", requestID).
		Str("status", string(target)).
		Str("completed_by", p.ID).
		Msg("Completed approval request left pending after its deciding level")
	s.announceOutcome(ctx, decisive, actor, target, reason, map[string]interface{}{"completed_by": p.ID})
	return terminalDecision(target, act)
}

// announceOutcome writes the final audit entry and notification of a
// request that just reached target.
func (s *ApprovalRoutingService) announceOutcome(
	ctx context.Context,
	rec *repository.ApprovalRecord,
	p Principal,
	target repository.RequestStatus,
	reason string,
	extra map[string]interface{},
) {
	requestID := rec.RequestID
	metadata := map[string]interface{}{"level": rec.Level}
	for k, v := range extra {
		metadata[k] = v
	}

	switch target {
	case repository.RequestStatusApproved:
		metadata["final"] = true
		s.appendAudit(ctx, decisionAudit(rec, auditApproved, p,
			repository.RequestStatusPendingApproval, target, metadata))
		s.notify(requestID, "fully_approved", func() error {
			return s.notifier.FullyApproved(ctx, requestID)
		})
		s.log.Info().
			Str("request_id", requestID).
			Int("level", rec.Level).
			Str("acted_by", p.ID).
			Bool("override", p.Override).
			Msg("Approval request fully approved")
	case repository.RequestStatusRejected:
		metadata["reason"] = reason
		s.appendAudit(ctx, decisionAudit(rec, auditRejected, p,
			repository.RequestStatusPendingApproval, target, metadata))
		s.notify(requestID, "rejected", func() error {
			return s.notifier.Rejected(ctx, requestID, reason)
		})
		s.log.Info().
			Str("request_id", requestID).
			Int("level", rec.Level).
			Str("acted_by", p.ID).
			Bool("override", p.Override).
			Msg("Approval request rejected")
	}
}

// terminalDecision reports a finished request. Repeating the action that
// finished it is a no-op; the opposite action also gets ErrAlreadyTerminal.
func terminalDecision(status repository.RequestStatus, act action) (*Decision, error) {
	switch status {
	case repository.RequestStatusApproved:
		d := &Decision{Outcome: DecisionFullyApproved, RequestStatus: status, Replayed: true}
		if act == actionApprove {
			return d, nil
		}
		return d, errors.ErrAlreadyTerminal
	case repository.RequestStatusRejected:
		d := &Decision{Outcome: DecisionRejected, RequestStatus: status, Replayed: true}
		if act == actionReject {
			return d, nil
		}
		return d, errors.ErrAlreadyTerminal
	default:
		return nil, errors.ErrNotAuthorized
	}
}

// chainOutcome returns the request status the records decide and the record
// that decided it: the rejected level, or the last level once every level is
// approved. An undecided chain returns a nil record.
func chainOutcome(records []*repository.ApprovalRecord) (repository.RequestStatus, *repository.ApprovalRecord) {
	for _, rec := range records {
		if rec.Status == repository.RecordStatusRejected {
			return repository.RequestStatusRejected, rec
		}
	}
	if allApproved(records) {
		return repository.RequestStatusApproved, records[len(records)-1]
	}
	return "", nil
}

func allApproved(records []*repository.ApprovalRecord) bool {
	for _, rec := range records {
		if rec.Status != repository.RecordStatusApproved {
			return false
		}
	}
	return len(records) > 0
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// GetChain returns a request and its approval records.
func (s *ApprovalRoutingService) GetChain(ctx context.Context, requestID string) (*Chain, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	records, err := s.chains.ListRecords(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Chain{Request: req, Records: records}, nil
}

// PendingFor returns the records p could act on right now, across all
// requests awaiting approval.
func (s *ApprovalRoutingService) PendingFor(ctx context.Context, p Principal) ([]*repository.ApprovalRecord, error) {
	pending, err := s.chains.ListPendingRecords(ctx)
	if err != nil {
		return nil, err
	}

	// Records arrive ordered by request then level; the first pending record
	// of each request is the only candidate.
	seen := make(map[string]bool)
	var out []*repository.ApprovalRecord
	for _, rec := range pending {
		if seen[rec.RequestID] {
			continue
		}
		seen[rec.RequestID] = true

		ok, err := s.authz.CanAct(ctx, p, rec.Approver)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if rec.Level > 1 {
			ok, err = s.isNextLevel(ctx, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// isNextLevel reports whether every level below rec is approved.
func (s *ApprovalRoutingService) isNextLevel(ctx context.Context, rec *repository.ApprovalRecord) (bool, error) {
	records, err := s.chains.ListRecords(ctx, rec.RequestID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Level >= rec.Level {
			break
		}
		if r.Status != repository.RecordStatusApproved {
			return false, nil
		}
	}
	return true, nil
}

// History returns the audit trail of a request, oldest first.
func (s *ApprovalRoutingService) History(ctx context.Context, requestID string) ([]*repository.ApprovalAuditEntry, error) {
	if _, err := s.requests.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.audit.ListAudit(ctx, requestID)
}

// ── Rule administration ───────────────────────────────────────────────────────

// ResolveRule exposes rule resolution for an amount.
func (s *ApprovalRoutingService) ResolveRule(ctx context.Context, amount int64) (*repository.ApprovalRule, error) {
	return s.resolver.Resolve(ctx, amount)
}

// ListRules returns rules ordered by MinAmount.
func (s *ApprovalRoutingService) ListRules(ctx context.Context, activeOnly bool) ([]*repository.ApprovalRule, error) {
	return s.rules.ListRules(ctx, activeOnly)
}

// GetRule returns a rule by id.
func (s *ApprovalRoutingService) GetRule(ctx context.Context, id string) (*repository.ApprovalRule, error) {
	return s.rules.GetRule(ctx, id)
}

// CreateRule validates and stores a new rule.
func (s *ApprovalRoutingService) CreateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.rules.CreateRule(ctx, rule); err != nil {
		return err
	}
	s.log.Info().Str("rule_id", rule.ID).Str("name", rule.Name).Msg("Approval rule created")
	return nil
}

// UpdateRule validates and replaces a rule. Chains already materialized from
// it are unaffected.
func (s *ApprovalRoutingService) UpdateRule(ctx context.Context, rule *repository.ApprovalRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := s.rules.UpdateRule(ctx, rule); err != nil {
		return err
	}
	s.log.Info().Str("rule_id", rule.ID).Str("name", rule.Name).Msg("Approval rule updated")
	return nil
}

// DeleteRule removes a rule.
func (s *ApprovalRoutingService) DeleteRule(ctx context.Context, id string) error {
	if err := s.rules.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("rule_id", id).Msg("Approval rule deleted")
	return nil
}

// SeedDefaults stores rules when the rule store is empty. A nil slice seeds
// repository.DefaultRules.
func (s *ApprovalRoutingService) SeedDefaults(ctx context.Context, rules []*repository.ApprovalRule) error {
	if rules == nil {
		rules = repository.DefaultRules()
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("seed rule %d", i))
		}
	}

	seeded, err := s.rules.SeedRules(ctx, rules)
	if err != nil {
		return err
	}
	if seeded {
		s.log.Info().Int("count", len(rules)).Msg("Seeded approval rules")
	} else {
		s.log.Debug().Msg("Approval rules already present; seeding skipped")
	}
	return nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure (never returns error).
func (s *ApprovalRoutingService) appendAudit(ctx context.Context, entry *repository.ApprovalAuditEntry) {
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

// notify runs a notifier call and logs a warning on failure.
func (s *ApprovalRoutingService) notify(requestID, event string, fn func() error) {
	if err := fn(); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("event", event).
			Msg("Failed to publish approval notification")
	}
}

func (s *ApprovalRoutingService) logNotAuthorized(requestID string, p Principal, why string) {
	s.log.Debug().
		Str("request_id", requestID).
		Str("principal", p.ID).
		Str("reason", why).
		Msg("Approval action not authorized")
}

func decisionAudit(
	rec *repository.ApprovalRecord,
	act string,
	p Principal,
	before, after repository.RequestStatus,
	metadata map[string]interface{},
) *repository.ApprovalAuditEntry {
	if p.Override {
		metadata["override"] = true
	}
	recordID := rec.ID
	return &repository.ApprovalAuditEntry{
		RequestID:    rec.RequestID,
		RecordID:     &recordID,
		Action:       act,
		PerformedBy:  p.ID,
		StatusBefore: statusPtr(before),
		StatusAfter:  statusPtr(after),
		Metadata:     metadata,
	}
}

func statusPtr(s repository.RequestStatus) *string {
	v := string(s)
	return &v
}
