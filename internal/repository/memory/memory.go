// Package memory is an in-process implementation of the approval stores,
// used by tests and by STORE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-po-approvals/internal/errors"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// Store holds rules, requests, records and audit entries behind one mutex,
// which makes every conditional update atomic.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	rules    map[string]*repository.ApprovalRule
	ruleSeq  map[string]int
	seq      int
	requests map[string]*repository.ApprovalRequest
	records  map[string][]*repository.ApprovalRecord // by request id, ordered by level
	audit    map[string][]*repository.ApprovalAuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		rules:    make(map[string]*repository.ApprovalRule),
		ruleSeq:  make(map[string]int),
		requests: make(map[string]*repository.ApprovalRequest),
		records:  make(map[string][]*repository.ApprovalRecord),
		audit:    make(map[string][]*repository.ApprovalAuditEntry),
	}
}

// ── rules ────────────────────────────────────────────────────────────────────

func (s *Store) CreateRule(_ context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertRuleLocked(rule)
	return nil
}

func (s *Store) insertRuleLocked(rule *repository.ApprovalRule) {
	now := s.now()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.seq++
	s.ruleSeq[rule.ID] = s.seq
	s.rules[rule.ID] = copyRule(rule)
}

func (s *Store) GetRule(_ context.Context, id string) (*repository.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, errors.NotFound("approval_rule", id)
	}
	return copyRule(rule), nil
}

func (s *Store) ListRules(_ context.Context, activeOnly bool) ([]*repository.ApprovalRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*repository.ApprovalRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, copyRule(rule))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinAmount != out[j].MinAmount {
			return out[i].MinAmount < out[j].MinAmount
		}
		return s.ruleSeq[out[i].ID] < s.ruleSeq[out[j].ID]
	})
	return out, nil
}

func (s *Store) ActiveRules(ctx context.Context) ([]*repository.ApprovalRule, error) {
	return s.ListRules(ctx, true)
}

func (s *Store) UpdateRule(_ context.Context, rule *repository.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[rule.ID]
	if !ok {
		return errors.NotFound("approval_rule", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = copyRule(rule)
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return errors.NotFound("approval_rule", id)
	}
	delete(s.rules, id)
	delete(s.ruleSeq, id)
	return nil
}

func (s *Store) SeedRules(_ context.Context, rules []*repository.ApprovalRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rules) > 0 {
		return false, nil
	}
	for _, rule := range rules {
		s.insertRuleLocked(rule)
	}
	return true, nil
}

// ── requests ─────────────────────────────────────────────────────────────────

func (s *Store) CreateRequest(_ context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	req.ID = uuid.NewString()
	req.Status = repository.RequestStatusNone
	req.CreatedAt = now
	req.UpdatedAt = now
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

func (s *Store) SetRequestStatus(_ context.Context, id string, from, to repository.RequestStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, errors.NotFound("approval_request", id)
	}
	if req.Status != from {
		return false, nil
	}
	req.Status = to
	req.UpdatedAt = s.now()
	return true, nil
}

// ── chains ───────────────────────────────────────────────────────────────────

func (s *Store) CreateChain(_ context.Context, requestID string, records []*repository.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return errors.NotFound("approval_request", requestID)
	}
	if req.Status != repository.RequestStatusNone {
		return errors.ErrAlreadyInitiated
	}

	now := s.now()
	stored := make([]*repository.ApprovalRecord, 0, len(records))
	for _, rec := range records {
		rec.ID = uuid.NewString()
		rec.RequestID = requestID
		rec.Status = repository.RecordStatusPending
		rec.CreatedAt = now
		stored = append(stored, copyRecord(rec))
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].Level < stored[j].Level })

	s.records[requestID] = stored
	req.Status = repository.RequestStatusPendingApproval
	req.UpdatedAt = now
	return nil
}

func (s *Store) ListRecords(_ context.Context, requestID string) ([]*repository.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[requestID]
	out := make([]*repository.ApprovalRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (s *Store) ListPendingRecords(_ context.Context) ([]*repository.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqs := make([]*repository.ApprovalRequest, 0)
	for _, req := range s.requests {
		if req.Status == repository.RequestStatusPendingApproval {
			reqs = append(reqs, req)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})

	var out []*repository.ApprovalRecord
	for _, req := range reqs {
		for _, rec := range s.records[req.ID] {
			if rec.Status == repository.RecordStatusPending {
				out = append(out, copyRecord(rec))
			}
		}
	}
	return out, nil
}

func (s *Store) DecideRecord(_ context.Context, recordID string, d repository.RecordDecision) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, recs := range s.records {
		for _, rec := range recs {
			if rec.ID != recordID {
				continue
			}
			if rec.Status != repository.RecordStatusPending {
				return false, nil
			}
			actor := d.ActedBy
			at := d.DecidedAt
			rec.Status = d.Status
			rec.ActedBy = &actor
			if d.Comments != "" {
				comments := d.Comments
				rec.Comments = &comments
			}
			rec.DecidedAt = &at
			return true, nil
		}
	}
	return false, errors.NotFound("approval_record", recordID)
}

// ── audit ────────────────────────────────────────────────────────────────────

func (s *Store) AppendAudit(_ context.Context, entry *repository.ApprovalAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.PerformedAt = s.now()
	cp := *entry
	s.audit[entry.RequestID] = append(s.audit[entry.RequestID], &cp)
	return nil
}

func (s *Store) ListAudit(_ context.Context, requestID string) ([]*repository.ApprovalAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[requestID]
	out := make([]*repository.ApprovalAuditEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func copyRule(r *repository.ApprovalRule) *repository.ApprovalRule {
	cp := *r
	cp.Levels = append([]repository.LevelSpec(nil), r.Levels...)
	if r.MaxAmount != nil {
		v := *r.MaxAmount
		cp.MaxAmount = &v
	}
	return &cp
}

func copyRecord(r *repository.ApprovalRecord) *repository.ApprovalRecord {
	cp := *r
	return &cp
}
