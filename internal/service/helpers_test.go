package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-po-approvals/internal/logger"
	"github.com/pesio-ai/be-po-approvals/internal/repository"
	"github.com/pesio-ai/be-po-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-po-approvals/internal/service"
)

// Amounts in cents matching the default rule bands.
const (
	amountAutoApproved = 5000    // 50.00, under the 100.00 floor
	amountOneLevel     = 30000   // 300.00
	amountTwoLevels    = 200000  // 2000.00
	amountThreeLevels  = 1000000 // 10000.00
)

// Principals holding one default role each.
var (
	purchasing = service.Principal{ID: "pm-1"}
	finance    = service.Principal{ID: "fm-1"}
	director   = service.Principal{ID: "dir-1"}
	outsider   = service.Principal{ID: "nobody"}
)

// ── fakes ────────────────────────────────────────────────────────────────────

type fakeIdentity struct {
	mu    sync.Mutex
	roles map[string][]string
	calls int
	err   error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{roles: map[string][]string{
		"pm-1":  {"purchasing_manager"},
		"fm-1":  {" FINANCE_MANAGER "},
		"dir-1": {"director"},
		"root":  {"administrator"},
	}}
}

func (f *fakeIdentity) RolesOf(_ context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.roles[id]...), nil
}

func (f *fakeIdentity) set(id string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[id] = roles
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (n *recordingNotifier) record(ev string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) ApprovalRequired(_ context.Context, id string, rule *repository.ApprovalRule) error {
	return n.record(fmt.Sprintf("approval_required:%s:%d", id, len(rule.Levels)))
}

func (n *recordingNotifier) LevelApproved(_ context.Context, id string, level int) error {
	return n.record(fmt.Sprintf("level_approved:%s:%d", id, level))
}

func (n *recordingNotifier) FullyApproved(_ context.Context, id string) error {
	return n.record("fully_approved:" + id)
}

func (n *recordingNotifier) Rejected(_ context.Context, id, reason string) error {
	return n.record("rejected:" + id + ":" + reason)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func (n *recordingNotifier) count(prefix string) int {
	c := 0
	for _, ev := range n.Events() {
		if strings.HasPrefix(ev, prefix) {
			c++
		}
	}
	return c
}

// ── fixture ──────────────────────────────────────────────────────────────────

type fixture struct {
	svc      *service.ApprovalRoutingService
	store    *memory.Store
	identity *fakeIdentity
	notifier *recordingNotifier
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	policy   service.NoRulePolicy
	rules    []*repository.ApprovalRule
	requests func(*memory.Store) service.RequestStore
	chains   func(*memory.Store) service.ChainStore
	audit    service.AuditStore
}

func withPolicy(p service.NoRulePolicy) fixtureOption {
	return func(c *fixtureConfig) { c.policy = p }
}

func withRules(rules ...*repository.ApprovalRule) fixtureOption {
	return func(c *fixtureConfig) { c.rules = rules }
}

func withRequests(wrap func(*memory.Store) service.RequestStore) fixtureOption {
	return func(c *fixtureConfig) { c.requests = wrap }
}

func withChains(wrap func(*memory.Store) service.ChainStore) fixtureOption {
	return func(c *fixtureConfig) { c.chains = wrap }
}

func withAudit(a service.AuditStore) fixtureOption {
	return func(c *fixtureConfig) { c.audit = a }
}

// newFixture builds a service over a memory store seeded with the default
// rules unless withRules is given.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := &fixtureConfig{policy: service.NoRuleApprove}
	for _, o := range opts {
		o(cfg)
	}

	store := memory.New()
	identity := newFakeIdentity()
	notifier := &recordingNotifier{}

	var requests service.RequestStore = store
	if cfg.requests != nil {
		requests = cfg.requests(store)
	}
	var chains service.ChainStore = store
	if cfg.chains != nil {
		chains = cfg.chains(store)
	}
	var audit service.AuditStore = store
	if cfg.audit != nil {
		audit = cfg.audit
	}

	svc := service.NewApprovalRoutingService(
		store, requests, chains, audit,
		service.NewAuthorizer(identity),
		notifier,
		cfg.policy,
		logger.Nop(),
	)

	ctx := context.Background()
	if cfg.rules != nil {
		for _, r := range cfg.rules {
			require.NoError(t, svc.CreateRule(ctx, r))
		}
	} else {
		require.NoError(t, svc.SeedDefaults(ctx, nil))
	}

	return &fixture{svc: svc, store: store, identity: identity, notifier: notifier}
}

// initiated registers a request for amount and initiates it.
func (f *fixture) initiated(t *testing.T, amount int64) (*repository.ApprovalRequest, *service.InitiateResult) {
	t.Helper()
	ctx := context.Background()
	req, err := f.svc.CreateRequest(ctx, "PO-"+fmt.Sprint(amount), amount, "buyer")
	require.NoError(t, err)
	res, err := f.svc.Initiate(ctx, req.ID, "buyer")
	require.NoError(t, err)
	return req, res
}

func (f *fixture) status(t *testing.T, requestID string) repository.RequestStatus {
	t.Helper()
	req, err := f.store.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	return req.Status
}

func (f *fixture) records(t *testing.T, requestID string) []*repository.ApprovalRecord {
	t.Helper()
	recs, err := f.store.ListRecords(context.Background(), requestID)
	require.NoError(t, err)
	return recs
}

func band(name string, lo int64, hi *int64, roles ...string) *repository.ApprovalRule {
	levels := make([]repository.LevelSpec, 0, len(roles))
	for _, r := range roles {
		levels = append(levels, repository.LevelSpec{Role: r})
	}
	return &repository.ApprovalRule{Name: name, MinAmount: lo, MaxAmount: hi, Levels: levels, IsActive: true}
}

func cents(v int64) *int64 { return &v }
