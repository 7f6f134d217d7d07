package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-po-approvals/internal/repository"
)

// Principal is the caller acting on a request. Override is set by the
// transport layer when the caller holds the administrator role; it lets the
// principal satisfy any approver spec but never skips level ordering or
// status checks.
type Principal struct {
	ID       string
	Override bool
}

// Authorizer decides whether a principal may act on a level.
type Authorizer struct {
	identity IdentityProvider
}

// NewAuthorizer creates a new Authorizer.
func NewAuthorizer(identity IdentityProvider) *Authorizer {
	return &Authorizer{identity: identity}
}

// CanAct reports whether p satisfies spec: p is the named user, or p currently
// holds the named role. Roles are fetched on every call.
func (a *Authorizer) CanAct(ctx context.Context, p Principal, spec repository.LevelSpec) (bool, error) {
	if p.Override {
		return true, nil
	}
	if p.ID == "" {
		return false, nil
	}
	if spec.UserID != "" && spec.UserID == p.ID {
		return true, nil
	}

	want := normalizeRole(spec.Role)
	if want == "" {
		return false, nil
	}
	roles, err := a.identity.RolesOf(ctx, p.ID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if normalizeRole(role) == want {
			return true, nil
		}
	}
	return false, nil
}

// HasRole reports whether principalID currently holds role.
func (a *Authorizer) HasRole(ctx context.Context, principalID, role string) (bool, error) {
	if principalID == "" || normalizeRole(role) == "" {
		return false, nil
	}
	return a.CanAct(ctx, Principal{ID: principalID}, repository.LevelSpec{Role: role})
}

// PrincipalResolver turns an authenticated caller id into a Principal,
// setting Override when the caller holds the administrator role.
type PrincipalResolver struct {
	authz     *Authorizer
	adminRole string
}

// NewPrincipalResolver creates a PrincipalResolver. An empty adminRole
// disables the override.
func NewPrincipalResolver(authz *Authorizer, adminRole string) *PrincipalResolver {
	return &PrincipalResolver{authz: authz, adminRole: adminRole}
}

// Resolve builds the principal for id.
func (r *PrincipalResolver) Resolve(ctx context.Context, id string) (Principal, error) {
	p := Principal{ID: strings.TrimSpace(id)}
	if p.ID == "" || r.adminRole == "" {
		return p, nil
	}
	admin, err := r.authz.HasRole(ctx, p.ID, r.adminRole)
	if err != nil {
		return p, err
	}
	p.Override = admin
	return p, nil
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
