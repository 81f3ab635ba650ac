package authz

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/LABPAAD/site-paad-backend/internal/domain"
	"github.com/LABPAAD/site-paad-backend/internal/observability"
)

type ResourceKind string

const (
	ResourceProject     ResourceKind = "project"
	ResourcePublication ResourceKind = "publication"
	ResourceAccount     ResourceKind = "account"
)

type ResourceRef struct {
	Kind ResourceKind
	ID   string
}

// Requester is the authenticated caller as seen by the gate.
type Requester struct {
	AccountID string
	Role      Role
}

func NewRequester(accountID, rawRole string) *Requester {
	return &Requester{AccountID: strings.TrimSpace(accountID), Role: Normalize(rawRole)}
}

// OwnershipFact lists who owns a resource. Publications have no single
// owner; their authors are listed as members.
type OwnershipFact struct {
	OwnerID   string
	MemberIDs []string
}

func (f OwnershipFact) empty() bool {
	return f.OwnerID == "" && len(f.MemberIDs) == 0
}

func (f OwnershipFact) includes(accountID string) bool {
	if accountID == "" {
		return false
	}
	return f.OwnerID == accountID || slices.Contains(f.MemberIDs, accountID)
}

type OwnershipProvider interface {
	OwnerFacts(ctx context.Context, ref ResourceRef) (OwnershipFact, error)
}

// Assignment is the outcome of an allowed role assignment. A pending
// assignment creates the account inactive until a coordinator approves it.
type Assignment struct {
	Role            Role
	PendingApproval bool
}

type Gate struct {
	owners OwnershipProvider
	logger *observability.Logger
}

func NewGate(owners OwnershipProvider, logger *observability.Logger) *Gate {
	return &Gate{owners: owners, logger: logger}
}

// CanMutate allows coordinators unconditionally and everyone else only on
// resources they own or are a member of.
func (g *Gate) CanMutate(ctx context.Context, ref ResourceRef, requester *Requester) error {
	if requester == nil || requester.AccountID == "" {
		return g.deny(ref, requester, "missing requester")
	}
	if requester.Role == RoleCoordinator {
		return nil
	}
	return g.requireOwnership(ctx, ref, requester)
}

// CanDelete applies CanMutate, except that publications may only be
// deleted by a coordinator or by a lab instructor among their authors.
func (g *Gate) CanDelete(ctx context.Context, ref ResourceRef, requester *Requester) error {
	if ref.Kind != ResourcePublication {
		return g.CanMutate(ctx, ref, requester)
	}
	if requester == nil || requester.AccountID == "" {
		return g.deny(ref, requester, "missing requester")
	}

	switch requester.Role {
	case RoleCoordinator:
		return nil
	case RoleLabInstructor:
		return g.requireOwnership(ctx, ref, requester)
	default:
		return g.deny(ref, requester, "role may not delete publications")
	}
}

// CanAssignRole decides whether a requester holding requesterRaw may give
// an account the role targetRaw. An empty target defaults to MEMBER.
func (g *Gate) CanAssignRole(requesterRaw, targetRaw string) (Assignment, error) {
	requesterRole := Normalize(requesterRaw)

	target := RoleMember
	if strings.TrimSpace(targetRaw) != "" {
		target = Normalize(targetRaw)
	}
	if !target.Known() {
		return Assignment{}, domain.New(domain.KindValidation, fmt.Sprintf("unknown role %q", target))
	}

	switch requesterRole {
	case RoleCoordinator:
		return Assignment{Role: target}, nil
	case RoleLabInstructor, RoleMonitor:
		if target.Privileged() {
			g.logger.Warn("role_assignment_denied", map[string]any{
				"requester_role": requesterRole.String(),
				"target_role":    target.String(),
			})
			return Assignment{}, domain.New(domain.KindForbidden, "only a coordinator may grant the "+target.String()+" role")
		}
		return Assignment{Role: target, PendingApproval: requesterRole == RoleMonitor}, nil
	default:
		return Assignment{}, domain.New(domain.KindForbidden, "role may not manage accounts")
	}
}

func (g *Gate) requireOwnership(ctx context.Context, ref ResourceRef, requester *Requester) error {
	if g.owners == nil {
		return g.deny(ref, requester, "no ownership provider")
	}

	fact, err := g.owners.OwnerFacts(ctx, ref)
	if err != nil {
		return fmt.Errorf("load owner facts for %s %s: %w", ref.Kind, ref.ID, err)
	}
	if fact.empty() {
		return g.deny(ref, requester, "no owner recorded")
	}
	if !fact.includes(requester.AccountID) {
		return g.deny(ref, requester, "not owner or member")
	}
	return nil
}

func (g *Gate) deny(ref ResourceRef, requester *Requester, reason string) error {
	fields := map[string]any{
		"resource_kind": string(ref.Kind),
		"resource_id":   ref.ID,
		"reason":        reason,
	}
	if requester != nil {
		fields["account_id"] = requester.AccountID
		fields["role"] = requester.Role.String()
	}
	g.logger.Warn("authorization_denied", fields)

	return domain.New(domain.KindForbidden, "you do not have permission to modify this "+string(ref.Kind))
}
