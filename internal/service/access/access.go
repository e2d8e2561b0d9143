// Package access checks organization membership roles.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/berth-sh/berth/internal/apperr"
	"github.com/berth-sh/berth/internal/domain"
	"github.com/berth-sh/berth/internal/repository"
)

// Checker is the collaborator boundary handlers call before mutating state.
type Checker interface {
	RequireOrganizationRole(ctx context.Context, userID, orgID, minRole string) error
}

var roleRank = map[string]int{
	domain.RoleViewer: 0,
	domain.RoleMember: 1,
	domain.RoleAdmin:  2,
	domain.RoleOwner:  3,
}

// Service implements Checker against the membership table.
type Service struct {
	orgs repository.OrganizationRepository
}

// New returns an access checker.
func New(orgs repository.OrganizationRepository) Service {
	return Service{orgs: orgs}
}

// RequireOrganizationRole fails with forbidden unless the user holds at least
// the given role in the organization.
func (s Service) RequireOrganizationRole(ctx context.Context, userID, orgID, minRole string) error {
	role, err := s.orgs.GetMemberRole(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperr.New(apperr.KindForbidden, "not a member of this organization")
		}
		return fmt.Errorf("member role lookup: %w", err)
	}
	if roleRank[role] < roleRank[minRole] {
		return apperr.Newf(apperr.KindForbidden, "requires %s role", minRole)
	}
	return nil
}
