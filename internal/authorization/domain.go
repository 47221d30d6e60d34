package authorization

import (
	"context"
	"errors"
)

var (
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrInvalidRole         = errors.New("invalid_role")
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleSystem = "system"
)

// AllOrganizations is the role domain granting a role in every organization.
const AllOrganizations = "*"

// Service decides whether an actor may perform an action in an organization.
// Actors are "system" or "user:<id>".
type Service interface {
	Authorize(ctx context.Context, actor, orgID, object, action string) error
	AssignRole(ctx context.Context, orgID, userID, role string) error
	RevokeRoles(ctx context.Context, orgID, userID string) error
}
