package auth

import (
	"context"
	"errors"
	"fmt"

	"statusflow/internal/domain"
	"statusflow/internal/repo"
)

type Action string

const (
	ActionWriteDirectly Action = "write_status"
	ActionPropose       Action = "propose_status"
	ActionResolve       Action = "resolve_request"
	ActionRead          Action = "read"
	ActionCreateTask    Action = "create_task"
	ActionManageMembers Action = "manage_members"
)

// ForbiddenError indicates the role lacks the capability for an action.
type ForbiddenError struct {
	Role   domain.Role
	Action Action
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("%s requires project membership", e.Action)
	}
	return fmt.Sprintf("role %s may not %s", e.Role, e.Action)
}

type capabilities struct {
	writeDirectly bool
	propose       bool
	resolve       bool
	createTask    bool
	manage        bool
}

var policy = map[domain.Role]capabilities{
	domain.RoleAdmin:  {writeDirectly: true, propose: true, resolve: true, createTask: true, manage: true},
	domain.RoleMember: {propose: true, createTask: true},
	domain.RoleViewer: {},
}

// Roles without an entry get the zero capabilities.
func lookup(role domain.Role) capabilities {
	return policy[role]
}

func CanWriteDirectly(role domain.Role) bool { return lookup(role).writeDirectly }

func CanPropose(role domain.Role) bool { return lookup(role).propose }

func CanResolve(role domain.Role) bool { return lookup(role).resolve }

func CanCreateTask(role domain.Role) bool { return lookup(role).createTask }

func CanManageMembers(role domain.Role) bool { return lookup(role).manage }

// CanRead is true for every known role.
func CanRead(role domain.Role) bool {
	_, ok := policy[role]
	return ok
}

// Require returns a ForbiddenError unless role may perform action.
func Require(role domain.Role, action Action) error {
	var ok bool
	switch action {
	case ActionWriteDirectly:
		ok = CanWriteDirectly(role)
	case ActionPropose:
		ok = CanPropose(role)
	case ActionResolve:
		ok = CanResolve(role)
	case ActionRead:
		ok = CanRead(role)
	case ActionCreateTask:
		ok = CanCreateTask(role)
	case ActionManageMembers:
		ok = CanManageMembers(role)
	}
	if !ok {
		return ForbiddenError{Role: role, Action: action}
	}
	return nil
}

// Members answers role lookups for the external identity boundary.
type Members interface {
	MemberRole(ctx context.Context, projectID, actorID string) (domain.Role, error)
}

// Service resolves an actor's effective role on a project.
type Service struct {
	Members Members
}

// EffectiveRole returns the actor's role, or "" when the actor is not a
// member. An empty role is refused by every policy check.
func (s Service) EffectiveRole(ctx context.Context, projectID, actorID string) (domain.Role, error) {
	if actorID == "" {
		return "", nil
	}
	role, err := s.Members.MemberRole(ctx, projectID, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return role, err
}
