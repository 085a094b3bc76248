package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/domain"
	"statusflow/internal/repo"
)

func TestPolicyTable(t *testing.T) {
	cases := []struct {
		role                     domain.Role
		write, propose, resolve bool
	}{
		{domain.RoleAdmin, true, true, true},
		{domain.RoleMember, false, true, false},
		{domain.RoleViewer, false, false, false},
		{domain.Role("OWNER"), false, false, false},
		{domain.Role(""), false, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.role), func(t *testing.T) {
			assert.Equal(t, tc.write, CanWriteDirectly(tc.role))
			assert.Equal(t, tc.propose, CanPropose(tc.role))
			assert.Equal(t, tc.resolve, CanResolve(tc.role))
		})
	}
}

func TestRequire(t *testing.T) {
	require.NoError(t, Require(domain.RoleViewer, ActionRead))
	require.NoError(t, Require(domain.RoleMember, ActionCreateTask))

	err := Require(domain.RoleMember, ActionResolve)
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ActionResolve, fe.Action)
	assert.Equal(t, "role MEMBER may not resolve_request", err.Error())

	err = Require("", ActionRead)
	assert.EqualError(t, err, "read requires project membership")
}

type fakeMembers map[string]domain.Role

func (f fakeMembers) MemberRole(_ context.Context, projectID, actorID string) (domain.Role, error) {
	if actorID == "broken" {
		return "", errors.New("db closed")
	}
	role, ok := f[projectID+"/"+actorID]
	if !ok {
		return "", repo.ErrNotFound
	}
	return role, nil
}

func TestEffectiveRole(t *testing.T) {
	svc := Service{Members: fakeMembers{"p1/alice": domain.RoleAdmin}}
	ctx := context.Background()

	role, err := svc.EffectiveRole(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)

	role, err = svc.EffectiveRole(ctx, "p1", "mallory")
	require.NoError(t, err)
	assert.Empty(t, role)

	_, err = svc.EffectiveRole(ctx, "p1", "broken")
	assert.Error(t, err)
}
