package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/trustcore/internal/models"
)

func newTestAuthz(t *testing.T, cfg AuthzConfig) *AuthzService {
	t.Helper()
	audit, _, _ := newTestAudit(t, AuditConfig{TamperProofing: true})
	return NewAuthzService(audit, nil, nil, cfg)
}

func TestRoleInheritance(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	require.NoError(t, authz.DefineRole(models.Role{ID: "guest"}))
	require.NoError(t, authz.DefineRole(models.Role{ID: "user", Inherits: []string{"guest"}}))
	authz.GrantPermission("guest", "browse")
	require.NoError(t, authz.AssignRole("alice", "user"))

	assert.True(t, authz.HasPermission("alice", "browse", "", nil))
	assert.False(t, authz.HasPermission("alice", "system", "", nil))
}

func TestInheritanceCanBeDisabled(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: false})

	require.NoError(t, authz.DefineRole(models.Role{ID: "guest"}))
	require.NoError(t, authz.DefineRole(models.Role{ID: "user", Inherits: []string{"guest"}}))
	authz.GrantPermission("guest", "browse")
	require.NoError(t, authz.AssignRole("alice", "user"))

	assert.False(t, authz.HasPermission("alice", "browse", "", nil))
}

func TestWildcardGrant(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	require.NoError(t, authz.DefineRole(models.Role{ID: "admin"}))
	authz.GrantPermission("admin", "*")
	require.NoError(t, authz.AssignRole("root", "admin"))

	assert.True(t, authz.HasPermission("root", "anything", "", nil))
	assert.True(t, authz.HasPermission("root", "users:manage", "vault", nil))
}

func TestResourceScopedGrant(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	require.NoError(t, authz.DefineRole(models.Role{ID: "editor"}))
	authz.GrantResourcePermission("editor", "doc-1", "edit")
	require.NoError(t, authz.AssignRole("bob", "editor"))

	assert.True(t, authz.HasPermission("bob", "edit", "doc-1", nil))
	assert.False(t, authz.HasPermission("bob", "edit", "doc-2", nil))
	assert.False(t, authz.HasPermission("bob", "edit", "", nil))
}

func TestDefineRoleRejectsCycles(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	require.NoError(t, authz.DefineRole(models.Role{ID: "a", Inherits: []string{"b"}}))
	err := authz.DefineRole(models.Role{ID: "b", Inherits: []string{"a"}})
	require.Error(t, err)

	// The rejected definition was rolled back.
	assert.NoError(t, authz.DefineRole(models.Role{ID: "b"}))
}

func TestAssignRoleRequiresDefinition(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{})
	assert.Error(t, authz.AssignRole("alice", "ghost"))
}

func TestPolicyFirstMatchDecides(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	require.NoError(t, authz.DefineRole(models.Role{ID: "user"}))
	authz.GrantPermission("user", "export")
	require.NoError(t, authz.AssignRole("alice", "user"))

	// First matching policy denies; the later allow is never consulted.
	authz.RegisterPolicy(models.Policy{
		ID:        "deny-export",
		Condition: models.Equals{Field: "permission", Value: "export"},
		Action:    models.PolicyDeny,
	})
	authz.RegisterPolicy(models.Policy{
		ID:        "allow-all",
		Condition: models.Equals{Field: "subject", Value: "alice"},
		Action:    models.PolicyAllow,
	})

	assert.False(t, authz.HasPermission("alice", "export", "", nil))
}

func TestPolicyAllowIfPredicate(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	authz.RegisterPolicy(models.Policy{
		ID:        "office-hours",
		Condition: models.Equals{Field: "permission", Value: "shutdown"},
		Action:    models.PolicyAllowIf,
		Predicate: func(req models.AccessRequest) bool {
			return req.Context["window"] == "maintenance"
		},
	})

	assert.True(t, authz.HasPermission("op", "shutdown", "", map[string]string{"window": "maintenance"}))
	assert.False(t, authz.HasPermission("op", "shutdown", "", map[string]string{"window": "business"}))
}

func TestDecisionCacheInvalidatedOnRoleChange(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true, CacheTTL: time.Hour})

	require.NoError(t, authz.DefineRole(models.Role{ID: "user"}))
	authz.GrantPermission("user", "browse")
	require.NoError(t, authz.AssignRole("alice", "user"))

	assert.True(t, authz.HasPermission("alice", "browse", "", nil))

	// Revocation must take effect immediately despite the hour-long TTL.
	authz.RevokeRole("alice", "user")
	assert.False(t, authz.HasPermission("alice", "browse", "", nil))
}

func TestDecisionCacheInvalidatedOnRoleMutation(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true, CacheTTL: time.Hour})

	require.NoError(t, authz.DefineRole(models.Role{ID: "user"}))
	require.NoError(t, authz.AssignRole("alice", "user"))

	assert.False(t, authz.HasPermission("alice", "browse", "", nil))

	// Granting a permission to the role invalidates every holder's cache.
	authz.GrantPermission("user", "browse")
	assert.True(t, authz.HasPermission("alice", "browse", "", nil))
}

func TestCacheSweepEvictsExpiredDecisions(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true, CacheTTL: time.Minute})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	authz.now = func() time.Time { return now }

	require.NoError(t, authz.DefineRole(models.Role{ID: "user"}))
	authz.GrantPermission("user", "browse")
	require.NoError(t, authz.AssignRole("alice", "user"))
	authz.HasPermission("alice", "browse", "", nil)

	authz.mu.RLock()
	cached := len(authz.cache)
	authz.mu.RUnlock()
	assert.Equal(t, 1, cached)

	now = now.Add(2 * time.Minute)
	authz.SweepCache(context.Background())

	authz.mu.RLock()
	cached = len(authz.cache)
	authz.mu.RUnlock()
	assert.Zero(t, cached)
}

func TestPermissionsForRolesFlattensInheritance(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true})

	require.NoError(t, authz.DefineRole(models.Role{ID: "guest"}))
	require.NoError(t, authz.DefineRole(models.Role{ID: "user", Inherits: []string{"guest"}}))
	authz.GrantPermission("guest", "browse")
	authz.GrantPermission("user", "comment")

	perms := authz.PermissionsForRoles([]string{"user"})
	assert.Equal(t, []string{"browse", "comment"}, perms)
}

func TestConditionAST(t *testing.T) {
	req := models.AccessRequest{
		Subject:    "alice",
		Permission: "read",
		Roles:      []string{"user"},
		Context:    map[string]string{"origin": "local"},
	}

	assert.True(t, models.Equals{Field: "subject", Value: "alice"}.Evaluate(req))
	assert.True(t, models.Equals{Field: "role", Value: "user"}.Evaluate(req))
	assert.True(t, models.Equals{Field: "origin", Value: "local"}.Evaluate(req))
	assert.False(t, models.Not{Cond: models.Equals{Field: "subject", Value: "alice"}}.Evaluate(req))
	assert.True(t, models.And{
		models.Equals{Field: "subject", Value: "alice"},
		models.Equals{Field: "permission", Value: "read"},
	}.Evaluate(req))
	assert.True(t, models.Or{
		models.Equals{Field: "subject", Value: "mallory"},
		models.Equals{Field: "role", Value: "user"},
	}.Evaluate(req))
}

func TestDecisionCacheScopedByContext(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true, CacheTTL: time.Hour})

	authz.RegisterPolicy(models.Policy{
		ID:        "maintenance-window",
		Condition: models.Equals{Field: "permission", Value: "shutdown"},
		Action:    models.PolicyAllowIf,
		Predicate: func(req models.AccessRequest) bool {
			return req.Context["window"] == "maintenance"
		},
	})

	// A cached decision for one context must not answer for another.
	assert.True(t, authz.HasPermission("op", "shutdown", "", map[string]string{"window": "maintenance"}))
	assert.False(t, authz.HasPermission("op", "shutdown", "", map[string]string{"window": "business"}))
	assert.True(t, authz.HasPermission("op", "shutdown", "", map[string]string{"window": "maintenance"}))
}

func TestRoleMutationInvalidatesInheritingHolders(t *testing.T) {
	authz := newTestAuthz(t, AuthzConfig{InheritanceEnabled: true, CacheTTL: time.Hour})

	require.NoError(t, authz.DefineRole(models.Role{ID: "guest"}))
	require.NoError(t, authz.DefineRole(models.Role{ID: "user", Inherits: []string{"guest"}}))
	require.NoError(t, authz.AssignRole("alice", "user"))

	assert.False(t, authz.HasPermission("alice", "browse", "", nil))

	// Alice holds only "user"; mutating the inherited "guest" role must
	// still drop her cached denial.
	authz.GrantPermission("guest", "browse")
	assert.True(t, authz.HasPermission("alice", "browse", "", nil))
}
