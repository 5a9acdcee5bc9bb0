package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	appErrors "github.com/veyra/trustcore/pkg/errors"
)

// AuthzConfig defines configuration for the authorization engine.
type AuthzConfig struct {
	InheritanceEnabled bool
	CacheTTL           time.Duration
}

// decisionKey includes the flattened request context because predicate and
// condition policies may decide on it; caching across contexts would serve
// one context's decision to another.
type decisionKey struct {
	subject    string
	permission string
	resource   string
	context    string
}

// flattenContext produces a deterministic key fragment from the request
// context map.
func flattenContext(reqCtx map[string]string) string {
	if len(reqCtx) == 0 {
		return ""
	}
	keys := make([]string, 0, len(reqCtx))
	for k := range reqCtx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(reqCtx[k])
	}
	return b.String()
}

type decisionEntry struct {
	allowed  bool
	cachedAt time.Time
}

// AuthzService resolves role-based permission checks with optional
// inheritance, declarative policy overrides and a TTL'd decision cache.
// HasPermission never returns an error: internal problems fail closed.
type AuthzService struct {
	audit   *AuditService
	logger  *zap.Logger
	metrics *MetricsService
	config  AuthzConfig
	now     func() time.Time

	mu            sync.RWMutex
	roles         map[string]*models.Role
	rolePerms     map[string]map[string]struct{}
	resourcePerms map[string]map[string]map[string]struct{}
	subjectRoles  map[string][]string
	policies      []models.Policy
	cache         map[decisionKey]decisionEntry
	subjectKeys   map[string]map[decisionKey]struct{}
}

// NewAuthzService constructs an AuthzService instance.
func NewAuthzService(audit *AuditService, logger *zap.Logger, metrics *MetricsService, cfg AuthzConfig) *AuthzService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &AuthzService{
		audit:         audit,
		logger:        logger,
		metrics:       metrics,
		config:        cfg,
		now:           func() time.Time { return time.Now().UTC() },
		roles:         make(map[string]*models.Role),
		rolePerms:     make(map[string]map[string]struct{}),
		resourcePerms: make(map[string]map[string]map[string]struct{}),
		subjectRoles:  make(map[string][]string),
		cache:         make(map[decisionKey]decisionEntry),
		subjectKeys:   make(map[string]map[decisionKey]struct{}),
	}
}

// DefineRole registers or replaces a role. The inheritance graph is
// validated acyclic here, because a cycle would otherwise hang permission
// traversal.
func (s *AuthzService) DefineRole(role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.roles[role.ID]
	clone := role
	s.roles[role.ID] = &clone
	if err := s.validateAcyclicLocked(); err != nil {
		if existed {
			s.roles[role.ID] = previous
		} else {
			delete(s.roles, role.ID)
		}
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "role inheritance cycle")
	}
	s.invalidateRoleLocked(role.ID)
	return nil
}

// GrantPermission assigns a permission to a role. The wildcard "*" grants
// everything.
func (s *AuthzService) GrantPermission(roleID, permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rolePerms[roleID] == nil {
		s.rolePerms[roleID] = make(map[string]struct{})
	}
	s.rolePerms[roleID][permission] = struct{}{}
	s.invalidateRoleLocked(roleID)
}

// GrantResourcePermission assigns a permission on a specific resource.
func (s *AuthzService) GrantResourcePermission(roleID, resource, permission string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resourcePerms[roleID] == nil {
		s.resourcePerms[roleID] = make(map[string]map[string]struct{})
	}
	if s.resourcePerms[roleID][resource] == nil {
		s.resourcePerms[roleID][resource] = make(map[string]struct{})
	}
	s.resourcePerms[roleID][resource][permission] = struct{}{}
	s.invalidateRoleLocked(roleID)
}

// AssignRole grants a role to a subject and eagerly invalidates the
// subject's cached decisions.
func (s *AuthzService) AssignRole(subject, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("role %q not defined", roleID))
	}
	for _, r := range s.subjectRoles[subject] {
		if r == roleID {
			return nil
		}
	}
	s.subjectRoles[subject] = append(s.subjectRoles[subject], roleID)
	s.invalidateSubjectLocked(subject)
	return nil
}

// RevokeRole removes a role from a subject.
func (s *AuthzService) RevokeRole(subject, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := s.subjectRoles[subject]
	for i, r := range roles {
		if r == roleID {
			s.subjectRoles[subject] = append(roles[:i], roles[i+1:]...)
			break
		}
	}
	s.invalidateSubjectLocked(subject)
}

// RegisterPolicy appends a policy. Policies run in registration order and
// the first match decides.
func (s *AuthzService) RegisterPolicy(policy models.Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append(s.policies, policy)
	s.cache = make(map[decisionKey]decisionEntry)
	s.subjectKeys = make(map[string]map[decisionKey]struct{})
}

// HasPermission decides whether subject may exercise permission on
// resource. It never panics through to the caller: internal errors deny
// the request (fail closed) and are logged.
func (s *AuthzService) HasPermission(subject, permission, resource string, reqCtx map[string]string) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("authorization check failed, denying",
				zap.String("subject", subject),
				zap.String("permission", permission),
				zap.Any("panic", r))
			allowed = false
		}
	}()

	key := decisionKey{subject: subject, permission: permission, resource: resource, context: flattenContext(reqCtx)}
	now := s.now()

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && now.Sub(entry.cachedAt) < s.config.CacheTTL {
		if s.metrics != nil {
			s.metrics.RecordDecisionCache(true)
		}
		return entry.allowed
	}
	if s.metrics != nil {
		s.metrics.RecordDecisionCache(false)
	}

	s.mu.RLock()
	roles := append([]string(nil), s.subjectRoles[subject]...)
	allowed = s.rbacAllowedLocked(roles, permission, resource)

	request := models.AccessRequest{
		Subject:    subject,
		Permission: permission,
		Resource:   resource,
		Roles:      roles,
		Context:    reqCtx,
	}
	for _, policy := range s.policies {
		if policy.Condition == nil || !policy.Condition.Evaluate(request) {
			continue
		}
		switch policy.Action {
		case models.PolicyAllow:
			allowed = true
		case models.PolicyDeny:
			allowed = false
		case models.PolicyAllowIf:
			allowed = policy.Predicate != nil && policy.Predicate(request)
		case models.PolicyDenyUnless:
			allowed = policy.Predicate != nil && policy.Predicate(request)
		default:
			allowed = false
		}
		break
	}
	s.mu.RUnlock()

	s.mu.Lock()
	s.cache[key] = decisionEntry{allowed: allowed, cachedAt: now}
	if s.subjectKeys[subject] == nil {
		s.subjectKeys[subject] = make(map[decisionKey]struct{})
	}
	s.subjectKeys[subject][key] = struct{}{}
	s.mu.Unlock()

	level := models.LevelInfo
	if !allowed {
		level = models.LevelWarning
	}
	s.audit.Append(models.CategoryAuthz, level, "authorization decision", map[string]string{
		"subject":    subject,
		"permission": permission,
		"resource":   resource,
		"allowed":    fmt.Sprintf("%t", allowed),
	})
	return allowed
}

// PermissionsForRoles flattens the permission set reachable from the given
// roles, inheritance included. Used for token claims.
func (s *AuthzService) PermissionsForRoles(roles []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[string]struct{})
	visited := make(map[string]struct{})
	queue := append([]string(nil), roles...)
	for len(queue) > 0 {
		roleID := queue[0]
		queue = queue[1:]
		if _, seen := visited[roleID]; seen {
			continue
		}
		visited[roleID] = struct{}{}
		for perm := range s.rolePerms[roleID] {
			set[perm] = struct{}{}
		}
		if s.config.InheritanceEnabled {
			if role, ok := s.roles[roleID]; ok {
				queue = append(queue, role.Inherits...)
			}
		}
	}

	perms := make([]string, 0, len(set))
	for perm := range set {
		perms = append(perms, perm)
	}
	sort.Strings(perms)
	return perms
}

// SweepCache evicts expired decisions. Run periodically by the scheduler.
func (s *AuthzService) SweepCache(context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.cache {
		if now.Sub(entry.cachedAt) >= s.config.CacheTTL {
			delete(s.cache, key)
			if keys, ok := s.subjectKeys[key.subject]; ok {
				delete(keys, key)
			}
		}
	}
}

// Status reports engine health for the coordinator.
func (s *AuthzService) Status() models.ComponentStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.ComponentStatus{
		Component: "authorization",
		Status:    "ok",
		Detail:    fmt.Sprintf("roles=%d policies=%d cached=%d", len(s.roles), len(s.policies), len(s.cache)),
	}
}

// rbacAllowedLocked checks direct grants on the subject's roles and then
// walks inheritance breadth-first with a visited-set guard.
func (s *AuthzService) rbacAllowedLocked(roles []string, permission, resource string) bool {
	visited := make(map[string]struct{})
	queue := append([]string(nil), roles...)
	for len(queue) > 0 {
		roleID := queue[0]
		queue = queue[1:]
		if _, seen := visited[roleID]; seen {
			continue
		}
		visited[roleID] = struct{}{}

		if perms, ok := s.rolePerms[roleID]; ok {
			if _, ok := perms[permission]; ok {
				return true
			}
			if _, ok := perms[models.PermissionWildcard]; ok {
				return true
			}
		}
		if resource != "" {
			if byResource, ok := s.resourcePerms[roleID]; ok {
				if perms, ok := byResource[resource]; ok {
					if _, ok := perms[permission]; ok {
						return true
					}
					if _, ok := perms[models.PermissionWildcard]; ok {
						return true
					}
				}
			}
		}
		if s.config.InheritanceEnabled {
			if role, ok := s.roles[roleID]; ok {
				queue = append(queue, role.Inherits...)
			}
		}
	}
	return false
}

func (s *AuthzService) invalidateSubjectLocked(subject string) {
	for key := range s.subjectKeys[subject] {
		delete(s.cache, key)
	}
	delete(s.subjectKeys, subject)
}

// invalidateRoleLocked evicts cached decisions of every subject affected by
// a role mutation: holders of the role itself and, when inheritance is on,
// holders of any role that transitively inherits it.
func (s *AuthzService) invalidateRoleLocked(roleID string) {
	affected := map[string]struct{}{roleID: {}}
	if s.config.InheritanceEnabled {
		for changed := true; changed; {
			changed = false
			for id, role := range s.roles {
				if _, ok := affected[id]; ok {
					continue
				}
				for _, parent := range role.Inherits {
					if _, ok := affected[parent]; ok {
						affected[id] = struct{}{}
						changed = true
						break
					}
				}
			}
		}
	}
	for subject, roles := range s.subjectRoles {
		for _, r := range roles {
			if _, ok := affected[r]; ok {
				s.invalidateSubjectLocked(subject)
				break
			}
		}
	}
}

// validateAcyclicLocked runs a three-color depth-first search over the
// whole inheritance graph.
func (s *AuthzService) validateAcyclicLocked() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(s.roles))

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case gray:
			return fmt.Errorf("cycle through role %q", id)
		case black:
			return nil
		}
		colors[id] = gray
		if role, ok := s.roles[id]; ok {
			for _, parent := range role.Inherits {
				if err := visit(parent); err != nil {
					return err
				}
			}
		}
		colors[id] = black
		return nil
	}

	for id := range s.roles {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
