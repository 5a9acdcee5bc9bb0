package models

// PermissionWildcard grants every permission check when assigned to a role.
const PermissionWildcard = "*"

// Role is a named grant holder in the RBAC hierarchy. Inherits lists parent
// role IDs; the inheritance graph must stay acyclic.
type Role struct {
	ID       string   `json:"id"`
	Inherits []string `json:"inherits,omitempty"`
	Level    int      `json:"level"`
}

// AccessRequest is the typed context an authorization decision and policy
// conditions are evaluated against.
type AccessRequest struct {
	Subject    string
	Permission string
	Resource   string
	Roles      []string
	Context    map[string]string
}

// Field resolves a condition field name against the request. Unknown names
// fall through to the free-form context map.
func (r AccessRequest) Field(name string) string {
	switch name {
	case "subject":
		return r.Subject
	case "permission":
		return r.Permission
	case "resource":
		return r.Resource
	default:
		return r.Context[name]
	}
}

// HasRole reports whether the request carries the given role.
func (r AccessRequest) HasRole(role string) bool {
	for _, rr := range r.Roles {
		if rr == role {
			return true
		}
	}
	return false
}

// Condition is a typed predicate evaluated against an AccessRequest.
type Condition interface {
	Evaluate(req AccessRequest) bool
}

// Equals matches when the named request field equals a literal value.
type Equals struct {
	Field string
	Value string
}

func (c Equals) Evaluate(req AccessRequest) bool {
	if c.Field == "role" {
		return req.HasRole(c.Value)
	}
	return req.Field(c.Field) == c.Value
}

// And matches when every child condition matches.
type And []Condition

func (c And) Evaluate(req AccessRequest) bool {
	for _, sub := range c {
		if !sub.Evaluate(req) {
			return false
		}
	}
	return true
}

// Or matches when any child condition matches.
type Or []Condition

func (c Or) Evaluate(req AccessRequest) bool {
	for _, sub := range c {
		if sub.Evaluate(req) {
			return true
		}
	}
	return false
}

// Not inverts its child condition.
type Not struct {
	Cond Condition
}

func (c Not) Evaluate(req AccessRequest) bool {
	return !c.Cond.Evaluate(req)
}

// PolicyAction decides the final answer once a policy condition matches.
type PolicyAction string

const (
	PolicyAllow      PolicyAction = "allow"
	PolicyDeny       PolicyAction = "deny"
	PolicyAllowIf    PolicyAction = "allow_if"
	PolicyDenyUnless PolicyAction = "deny_unless"
)

// Policy overrides the RBAC result. Policies are evaluated in registration
// order and the first whose condition matches decides.
type Policy struct {
	ID        string
	Condition Condition
	Action    PolicyAction
	Predicate func(req AccessRequest) bool
}
