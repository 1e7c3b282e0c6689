package bf

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleSupervisor  Role = "supervisor"
	RoleHR          Role = "hr"
	RoleManager     Role = "manager"
	RoleCoordinator Role = "coordinator"
	RoleCounselor   Role = "counselor"
	RolePrincipal   Role = "principal"
	RoleBeneficiary Role = "beneficiary"
)

var knownRoles = map[Role]bool{
	RoleAdmin: true, RoleSupervisor: true, RoleHR: true, RoleManager: true,
	RoleCoordinator: true, RoleCounselor: true, RolePrincipal: true, RoleBeneficiary: true,
}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !knownRoles[r] {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// RolesKind records how roles were supplied, so they are written back in
// the same shape.
type RolesKind int

const (
	RolesSingle RolesKind = iota
	RolesMulti
)

// Roles is a member's role set. On the wire it is either a single string
// or an array of strings; both decode here once and callers only use Has.
type Roles struct {
	Kind   RolesKind
	Values []Role
}

// DefaultRoles is what a member gets when no role is supplied.
func DefaultRoles() Roles {
	return SingleRole(RolePrincipal)
}

func SingleRole(r Role) Roles {
	return Roles{Kind: RolesSingle, Values: []Role{r}}
}

func MultiRoles(rs ...Role) Roles {
	return Roles{Kind: RolesMulti, Values: rs}
}

func (r Roles) IsZero() bool { return len(r.Values) == 0 }

func (r Roles) Has(role Role) bool {
	for _, v := range r.Values {
		if v == role {
			return true
		}
	}
	return false
}

func (r Roles) Validate() error {
	if r.IsZero() {
		return fmt.Errorf("%w: at least one role is required", ErrInvalidRole)
	}
	for _, v := range r.Values {
		if !knownRoles[v] {
			return fmt.Errorf("%w: %q", ErrInvalidRole, v)
		}
	}
	return nil
}

func (r Roles) MarshalJSON() ([]byte, error) {
	if r.Kind == RolesSingle && len(r.Values) == 1 {
		return json.Marshal(string(r.Values[0]))
	}
	vals := r.Values
	if vals == nil {
		vals = []Role{}
	}
	return json.Marshal(vals)
}

// UnmarshalJSON accepts "admin", ["admin","hr"] or null. Null and empty
// input give DefaultRoles.
func (r *Roles) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" || raw == `""` || raw == "[]" {
		*r = DefaultRoles()
		return nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		role, err := ParseRole(s)
		if err != nil {
			return err
		}
		*r = SingleRole(role)
		return nil
	}

	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("%w: roles must be a string or an array of strings", ErrInvalidRole)
	}
	out := Roles{Kind: RolesMulti}
	seen := make(map[Role]bool)
	for _, s := range list {
		role, err := ParseRole(s)
		if err != nil {
			return err
		}
		if !seen[role] {
			seen[role] = true
			out.Values = append(out.Values, role)
		}
	}
	*r = out
	return nil
}
