package permission

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/upb/governance-core/models"
	"gopkg.in/yaml.v3"
)

// Wildcard grants every permission when held by a role
const Wildcard = "*"

// Grant is one (verb, object) entry of the policy table. Object "*" covers the
// whole verb category.
type Grant struct {
	Verb   string
	Object string
}

// String renders the grant in verb:object form
func (g Grant) String() string {
	if g.Verb == Wildcard && g.Object == "" {
		return Wildcard
	}
	return g.Verb + ":" + g.Object
}

// ParseGrant splits a permission string. A permission without a colon is a
// bare verb with an empty object.
func ParseGrant(permission string) Grant {
	if permission == Wildcard {
		return Grant{Verb: Wildcard}
	}
	verb, object, _ := strings.Cut(permission, ":")
	return Grant{Verb: verb, Object: object}
}

// PolicyTable maps each role to the grants it holds
type PolicyTable struct {
	grants map[models.Role]map[Grant]struct{}
}

// defaultRolePermissions is the built-in role table
var defaultRolePermissions = map[models.Role][]string{
	models.RoleAdmin: {Wildcard},
	models.RoleManager: {
		"read:*", "create:*", "update:*",
		"approve:leave", "approve:assignment",
		"manage:team", "view:reports",
	},
	models.RoleContributor: {
		"read:*", "create:task", "update:own_task",
		"create:comment", "update:own_profile",
	},
	models.RoleViewer: {"read:project", "read:task", "read:report"},
}

// DefaultPolicyTable returns the built-in role table
func DefaultPolicyTable() *PolicyTable {
	table, err := NewPolicyTable(defaultRolePermissions)
	if err != nil {
		panic(fmt.Sprintf("built-in policy table is invalid: %v", err))
	}
	return table
}

// NewPolicyTable validates and indexes a role to permissions map
func NewPolicyTable(rolePermissions map[models.Role][]string) (*PolicyTable, error) {
	table := &PolicyTable{grants: make(map[models.Role]map[Grant]struct{}, len(rolePermissions))}
	for role, permissions := range rolePermissions {
		if !role.IsValid() {
			return nil, fmt.Errorf("unknown role %q", role)
		}
		set := make(map[Grant]struct{}, len(permissions))
		for _, p := range permissions {
			if err := validatePermission(p); err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			set[ParseGrant(p)] = struct{}{}
		}
		table.grants[role] = set
	}
	return table, nil
}

func validatePermission(p string) error {
	if p == Wildcard {
		return nil
	}
	g := ParseGrant(p)
	if g.Verb == "" || g.Object == "" || strings.Contains(g.Object, ":") {
		return fmt.Errorf("permission %q must have the form verb:object", p)
	}
	if g.Verb == Wildcard {
		return fmt.Errorf("permission %q: verb cannot be a wildcard", p)
	}
	return nil
}

// Resolve reports whether role holds permission and which grant matched.
// Order: role wildcard, exact grant, category wildcard.
func (t *PolicyTable) Resolve(role models.Role, permission string) (bool, string) {
	set, ok := t.grants[role]
	if !ok {
		return false, ""
	}
	if _, ok := set[Grant{Verb: Wildcard}]; ok {
		return true, Wildcard
	}
	want := ParseGrant(permission)
	if _, ok := set[want]; ok {
		return true, want.String()
	}
	category := Grant{Verb: want.Verb, Object: Wildcard}
	if _, ok := set[category]; ok {
		return true, category.String()
	}
	return false, ""
}

// Permissions lists the grants of role in sorted order
func (t *PolicyTable) Permissions(role models.Role) []string {
	set := t.grants[role]
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g.String())
	}
	sort.Strings(out)
	return out
}

// IsAdmin reports whether role holds the global wildcard
func (t *PolicyTable) IsAdmin(role models.Role) bool {
	_, ok := t.grants[role][Grant{Verb: Wildcard}]
	return ok
}

// policyFile is the on-disk shape of a policy override
type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadPolicyFile reads a YAML role table that replaces the built-in one
func LoadPolicyFile(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML role table
func ParsePolicy(data []byte) (*PolicyTable, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, fmt.Errorf("policy file defines no roles")
	}
	rolePermissions := make(map[models.Role][]string, len(file.Roles))
	for role, permissions := range file.Roles {
		rolePermissions[models.Role(role)] = permissions
	}
	return NewPolicyTable(rolePermissions)
}

// MarshalYAML renders the table in the policy file format
func (t *PolicyTable) MarshalYAML() (interface{}, error) {
	file := policyFile{Roles: make(map[string][]string, len(t.grants))}
	for _, role := range models.Roles() {
		if _, ok := t.grants[role]; ok {
			file.Roles[string(role)] = t.Permissions(role)
		}
	}
	return file, nil
}
