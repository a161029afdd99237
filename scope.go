package dls

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

// Special perm kinds. They always come first in a scope's PermKinds.
const (
	PermACLDeny = "acl_deny"
	PermACLAdm  = "acl_adm"
)

// Regular perm kinds of the default scope.
const (
	PermACLEdit    = "acl_edit"
	PermACLView    = "acl_view"
	PermACLExecute = "acl_execute"
)

// ActionSetPermissions is the action a requester must be allowed to perform
// on a node for its permission diffs to apply immediately.
const ActionSetPermissions = "set_permissions"

var specialPermKinds = []string{PermACLDeny, PermACLAdm}

// Scope names the perm kinds valid on a class of nodes and maps actions
// onto ordered lists of perm kinds.
//
// PermKindSizes orders perm kinds by how much access they imply. Kinds
// without a size (acl_deny) never take part in deduplication.
type Scope struct {
	PermKinds      []string            `json:"perm_kinds"`
	PermKindSizes  map[string]int      `json:"perm_kind_sizes"`
	PermKindTitles map[string]string   `json:"perm_kind_titles"`
	Actions        map[string][]string `json:"actions"`
}

// DefaultScope returns a fresh copy of the default scope.
func DefaultScope() Scope {
	return Scope{
		PermKinds: []string{PermACLDeny, PermACLAdm, PermACLEdit, PermACLView, PermACLExecute},
		PermKindSizes: map[string]int{
			PermACLExecute: 1,
			PermACLView:    2,
			PermACLEdit:    3,
			PermACLAdm:     4,
		},
		PermKindTitles: map[string]string{
			PermACLExecute: "Execute",
			PermACLView:    "Read",
			PermACLEdit:    "Write",
			PermACLAdm:     "Owner",
		},
		Actions: map[string][]string{
			ActionSetPermissions: {PermACLAdm},
			"delete":             {PermACLAdm},
			"move":               {PermACLAdm},
			"edit":               {PermACLAdm, PermACLEdit},
			"write":              {PermACLAdm, PermACLEdit},
			"create_subnode":     {PermACLAdm, PermACLEdit},
			"read":               {PermACLAdm, PermACLEdit, PermACLView},
			"get_listing":        {PermACLAdm, PermACLEdit, PermACLView},
			"execute":            {PermACLAdm, PermACLEdit, PermACLView, PermACLExecute},
		},
	}
}

// Clone returns a deep copy of s.
func (s Scope) Clone() Scope {
	out := Scope{
		PermKinds:      slices.Clone(s.PermKinds),
		PermKindSizes:  maps.Clone(s.PermKindSizes),
		PermKindTitles: maps.Clone(s.PermKindTitles),
		Actions:        make(map[string][]string, len(s.Actions)),
	}
	for k, v := range s.Actions {
		out.Actions[k] = slices.Clone(v)
	}
	return out
}

// Normalize moves the special perm kinds to the front of PermKinds and
// fills in default actions the scope does not override.
func (s Scope) Normalize() Scope {
	out := s.Clone()
	kinds := slices.Clone(specialPermKinds)
	for _, k := range s.PermKinds {
		if !slices.Contains(specialPermKinds, k) {
			kinds = append(kinds, k)
		}
	}
	out.PermKinds = kinds

	actions := DefaultScope().Actions
	maps.Copy(actions, out.Actions)
	out.Actions = actions

	if out.PermKindSizes == nil {
		out.PermKindSizes = DefaultScope().PermKindSizes
	}
	if out.PermKindTitles == nil {
		out.PermKindTitles = map[string]string{}
	}
	return out
}

// PermKindsFor resolves an action to its ordered perm kinds.
func (s Scope) PermKindsFor(action string) ([]string, error) {
	kinds, ok := s.Actions[action]
	if !ok {
		return nil, notFound(fmt.Sprintf("unknown action %q", action), map[string]any{"action": action})
	}
	return kinds, nil
}

// Scopes resolves scope names to scope configurations.
//
// Built-in scopes (user, group, system_folder) always resolve. Other
// names resolve to Custom entries when custom scopes are enabled, and to
// the default scope otherwise.
type Scopes struct {
	Custom        map[string]Scope
	CustomEnabled bool
}

func builtinScopes() map[string]Scope {
	systemFolder := DefaultScope()
	systemFolder.Actions["create_subnode"] = []string{PermACLAdm, PermACLEdit}
	return map[string]Scope{
		"user":          DefaultScope(),
		"group":         DefaultScope(),
		"system_folder": systemFolder,
	}
}

// Get returns the normalized scope named name.
func (sc Scopes) Get(name string) (Scope, error) {
	if s, ok := builtinScopes()[name]; ok {
		return s, nil
	}
	if !sc.CustomEnabled {
		return DefaultScope(), nil
	}
	s, ok := sc.Custom[name]
	if !ok {
		return Scope{}, notFound(fmt.Sprintf("unknown scope %q", name), map[string]any{"scope": name})
	}
	return s.Normalize(), nil
}

// LoadScopes reads custom scope definitions from a YAML (or JSON) file.
// The file maps scope names to Scope objects.
func LoadScopes(fs afero.Fs, path string) (Scopes, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Scopes{}, fmt.Errorf("read scopes file: %w", err)
	}
	var custom map[string]Scope
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return Scopes{}, fmt.Errorf("parse scopes file %s: %w", path, err)
	}
	for name, s := range custom {
		if len(s.PermKinds) == 0 {
			return Scopes{}, fmt.Errorf("scope %q: perm_kinds must not be empty", name)
		}
		for action, kinds := range s.Actions {
			for _, k := range kinds {
				if !slices.Contains(s.PermKinds, k) && !slices.Contains(specialPermKinds, k) {
					return Scopes{}, fmt.Errorf("scope %q: action %q references unknown perm kind %q", name, action, k)
				}
			}
		}
	}
	return Scopes{Custom: custom, CustomEnabled: true}, nil
}
