package dls

import (
	"github.com/juju/collections/set"
)

// Reason explains a permission check result. Besides the constants below a
// reason may be the name of the perm kind that granted access.
type Reason string

// Check reasons.
const (
	ReasonSuperuser     Reason = "superuser"
	ReasonNotActiveUser Reason = "not_an_active_user"
	ReasonACLDeny       Reason = "acl_deny"
	ReasonACLAdm        Reason = "acl_adm"
	ReasonNotInAnyList  Reason = "not_in_any_list"
	ReasonRealm         Reason = "realm"
	ReasonDecision      Reason = "decision"
)

// ACLMatch tells how a subject was found in an ACL.
type ACLMatch string

// ACL match kinds.
const (
	ListedDirectly ACLMatch = "listed_directly"
	ListedByGroups ACLMatch = "listed_by_groups"
)

// Trace is debugging metadata of a check.
type Trace struct {
	PermKinds      []string `json:"perm_kinds"`
	UserGroups     []string `json:"user_groups,omitempty"`
	ACL            ACLMatch `json:"acl,omitempty"`
	MatchingGroups []string `json:"matching_groups,omitempty"`
	NodeRealm      string   `json:"node_realm,omitempty"`
	RequestedRealm string   `json:"requested_realm,omitempty"`
}

// Result is the outcome of a permission check.
type Result struct {
	Allowed bool   `json:"result"`
	Reason  Reason `json:"reason"`
	Trace   Trace  `json:"trace"`
}

// EvaluateOptions toggles the individual steps of Evaluate.
type EvaluateOptions struct {
	// WithSuperuser lets members of the superuser group through before any
	// other check, acl_deny included.
	WithSuperuser bool
	// WithSudo requires the subject to be a superuser and implies
	// WithSuperuser. A non-superuser gets ErrNotAllowed.
	WithSudo bool
	// WithACLDeny honors acl_deny grants.
	WithACLDeny bool
	// WithACLAdm lets acl_adm holders through for any perm kind.
	WithACLAdm bool
	// WithActiveCheck denies subjects outside the active-users group.
	// When false the subject is treated as a member of that group.
	WithActiveCheck bool
	// Realm, when set together with RealmCheck, denies nodes of another
	// realm before any ACL is consulted.
	Realm      string
	RealmCheck bool
}

// DefaultEvaluateOptions returns the options used when the caller sets
// nothing: acl_deny and acl_adm honored, superuser and active checks off.
func DefaultEvaluateOptions() EvaluateOptions {
	return EvaluateOptions{
		WithACLDeny: true,
		WithACLAdm:  true,
	}
}

// Evaluate decides whether subject, a member of groups, holds any of
// permKinds in grants. The first matching rule wins:
//
//  1. sudo requires superuser membership and forces the superuser rule
//  2. superuser group member: allow
//  3. active check: deny non-members of the active-users group
//  4. acl_deny names the subject or one of its groups: deny
//  5. acl_adm names the subject or one of its groups: allow
//  6. each perm kind in order: allow on the first that names the subject
//  7. deny
//
// Only active grants are considered.
func Evaluate(subject Subject, groups []Subject, grants Grants, permKinds []string, opts EvaluateOptions) (Result, error) {
	userGroups := set.NewStrings()
	for _, g := range groups {
		userGroups.Add(g.Name)
	}

	res := Result{Trace: Trace{PermKinds: permKinds, UserGroups: userGroups.SortedValues()}}

	if opts.WithSudo {
		if !userGroups.Contains(SuperuserGroupName) {
			return Result{}, newError(ErrNotAllowed, ErrSudoNotSuperuser.Message, map[string]any{"subject": subject.Name})
		}
		opts.WithSuperuser = true
	}

	if opts.WithSuperuser && userGroups.Contains(SuperuserGroupName) {
		res.Allowed, res.Reason = true, ReasonSuperuser
		return res, nil
	}

	if opts.WithActiveCheck {
		if !userGroups.Contains(ActiveUsersGroupName) {
			res.Reason = ReasonNotActiveUser
			return res, nil
		}
	} else if !userGroups.Contains(ActiveUsersGroupName) {
		userGroups = userGroups.Union(set.NewStrings(ActiveUsersGroupName))
	}

	active := grants.Active()
	check := func(permKind string) bool {
		listed := set.NewStrings(active[permKind]...)
		if listed.Contains(subject.Name) {
			res.Trace.ACL = ListedDirectly
			res.Trace.MatchingGroups = nil
			return true
		}
		if matching := userGroups.Intersection(listed); !matching.IsEmpty() {
			res.Trace.ACL = ListedByGroups
			res.Trace.MatchingGroups = matching.SortedValues()
			return true
		}
		return false
	}

	if opts.WithACLDeny && check(PermACLDeny) {
		res.Reason = ReasonACLDeny
		return res, nil
	}

	if opts.WithACLAdm && check(PermACLAdm) {
		res.Allowed, res.Reason = true, ReasonACLAdm
		return res, nil
	}

	for _, kind := range permKinds {
		if check(kind) {
			res.Allowed, res.Reason = true, Reason(kind)
			return res, nil
		}
	}

	res.Reason = ReasonNotInAnyList
	return res, nil
}

// ActionInput is a fully pre-fetched action check.
type ActionInput struct {
	Subject      Subject
	Groups       []Subject
	Node         Node
	Grants       Grants
	Action       string
	ExtraActions []string
	Options      EvaluateOptions
}

// ActionResult is the outcome of an action check. Extra holds the results
// of ExtraActions, evaluated on the same snapshot.
type ActionResult struct {
	Result
	Extra map[string]Result `json:"extra,omitempty"`
}

// Evaluator resolves actions through scopes and evaluates them.
type Evaluator struct {
	Scopes Scopes
}

// EvaluateAction resolves the action through the node's scope and
// evaluates it. Unknown scopes and actions are ErrNotFound.
func (e Evaluator) EvaluateAction(in ActionInput) (ActionResult, error) {
	scope, err := e.Scopes.Get(in.Node.Scope)
	if err != nil {
		return ActionResult{}, err
	}
	permKinds, err := scope.PermKindsFor(in.Action)
	if err != nil {
		return ActionResult{}, err
	}
	extraKinds := make(map[string][]string, len(in.ExtraActions))
	for _, action := range in.ExtraActions {
		kinds, err := scope.PermKindsFor(action)
		if err != nil {
			return ActionResult{}, err
		}
		extraKinds[action] = kinds
	}

	opts := in.Options
	if opts.RealmCheck && opts.Realm != "" && in.Node.Realm != "" && opts.Realm != in.Node.Realm {
		return ActionResult{Result: Result{
			Reason: ReasonRealm,
			Trace: Trace{
				PermKinds:      permKinds,
				NodeRealm:      in.Node.Realm,
				RequestedRealm: opts.Realm,
			},
		}}, nil
	}

	main, err := Evaluate(in.Subject, in.Groups, in.Grants, permKinds, opts)
	if err != nil {
		return ActionResult{}, err
	}
	out := ActionResult{Result: main}
	if len(extraKinds) > 0 {
		out.Extra = make(map[string]Result, len(extraKinds))
		for action, kinds := range extraKinds {
			r, err := Evaluate(in.Subject, in.Groups, in.Grants, kinds, opts)
			if err != nil {
				return ActionResult{}, err
			}
			out.Extra[action] = r
		}
	}
	return out, nil
}
