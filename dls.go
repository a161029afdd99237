// Package dls provides a node-level access control service: grants of
// permission kinds to users and groups on permission-protected nodes,
// evaluated through recursive group membership.
//
// # Core Concepts
//
// A Node is a permission-protected resource identified by an opaque
// identifier. Each node belongs to a scope, which names the permission
// kinds valid on it and maps actions onto them:
//
//	scope := dls.DefaultScope()
//	kinds, _ := scope.PermKindsFor("read") // [acl_adm acl_edit acl_view]
//
// A Grant attaches one permission kind to one subject on one node. Grants
// are never physically deleted; removal moves them to the deleted state so
// their history stays in the log.
//
// # Checking Permissions
//
//	svc := dls.New(store, dls.WithLogger(logger))
//	res, err := svc.Check(ctx, dls.CheckRequest{
//		Subject: "user:1234",
//		Node:    "9e0c2b8e-...",
//		Action:  "read",
//	})
//
// # Modifying Permissions
//
// Modifications are expressed as a Diff and applied by the grant diff
// engine while the node row is locked:
//
//	diff := dls.Diff{Added: map[string][]dls.DiffItem{
//		"acl_view": {{Subject: dls.Subject{Name: "group:5"}}},
//	}}
//	_, err := svc.ModifyPermissions(ctx, dls.ModifyRequest{
//		Node: "9e0c2b8e-...", Requester: "user:1234", Diff: diff,
//	})
//
// A requester allowed to set_permissions on the node applies the diff
// directly. Anyone else only creates pending requests.
package dls

import (
	"maps"
	"sort"

	"github.com/google/uuid"
)

// SubjectKind distinguishes users from groups.
type SubjectKind string

// Subject kinds.
const (
	SubjectUser  SubjectKind = "user"
	SubjectGroup SubjectKind = "group"
	SubjectOther SubjectKind = "other"
)

// Subject is an identity participating in ACLs.
// Name is globally unique and is what grants and diffs refer to.
type Subject struct {
	ID           int64          `json:"id,omitempty"`
	Name         string         `json:"name"`
	Kind         SubjectKind    `json:"kind,omitempty"`
	Active       bool           `json:"active"`
	Realm        string         `json:"realm,omitempty"`
	Source       string         `json:"source,omitempty"`
	SearchWeight int            `json:"search_weight,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Node is a permission-protected resource.
type Node struct {
	ID           int64          `json:"id,omitempty"`
	Identifier   string         `json:"identifier"`
	Scope        string         `json:"scope"`
	Realm        string         `json:"realm,omitempty"`
	NodeConfigID int64          `json:"node_config_id,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// GrantState is the lifecycle state of a grant.
type GrantState string

// Grant states.
const (
	StateDefault GrantState = "default"
	StatePending GrantState = "pending"
	StateActive  GrantState = "active"
	StateDeleted GrantState = "deleted"
)

// GrantMeta is the free-form part of a grant.
type GrantMeta struct {
	Requester      string         `json:"requester,omitempty"`
	Approver       string         `json:"approver,omitempty"`
	Remover        string         `json:"remover,omitempty"`
	Description    string         `json:"description,omitempty"`
	RemoverComment string         `json:"remover_comment,omitempty"`
	Extras         map[string]any `json:"extras,omitempty"`
}

// Grant is one (node, subject, perm_kind) permission record.
// GUID is stable across modifications and is the upsert key.
type Grant struct {
	ID           int64      `json:"id,omitempty"`
	GUID         uuid.UUID  `json:"guid"`
	NodeConfigID int64      `json:"node_config_id"`
	SubjectID    int64      `json:"subject_id"`
	SubjectName  string     `json:"subject_name"`
	PermKind     string     `json:"perm_kind"`
	Active       bool       `json:"active"`
	State        GrantState `json:"state"`
	Meta         GrantMeta  `json:"meta"`
	Realm        string     `json:"realm,omitempty"`
}

// Clone returns a copy of g that shares no mutable state with it.
func (g Grant) Clone() Grant {
	g.Meta.Extras = maps.Clone(g.Meta.Extras)
	return g
}

// Grants groups the grants of a node by perm_kind.
type Grants map[string][]Grant

// Clone copies the grouping and every grant in it.
func (gs Grants) Clone() Grants {
	out := make(Grants, len(gs))
	for kind, list := range gs {
		cp := make([]Grant, len(list))
		for i, g := range list {
			cp[i] = g.Clone()
		}
		out[kind] = cp
	}
	return out
}

// Flatten returns all grants ordered by perm_kind, then subject name.
func (gs Grants) Flatten() []Grant {
	kinds := make([]string, 0, len(gs))
	for kind := range gs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	var out []Grant
	for _, kind := range kinds {
		list := append([]Grant(nil), gs[kind]...)
		sort.SliceStable(list, func(i, j int) bool { return list[i].SubjectName < list[j].SubjectName })
		out = append(out, list...)
	}
	return out
}

// Active returns, for each perm_kind, the names of subjects holding an
// active grant of that kind.
func (gs Grants) Active() map[string][]string {
	out := make(map[string][]string, len(gs))
	for kind, list := range gs {
		for _, g := range list {
			if g.Active {
				out[kind] = append(out[kind], g.SubjectName)
			}
		}
	}
	return out
}

// GroupGrants builds a Grants grouping from a flat list.
func GroupGrants(list []Grant) Grants {
	out := make(Grants)
	for _, g := range list {
		out[g.PermKind] = append(out[g.PermKind], g)
	}
	return out
}

// Situation tags why a grant mutation happened.
// Values outside the declared constants are allowed and are logged as-is.
type Situation string

// Situations produced by the grant diff engine.
const (
	SituationNewAdd                  Situation = "grant_new_add"
	SituationReturn                  Situation = "grant_return"
	SituationPendingApprove          Situation = "grant_pending_approve"
	SituationActiveRerequest         Situation = "noop__grant_active_rerequest"
	SituationPendingRerequest        Situation = "noop__grant_pending_rerequest"
	SituationIgnoredExistingLarger   Situation = "some_request_ignored_because_of_existing_larger"
	SituationOverrideByLarger        Situation = "grant_override_by_larger"
	SituationExistingRemove          Situation = "grant_existing_remove"
	SituationRemoveByRequester       Situation = "grant_existing_remove_by_requester"
	SituationRemoveBySubject         Situation = "grant_existing_remove_by_subject"
	SituationExistingModify          Situation = "grant_existing_modify"
	SituationModifyReplaceReactivate Situation = "modify_replace_reactivate"
	SituationEtcetera                Situation = "etcetera"
)

// GrantSnapshot is the part of a grant recorded in the audit log.
type GrantSnapshot struct {
	SubjectID   *int64      `json:"subject_id,omitempty"`
	SubjectName *string     `json:"subject_name,omitempty"`
	PermKind    *string     `json:"perm_kind,omitempty"`
	Active      *bool       `json:"active,omitempty"`
	State       *GrantState `json:"state,omitempty"`
	Description *string     `json:"description,omitempty"`
}

// DedupInfo records a priority deduplication decision: the pre-existing
// perm_kind, the requested one and the resulting one.
type DedupInfo struct {
	Pre string `json:"pre"`
	Req string `json:"req"`
	Res string `json:"res"`
}

// LogMeta is the payload of an audit log entry.
type LogMeta struct {
	Context         map[string]any `json:"context,omitempty"`
	Action          string         `json:"action"`
	RequestUserName string         `json:"request_user_name"`
	GrantData       *GrantSnapshot `json:"grant_data,omitempty"`
	GrantDataPrev   *GrantSnapshot `json:"grant_data_prev,omitempty"`
	Comment         *string        `json:"comment,omitempty"`
	Situation       Situation      `json:"situation"`
	Extras          map[string]any `json:"extras,omitempty"`
	Dedup           *DedupInfo     `json:"dedup,omitempty"`
}

// LogEntry is an immutable audit record of one grant mutation.
type LogEntry struct {
	Kind           string    `json:"kind"`
	Sublocator     string    `json:"sublocator"`
	GrantGUID      uuid.UUID `json:"grant_guid"`
	RequestUserID  int64     `json:"request_user_id"`
	NodeIdentifier string    `json:"node_identifier"`
	Meta           LogMeta   `json:"meta"`
}
