package dls

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeGrant(kind, subject string) Grant {
	return Grant{PermKind: kind, SubjectName: subject, Active: true, State: StateActive}
}

func TestEvaluate(t *testing.T) {
	alice := Subject{ID: 1, Name: "user:alice", Kind: SubjectUser}
	superuser := Subject{Name: SuperuserGroupName, Kind: SubjectGroup}
	activeUsers := Subject{Name: ActiveUsersGroupName, Kind: SubjectGroup}
	editors := Subject{Name: "group:editors", Kind: SubjectGroup}

	tests := []struct {
		name        string
		groups      []Subject
		grants      []Grant
		permKinds   []string
		opts        func(*EvaluateOptions)
		wantAllowed bool
		wantReason  Reason
		wantACL     ACLMatch
	}{
		{
			name:        "superuser short-circuits deny",
			groups:      []Subject{superuser},
			grants:      []Grant{activeGrant(PermACLDeny, alice.Name)},
			permKinds:   []string{PermACLView},
			opts:        func(o *EvaluateOptions) { o.WithSuperuser = true },
			wantAllowed: true,
			wantReason:  ReasonSuperuser,
		},
		{
			name:       "deny wins without superuser",
			groups:     []Subject{superuser},
			grants:     []Grant{activeGrant(PermACLDeny, alice.Name), activeGrant(PermACLView, alice.Name)},
			permKinds:  []string{PermACLView},
			wantReason: ReasonACLDeny,
			wantACL:    ListedDirectly,
		},
		{
			name:       "deny via group",
			groups:     []Subject{editors},
			grants:     []Grant{activeGrant(PermACLDeny, editors.Name), activeGrant(PermACLAdm, alice.Name)},
			permKinds:  []string{PermACLView},
			wantReason: ReasonACLDeny,
			wantACL:    ListedByGroups,
		},
		{
			name:        "deny disabled",
			grants:      []Grant{activeGrant(PermACLDeny, alice.Name), activeGrant(PermACLView, alice.Name)},
			permKinds:   []string{PermACLView},
			opts:        func(o *EvaluateOptions) { o.WithACLDeny = false },
			wantAllowed: true,
			wantReason:  Reason(PermACLView),
			wantACL:     ListedDirectly,
		},
		{
			name:        "adm grants everything",
			grants:      []Grant{activeGrant(PermACLAdm, alice.Name)},
			permKinds:   []string{PermACLExecute},
			wantAllowed: true,
			wantReason:  ReasonACLAdm,
		},
		{
			name:       "adm disabled",
			grants:     []Grant{activeGrant(PermACLAdm, alice.Name)},
			permKinds:  []string{PermACLExecute},
			opts:       func(o *EvaluateOptions) { o.WithACLAdm = false },
			wantReason: ReasonNotInAnyList,
		},
		{
			name:        "perm kinds in caller order",
			groups:      []Subject{editors},
			grants:      []Grant{activeGrant(PermACLView, alice.Name), activeGrant(PermACLEdit, editors.Name)},
			permKinds:   []string{PermACLEdit, PermACLView},
			wantAllowed: true,
			wantReason:  Reason(PermACLEdit),
			wantACL:     ListedByGroups,
		},
		{
			name:       "inactive grants ignored",
			grants:     []Grant{{PermKind: PermACLView, SubjectName: alice.Name, State: StatePending}},
			permKinds:  []string{PermACLView},
			wantReason: ReasonNotInAnyList,
		},
		{
			name:        "synthetic active users membership",
			grants:      []Grant{activeGrant(PermACLView, ActiveUsersGroupName)},
			permKinds:   []string{PermACLView},
			wantAllowed: true,
			wantReason:  Reason(PermACLView),
			wantACL:     ListedByGroups,
		},
		{
			name:       "active check denies non members",
			grants:     []Grant{activeGrant(PermACLView, alice.Name)},
			permKinds:  []string{PermACLView},
			opts:       func(o *EvaluateOptions) { o.WithActiveCheck = true },
			wantReason: ReasonNotActiveUser,
		},
		{
			name:        "active check passes members",
			groups:      []Subject{activeUsers},
			grants:      []Grant{activeGrant(PermACLView, alice.Name)},
			permKinds:   []string{PermACLView},
			opts:        func(o *EvaluateOptions) { o.WithActiveCheck = true },
			wantAllowed: true,
			wantReason:  Reason(PermACLView),
		},
		{
			name:        "sudo forces superuser",
			groups:      []Subject{superuser},
			grants:      []Grant{activeGrant(PermACLDeny, alice.Name)},
			permKinds:   []string{PermACLView},
			opts:        func(o *EvaluateOptions) { o.WithSudo = true },
			wantAllowed: true,
			wantReason:  ReasonSuperuser,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultEvaluateOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			res, err := Evaluate(alice, tt.groups, GroupGrants(tt.grants), tt.permKinds, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, res.Allowed)
			assert.Equal(t, tt.wantReason, res.Reason)
			if tt.wantACL != "" {
				assert.Equal(t, tt.wantACL, res.Trace.ACL)
			}
		})
	}

	t.Run("sudo without superuser", func(t *testing.T) {
		opts := DefaultEvaluateOptions()
		opts.WithSudo = true
		_, err := Evaluate(alice, []Subject{editors}, nil, []string{PermACLView}, opts)
		require.Error(t, err)
		assert.True(t, IsNotAllowedErr(err))
		assert.True(t, errors.Is(err, ErrSudoNotSuperuser))
		assert.Contains(t, err.Error(), "sudo: not a superuser")
		assert.Equal(t, map[string]any{"subject": alice.Name}, ErrorDetails(err))
	})

	t.Run("matching groups are sorted", func(t *testing.T) {
		b := Subject{Name: "group:b"}
		a := Subject{Name: "group:a"}
		res, err := Evaluate(alice, []Subject{b, a}, GroupGrants([]Grant{
			activeGrant(PermACLView, "group:b"), activeGrant(PermACLView, "group:a"),
		}), []string{PermACLView}, DefaultEvaluateOptions())
		require.NoError(t, err)
		assert.Equal(t, []string{"group:a", "group:b"}, res.Trace.MatchingGroups)
	})
}

func TestEvaluateAction(t *testing.T) {
	alice := Subject{ID: 1, Name: "user:alice", Kind: SubjectUser}
	node := Node{Identifier: "n1", Scope: "user", Realm: "r1"}
	grants := GroupGrants([]Grant{activeGrant(PermACLView, alice.Name)})
	ev := Evaluator{}

	t.Run("read allowed, edit denied", func(t *testing.T) {
		res, err := ev.EvaluateAction(ActionInput{
			Subject: alice, Node: node, Grants: grants,
			Action: "read", ExtraActions: []string{"edit"},
			Options: DefaultEvaluateOptions(),
		})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, Reason(PermACLView), res.Reason)
		require.Contains(t, res.Extra, "edit")
		assert.False(t, res.Extra["edit"].Allowed)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := ev.EvaluateAction(ActionInput{Subject: alice, Node: node, Action: "fly"})
		assert.True(t, IsNotFoundErr(err))
	})

	t.Run("unknown extra action", func(t *testing.T) {
		_, err := ev.EvaluateAction(ActionInput{Subject: alice, Node: node, Action: "read", ExtraActions: []string{"fly"}})
		assert.True(t, IsNotFoundErr(err))
	})

	t.Run("unknown scope with custom scopes", func(t *testing.T) {
		ev := Evaluator{Scopes: Scopes{CustomEnabled: true}}
		_, err := ev.EvaluateAction(ActionInput{Subject: alice, Node: Node{Scope: "nope"}, Action: "read"})
		assert.True(t, IsNotFoundErr(err))
	})

	t.Run("realm mismatch", func(t *testing.T) {
		opts := DefaultEvaluateOptions()
		opts.Realm, opts.RealmCheck = "r2", true
		res, err := ev.EvaluateAction(ActionInput{Subject: alice, Node: node, Grants: grants, Action: "read", Options: opts})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, ReasonRealm, res.Reason)
	})
}
