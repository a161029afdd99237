package pgstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/pgstore"
	"github.com/pthm/dls/internal/testutil"
)

func newStore(t *testing.T) (*pgstore.Store, *testutil.Fixtures) {
	t.Helper()
	db := testutil.DB(t)
	return pgstore.New(db), testutil.NewFixtures(context.Background(), db)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s, fx := newStore(t)
	_, err := fx.CreateSubject("user", "user:alice", true)
	require.NoError(t, err)

	t.Run("system groups are seeded", func(t *testing.T) {
		g, err := s.Resolve(ctx, dls.SuperuserGroupName, false)
		require.NoError(t, err)
		assert.Equal(t, dls.SubjectGroup, g.Kind)
		assert.Equal(t, dls.SuperuserGroupUUID.String(), g.Meta["uuid"])
	})

	t.Run("existing", func(t *testing.T) {
		u, err := s.Resolve(ctx, "user:alice", false)
		require.NoError(t, err)
		assert.Equal(t, dls.SubjectUser, u.Kind)
		assert.Equal(t, "fixture", u.Source)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.ResolveMany(ctx, []string{"user:alice", "user:ghost"}, false)
		assert.True(t, dls.IsNotFoundErr(err))
	})

	t.Run("auto create users only", func(t *testing.T) {
		u, err := s.Resolve(ctx, "user:new", true)
		require.NoError(t, err)
		assert.Equal(t, "auto", u.Source)

		byID, err := s.ResolveIDs(ctx, []int64{u.ID, 999999})
		require.NoError(t, err)
		assert.Equal(t, map[int64]dls.Subject{u.ID: u}, byID)

		_, err = s.Resolve(ctx, "group:new", true)
		assert.True(t, dls.IsNotFoundErr(err))
	})
}

func TestEffectiveGroups(t *testing.T) {
	ctx := context.Background()
	s, fx := newStore(t)

	alice, err := fx.CreateSubject("user", "user:alice", true)
	require.NoError(t, err)
	var groups []int64
	for _, name := range []string{"group:a", "group:b", "group:c"} {
		id, err := fx.CreateSubject("group", name, true)
		require.NoError(t, err)
		groups = append(groups, id)
	}
	require.NoError(t, fx.AddMember(groups[0], alice))
	require.NoError(t, fx.AddMember(groups[1], groups[0]))
	require.NoError(t, fx.AddMember(groups[2], groups[1]))
	// Cycle back to group:a.
	require.NoError(t, fx.AddMember(groups[0], groups[2]))

	got, err := s.EffectiveGroups(ctx, dls.Subject{ID: alice, Name: "user:alice"})
	require.NoError(t, err)
	names := make([]string, len(got))
	for i, g := range got {
		names[i] = g.Name
	}
	assert.Equal(t, []string{"group:a", "group:b", "group:c"}, names)

	members, err := s.Members(ctx, dls.Subject{ID: groups[0]})
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "group:c", members[0].Name)
	assert.Equal(t, "user:alice", members[1].Name)

	require.NoError(t, s.RemoveMembers(ctx, dls.Subject{ID: groups[1]}, []dls.Subject{{ID: groups[0]}}))
	got, err = s.EffectiveGroups(ctx, dls.Subject{ID: alice, Name: "user:alice"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNodesAndGrants(t *testing.T) {
	ctx := context.Background()
	s, fx := newStore(t)
	alice, err := fx.CreateSubject("user", "user:alice", true)
	require.NoError(t, err)

	n, err := s.CreateNode(ctx, dls.Node{Identifier: "doc-1", Scope: "user", Meta: map[string]any{"title": "Doc"}})
	require.NoError(t, err)
	assert.NotZero(t, n.NodeConfigID)

	_, err = s.CreateNode(ctx, dls.Node{Identifier: "doc-1", Scope: "user"})
	assert.True(t, dls.IsNotConsistentErr(err))

	got, err := s.GetNode(ctx, "doc-1", false)
	require.NoError(t, err)
	assert.Equal(t, n.NodeConfigID, got.NodeConfigID)
	assert.Equal(t, "Doc", got.Meta["title"])

	_, err = s.GetNode(ctx, "missing", false)
	assert.True(t, dls.IsNotFoundErr(err))

	g := dls.Grant{
		GUID: uuid.New(), NodeConfigID: n.NodeConfigID, SubjectID: alice, PermKind: dls.PermACLView,
		Active: true, State: dls.StateActive, Meta: dls.GrantMeta{Requester: "user:alice"},
	}
	require.NoError(t, s.UpsertGrants(ctx, []dls.Grant{g}))

	g.PermKind = dls.PermACLEdit
	require.NoError(t, s.UpsertGrants(ctx, []dls.Grant{g}))

	grants, err := s.GetGrants(ctx, n.NodeConfigID)
	require.NoError(t, err)
	require.Len(t, grants[dls.PermACLEdit], 1)
	assert.Empty(t, grants[dls.PermACLView])
	assert.Equal(t, "user:alice", grants[dls.PermACLEdit][0].SubjectName)
	assert.Equal(t, "user:alice", grants[dls.PermACLEdit][0].Meta.Requester)

	dup := g
	dup.GUID = uuid.New()
	err = s.UpsertGrants(ctx, []dls.Grant{dup})
	assert.True(t, dls.IsNotConsistentErr(err))

	require.NoError(t, s.AppendLogs(ctx, []dls.LogEntry{{
		Kind: "grant_modify", Sublocator: "grant:" + g.GUID.String(), GrantGUID: g.GUID,
		RequestUserID: alice, NodeIdentifier: "doc-1",
		Meta: dls.LogMeta{Action: "edit_permissions", Situation: dls.SituationNewAdd},
	}}))
}

func TestWithinTxRollback(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx dls.Tx) error {
		_, err := tx.CreateNode(ctx, dls.Node{Identifier: "n1", Scope: "user"})
		require.NoError(t, err)
		_, err = tx.GetNode(ctx, "n1", true)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetNode(ctx, "n1", false)
	assert.True(t, dls.IsNotFoundErr(err))
}

func TestServiceOnPostgres(t *testing.T) {
	ctx := context.Background()
	s, fx := newStore(t)
	_, err := fx.CreateSubject("user", "user:owner", true)
	require.NoError(t, err)
	_, err = fx.CreateSubject("user", "user:alice", true)
	require.NoError(t, err)

	svc := dls.New(s)
	_, err = svc.AddNode(ctx, dls.AddNodeRequest{Identifier: "doc-1", Scope: "user", Requester: "user:owner"})
	require.NoError(t, err)

	res, err := svc.Check(ctx, dls.CheckRequest{Subject: "user:alice", Node: "doc-1", Action: "read"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Pending request, then approval by the owner.
	diff := dls.Diff{Added: map[string][]dls.DiffItem{dls.PermACLView: {{Subject: dls.Subject{Name: "user:alice"}}}}}
	_, err = svc.ModifyPermissions(ctx, dls.ModifyRequest{Node: "doc-1", Requester: "user:alice", Diff: diff})
	require.NoError(t, err)
	out, err := svc.ModifyPermissions(ctx, dls.ModifyRequest{Node: "doc-1", Requester: "user:owner", Diff: diff})
	require.NoError(t, err)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, dls.SituationPendingApprove, out.Logs[0].Meta.Situation)

	res, err = svc.Check(ctx, dls.CheckRequest{Subject: "user:alice", Node: "doc-1", Action: "read"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, svc.AddGroupMembers(ctx, dls.SuperuserGroupName, []string{"user:alice"}))
	groups, err := svc.SubjectGroups(ctx, "user:alice", true)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, dls.SuperuserGroupName, groups[0].Name)
}
