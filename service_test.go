package dls_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pthm/dls"
	"github.com/pthm/dls/internal/memstore"
)

type fixture struct {
	ctx   context.Context
	store *memstore.Store
	svc   *dls.Service
	owner dls.Subject
	alice dls.Subject
	bob   dls.Subject
	team  dls.Subject
	node  dls.Node
}

func newFixture(t *testing.T, opts ...dls.Option) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: memstore.New()}
	f.owner = f.store.AddSubject(dls.Subject{Name: "user:owner", Kind: dls.SubjectUser, Active: true})
	f.alice = f.store.AddSubject(dls.Subject{Name: "user:alice", Kind: dls.SubjectUser, Active: true})
	f.bob = f.store.AddSubject(dls.Subject{Name: "user:bob", Kind: dls.SubjectUser, Active: true})
	f.team = f.store.AddSubject(dls.Subject{Name: "group:team", Kind: dls.SubjectGroup, Active: true})
	f.svc = dls.New(f.store, opts...)

	res, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{Identifier: "doc-1", Scope: "user", Requester: f.owner.Name})
	require.NoError(t, err)
	f.node = res.Node
	return f
}

func (f *fixture) check(t *testing.T, subject, action string) dls.CheckResult {
	t.Helper()
	res, err := f.svc.Check(f.ctx, dls.CheckRequest{Subject: subject, Node: f.node.Identifier, Action: action, Verbose: true})
	require.NoError(t, err)
	return res
}

func addDiff(kind string, names ...string) dls.Diff {
	items := make([]dls.DiffItem, len(names))
	for i, n := range names {
		items[i] = dls.DiffItem{Subject: dls.Subject{Name: n}}
	}
	return dls.Diff{Added: map[string][]dls.DiffItem{kind: items}}
}

func TestServiceAddNode(t *testing.T) {
	f := newFixture(t)

	grants, err := f.svc.GetNodePermissions(f.ctx, f.node.Identifier)
	require.NoError(t, err)
	require.Len(t, grants[dls.PermACLAdm], 1)
	g := grants[dls.PermACLAdm][0]
	assert.Equal(t, f.owner.Name, g.SubjectName)
	assert.True(t, g.Active)
	assert.Equal(t, "owner_only", g.Meta.Extras["initial"])

	t.Run("create_subnode is required on the parent", func(t *testing.T) {
		_, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{
			Scope: "user", Requester: f.bob.Name, ParentIdentifier: f.node.Identifier,
		})
		assert.True(t, dls.IsNotAllowedErr(err))
	})

	t.Run("parent and owner copies active grants", func(t *testing.T) {
		diff := addDiff(dls.PermACLView, f.team.Name)
		diff.Added[dls.PermACLEdit] = []dls.DiffItem{{Subject: f.alice}}
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: diff,
		})
		require.NoError(t, err)

		res, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{
			Identifier:             "doc-2",
			Scope:                  "user",
			Requester:              f.alice.Name,
			ParentIdentifier:       f.node.Identifier,
			InitialPermissionsMode: dls.InitialParentAndOwner,
		})
		require.NoError(t, err)
		active := res.Grants.Active()
		assert.ElementsMatch(t, []string{f.owner.Name, f.alice.Name}, active[dls.PermACLAdm])
		assert.Equal(t, []string{f.team.Name}, active[dls.PermACLView])
		// alice's copied acl_edit is absorbed by her acl_adm.
		assert.Empty(t, active[dls.PermACLEdit])
	})

	t.Run("explicit", func(t *testing.T) {
		res, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{
			Scope:                  "user",
			Requester:              f.owner.Name,
			InitialPermissionsMode: dls.InitialExplicit,
			InitialPermissions:     addDiff(dls.PermACLEdit, f.bob.Name),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, res.Node.Identifier)
		assert.Equal(t, map[string][]string{dls.PermACLEdit: {f.bob.Name}}, res.Grants.Active())
	})

	t.Run("duplicate identifier", func(t *testing.T) {
		_, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{Identifier: "doc-1", Scope: "user", Requester: f.owner.Name})
		assert.True(t, dls.IsNotConsistentErr(err))
	})

	t.Run("unknown requester", func(t *testing.T) {
		_, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{Scope: "user", Requester: "user:ghost"})
		assert.True(t, dls.IsNotFoundErr(err))
	})
}

func TestServiceCheck(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
		Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.team.Name),
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.AddGroupMembers(f.ctx, f.team.Name, []string{f.alice.Name}))

	t.Run("owner via acl_adm", func(t *testing.T) {
		res := f.check(t, f.owner.Name, "edit")
		assert.True(t, res.Allowed)
		assert.Equal(t, dls.ReasonACLAdm, res.Reason)
	})

	t.Run("group member reads", func(t *testing.T) {
		res := f.check(t, f.alice.Name, "read")
		assert.True(t, res.Allowed)
		assert.Equal(t, dls.ListedByGroups, res.Trace.ACL)
		assert.Equal(t, []string{f.team.Name}, res.Trace.MatchingGroups)
	})

	t.Run("group member cannot edit", func(t *testing.T) {
		res := f.check(t, f.alice.Name, "edit")
		assert.False(t, res.Allowed)
		assert.Equal(t, dls.ReasonNotInAnyList, res.Reason)
	})

	t.Run("outsider", func(t *testing.T) {
		assert.False(t, f.check(t, f.bob.Name, "read").Allowed)
	})

	t.Run("trace dropped unless verbose", func(t *testing.T) {
		res, err := f.svc.Check(f.ctx, dls.CheckRequest{Subject: f.alice.Name, Node: f.node.Identifier, Action: "read"})
		require.NoError(t, err)
		assert.Empty(t, res.Trace.PermKinds)
	})

	t.Run("unknown node and subject", func(t *testing.T) {
		_, err := f.svc.Check(f.ctx, dls.CheckRequest{Subject: f.alice.Name, Node: "nope", Action: "read"})
		assert.True(t, dls.IsNotFoundErr(err))
		_, err = f.svc.Check(f.ctx, dls.CheckRequest{Subject: "user:ghost", Node: f.node.Identifier, Action: "read"})
		assert.True(t, dls.IsNotFoundErr(err))
	})

	t.Run("membership removal is seen", func(t *testing.T) {
		require.NoError(t, f.svc.RemoveGroupMembers(f.ctx, f.team.Name, []string{f.alice.Name}))
		assert.False(t, f.check(t, f.alice.Name, "read").Allowed)
	})
}

func TestServiceCheckSuperuser(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.AddGroupMembers(f.ctx, dls.SuperuserGroupName, []string{f.bob.Name}))

	res, err := f.svc.Check(f.ctx, dls.CheckRequest{Subject: f.bob.Name, Node: f.node.Identifier, Action: "edit"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = f.svc.Check(f.ctx, dls.CheckRequest{Subject: f.bob.Name, Node: f.node.Identifier, Action: "edit", AllowSuperuser: true})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, dls.ReasonSuperuser, res.Reason)

	_, err = f.svc.Check(f.ctx, dls.CheckRequest{Subject: f.alice.Name, Node: f.node.Identifier, Action: "edit", Sudo: true})
	assert.True(t, dls.IsNotAllowedErr(err))
}

func TestServiceDecision(t *testing.T) {
	t.Run("service level", func(t *testing.T) {
		f := newFixture(t, dls.WithDecision(dls.DecisionAllow))
		res := f.check(t, "user:anyone", "edit")
		assert.True(t, res.Allowed)
		assert.Equal(t, dls.ReasonDecision, res.Reason)
		assert.Equal(t, "allow", res.Decision)
	})

	t.Run("context ignored unless enabled", func(t *testing.T) {
		f := newFixture(t)
		ctx := dls.WithDecisionContext(f.ctx, dls.DecisionAllow)
		res, err := f.svc.Check(ctx, dls.CheckRequest{Subject: f.bob.Name, Node: f.node.Identifier, Action: "edit"})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	})

	t.Run("context overrides service", func(t *testing.T) {
		f := newFixture(t, dls.WithDecision(dls.DecisionAllow), dls.WithContextDecision())
		ctx := dls.WithDecisionContext(f.ctx, dls.DecisionDeny)
		res, err := f.svc.Check(ctx, dls.CheckRequest{Subject: f.owner.Name, Node: f.node.Identifier, Action: "read"})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, "deny", res.Decision)
	})

	t.Run("modify ignores decisions", func(t *testing.T) {
		f := newFixture(t, dls.WithDecision(dls.DecisionAllow))
		res, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.bob.Name, Diff: addDiff(dls.PermACLView, f.bob.Name),
		})
		require.NoError(t, err)
		assert.False(t, res.Editable)
	})
}

func TestServiceCheckMulti(t *testing.T) {
	f := newFixture(t, dls.WithMultiConcurrency(2))
	for i := 2; i <= 5; i++ {
		_, err := f.svc.AddNode(f.ctx, dls.AddNodeRequest{Identifier: fmt.Sprintf("doc-%d", i), Scope: "user", Requester: f.alice.Name})
		require.NoError(t, err)
	}

	out, err := f.svc.CheckMulti(f.ctx, f.alice.Name, "read", []string{"doc-1", "doc-2", "doc-5", "missing"})
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.False(t, out["doc-1"].Allowed)
	assert.Equal(t, dls.MultiStatusOK, out["doc-1"].Status)
	assert.True(t, out["doc-2"].Allowed)
	assert.True(t, out["doc-5"].Allowed)
	assert.Equal(t, dls.MultiStatusNotFound, out["missing"].Status)

	_, err = f.svc.CheckMulti(f.ctx, f.alice.Name, "fly", []string{"doc-1"})
	assert.True(t, dls.IsNotFoundErr(err))
}

func TestServiceMust(t *testing.T) {
	f := newFixture(t)

	t.Run("allowed", func(t *testing.T) {
		assert.NotPanics(t, func() {
			f.svc.Must(f.ctx, dls.CheckRequest{Subject: f.owner.Name, Node: f.node.Identifier, Action: "edit"})
		})
	})

	t.Run("denied", func(t *testing.T) {
		assert.PanicsWithValue(t,
			fmt.Sprintf("dls.Must: %s may not edit on %s (%s)", f.bob.Name, f.node.Identifier, dls.ReasonNotInAnyList),
			func() {
				f.svc.Must(f.ctx, dls.CheckRequest{Subject: f.bob.Name, Node: f.node.Identifier, Action: "edit"})
			})
	})

	t.Run("lookup error", func(t *testing.T) {
		assert.Panics(t, func() {
			f.svc.Must(f.ctx, dls.CheckRequest{Subject: f.owner.Name, Node: "nope", Action: "edit"})
		})
	})
}

func TestServiceModifyPermissions(t *testing.T) {
	t.Run("pending request then approval", func(t *testing.T) {
		f := newFixture(t)
		req, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.bob.Name, Diff: addDiff(dls.PermACLView, f.bob.Name),
		})
		require.NoError(t, err)
		assert.False(t, req.Editable)
		require.Len(t, req.Upserts, 1)
		assert.Equal(t, dls.StatePending, req.Upserts[0].State)
		assert.False(t, f.check(t, f.bob.Name, "read").Allowed)

		approve, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.bob.Name),
		})
		require.NoError(t, err)
		assert.True(t, approve.Editable)
		require.Len(t, approve.Upserts, 1)
		assert.Equal(t, req.Upserts[0].GUID, approve.Upserts[0].GUID)
		assert.Equal(t, dls.SituationPendingApprove, approve.Logs[0].Meta.Situation)
		assert.True(t, f.check(t, f.bob.Name, "read").Allowed)
	})

	t.Run("removal of foreign grant is refused and nothing persists", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.alice.Name),
		})
		require.NoError(t, err)
		logsBefore := len(f.store.Logs())

		_, err = f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.bob.Name,
			Diff: dls.Diff{
				Added:   map[string][]dls.DiffItem{dls.PermACLView: {{Subject: f.bob}}},
				Removed: map[string][]dls.DiffItem{dls.PermACLView: {{Subject: f.alice}}},
			},
		})
		require.Error(t, err)
		assert.True(t, dls.IsNotAllowedErr(err))
		assert.Equal(t, dls.ReasonNotInAnyList, f.check(t, f.bob.Name, "read").Reason)
		assert.True(t, f.check(t, f.alice.Name, "read").Allowed)
		assert.Len(t, f.store.Logs(), logsBefore)
	})

	t.Run("unknown diff subject", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, "group:ghost"),
		})
		assert.True(t, dls.IsNotFoundErr(err))
	})

	t.Run("duplicate unknown subject is inconsistent", func(t *testing.T) {
		f := newFixture(t)
		ghost := dls.DiffItem{Subject: dls.Subject{Name: "group:ghost"}}
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name,
			Diff: dls.Diff{
				Added:   map[string][]dls.DiffItem{dls.PermACLView: {ghost}},
				Removed: map[string][]dls.DiffItem{dls.PermACLView: {ghost}},
			},
		})
		require.Error(t, err)
		assert.True(t, dls.IsNotConsistentErr(err))
		assert.False(t, dls.IsNotFoundErr(err))
		assert.Equal(t, map[string]any{"subjects": []string{"group:ghost"}}, dls.ErrorDetails(err))
	})

	t.Run("auto create users", func(t *testing.T) {
		f := newFixture(t, dls.WithAutoCreateUsers(true))
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, "user:newcomer"),
		})
		require.NoError(t, err)
		assert.True(t, f.check(t, "user:newcomer", "read").Allowed)
	})

	t.Run("superuser requester is editable", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.svc.AddGroupMembers(f.ctx, dls.SuperuserGroupName, []string{f.bob.Name}))
		res, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.bob.Name, Diff: addDiff(dls.PermACLEdit, f.alice.Name),
		})
		require.NoError(t, err)
		assert.True(t, res.Editable)
	})

	t.Run("clear all", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, ClearAll: true,
			Diff: addDiff(dls.PermACLAdm, f.alice.Name),
		})
		require.NoError(t, err)
		assert.Equal(t, map[string][]string{dls.PermACLAdm: {f.alice.Name}}, res.Grants.Active())
	})
}

func TestServiceModifyRetry(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		f := newFixture(t, dls.WithRetry(3, 1))
		f.store.FailTx(dls.ErrTransient, fmt.Errorf("serialization: %w", dls.ErrTransient))
		res, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.alice.Name),
		})
		require.NoError(t, err)
		assert.Len(t, res.Upserts, 1)
	})

	t.Run("attempts run out", func(t *testing.T) {
		f := newFixture(t, dls.WithRetry(2, 1))
		f.store.FailTx(dls.ErrTransient, dls.ErrTransient, dls.ErrTransient)
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.alice.Name),
		})
		assert.True(t, dls.IsTransientErr(err))
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		f := newFixture(t, dls.WithRetry(3, 1))
		boom := errors.New("boom")
		f.store.FailTx(boom)
		_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
			Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.alice.Name),
		})
		assert.ErrorIs(t, err, boom)
	})
}

type recordingSink struct {
	mu   sync.Mutex
	logs []dls.LogEntry
	err  error
}

func (r *recordingSink) Publish(_ context.Context, _ dls.Node, logs []dls.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, logs...)
	return r.err
}

func TestServiceAuditAndMetrics(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	metrics := dls.NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics))
	core, recorded := observer.New(zap.WarnLevel)

	f := newFixture(t, dls.WithAuditSink(sink), dls.WithMetrics(metrics), dls.WithLogger(zap.New(core)))
	_, err := f.svc.ModifyPermissions(f.ctx, dls.ModifyRequest{
		Node: f.node.Identifier, Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.alice.Name),
	})
	require.NoError(t, err, "audit failures must not fail the modification")

	// AddNode and the modification each published one entry.
	assert.Len(t, sink.logs, 2)
	assert.Equal(t, 2, recorded.FilterMessage("audit publish failed").Len())

	f.check(t, f.alice.Name, "read")
	assert.Equal(t, 2.0, counterTotal(t, reg, "dls_modify_total"))
	assert.Equal(t, 1.0, counterTotal(t, reg, "dls_checks_total"))
	assert.Equal(t, 2.0, counterTotal(t, reg, "dls_grant_log_entries_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics, "dls_checks_total"))
}

// counterTotal sums every series of a counter family gathered from reg.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestServiceSubjectGroups(t *testing.T) {
	cache := dls.NewMemoryGroupCache()
	f := newFixture(t, dls.WithGroupCache(cache))
	outer := f.store.AddSubject(dls.Subject{Name: "group:outer", Kind: dls.SubjectGroup})
	require.NoError(t, f.svc.AddGroupMembers(f.ctx, f.team.Name, []string{f.alice.Name}))
	require.NoError(t, f.svc.AddGroupMembers(f.ctx, outer.Name, []string{f.team.Name}))
	require.NoError(t, f.svc.AddGroupMembers(f.ctx, dls.ActiveUsersGroupName, []string{f.alice.Name}))

	groups, err := f.svc.SubjectGroups(f.ctx, f.alice.Name, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:outer", "group:team"}, names(groups))

	groups, err = f.svc.SubjectGroups(f.ctx, f.alice.Name, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:outer", "group:team", dls.ActiveUsersGroupName}, names(groups))

	// Removing team from outer must invalidate alice's cached closure.
	require.NoError(t, f.svc.RemoveGroupMembers(f.ctx, outer.Name, []string{f.team.Name}))
	groups, err = f.svc.SubjectGroups(f.ctx, f.alice.Name, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"group:team"}, names(groups))

	err = f.svc.AddGroupMembers(f.ctx, f.alice.Name, []string{f.bob.Name})
	assert.True(t, dls.IsNotConsistentErr(err))
}

func names(subjects []dls.Subject) []string {
	out := make([]string, len(subjects))
	for i, s := range subjects {
		out[i] = s.Name
	}
	return out
}

func TestFacades(t *testing.T) {
	f := newFixture(t)
	pub := f.svc.Public()
	priv := f.svc.Private()

	res, err := priv.AddNode(f.ctx, dls.AddNodeRequest{Identifier: "doc-facade", Scope: "user", Requester: f.owner.Name})
	require.NoError(t, err)
	assert.Equal(t, "doc-facade", res.Node.Identifier)

	require.NoError(t, priv.AddGroupMembers(f.ctx, f.team.Name, []string{f.bob.Name}))
	_, err = pub.ModifyPermissions(f.ctx, dls.ModifyRequest{
		Node: "doc-facade", Requester: f.owner.Name, Diff: addDiff(dls.PermACLView, f.team.Name),
	})
	require.NoError(t, err)

	check, err := pub.Check(f.ctx, dls.CheckRequest{Subject: f.bob.Name, Node: "doc-facade", Action: "read"})
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	multi, err := priv.CheckMulti(f.ctx, f.bob.Name, "read", []string{"doc-facade", "missing"})
	require.NoError(t, err)
	assert.Equal(t, "ok", multi["doc-facade"].Status)
	assert.Equal(t, "not found", multi["missing"].Status)

	grants, err := pub.GetNodePermissions(f.ctx, "doc-facade")
	require.NoError(t, err)
	assert.Len(t, grants[dls.PermACLView], 1)

	require.NoError(t, priv.RemoveGroupMembers(f.ctx, f.team.Name, []string{f.bob.Name}))
	groups, err := pub.SubjectGroups(f.ctx, f.bob.Name, false)
	require.NoError(t, err)
	assert.Empty(t, groups)
}
