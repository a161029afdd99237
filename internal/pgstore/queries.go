package pgstore

import (
	"github.com/pthm/dls/internal/sqldsl"
)

var (
	tSubject  = sqldsl.TableAs("dls_subject", "s")
	tMembers  = sqldsl.TableAs("dls_group_members_m2m", "m")
	tGrant    = sqldsl.TableAs("dls_grant", "g")
	tConfig   = sqldsl.TableAs("dls_node_config", "c")
	tNode     = sqldsl.TableAs("dls_nodes", "n")
	tClosure  = sqldsl.TableAs("closure", "cl")
	closureID = sqldsl.Col{Column: "group_id"}
)

func eq(l, r sqldsl.Expr) sqldsl.Eq { return sqldsl.Eq{Left: l, Right: r} }

var subjectCols = sqldsl.List(sqldsl.Cols("s", "id", "name", "kind", "active", "realm", "source", "search_weight", "meta"))

// subjectColumns is the column list scanSubject expects.
var subjectColumns = subjectCols.SQL()

var getGrantsSQL = sqldsl.SelectStmt{
	Columns: append(sqldsl.Cols("g", "id", "guid", "node_config_id", "subject_id"),
		tSubject.Col("name"),
		tGrant.Col("perm_kind"), tGrant.Col("active"), tGrant.Col("state"),
		tGrant.Col("meta"), tGrant.Col("realm")),
	From:    tGrant,
	Joins:   []sqldsl.Join{{Table: tSubject, On: eq(tSubject.Col("id"), tGrant.Col("subject_id"))}},
	Where:   eq(tGrant.Col("node_config_id"), sqldsl.Param(1)),
	OrderBy: []sqldsl.Expr{tGrant.Col("id")},
}.SQL()

func getNodeSQL(forUpdate bool) string {
	stmt := sqldsl.SelectStmt{
		Columns: []sqldsl.Expr{
			sqldsl.Coalesce(tNode.Col("id"), sqldsl.Int(0)),
			tConfig.Col("node_identifier"), tConfig.Col("scope"), tConfig.Col("realm"),
			tConfig.Col("meta"), tConfig.Col("id"),
		},
		From:  tConfig,
		Joins: []sqldsl.Join{{Type: "LEFT", Table: tNode, On: eq(tNode.Col("id"), tConfig.Col("node_id"))}},
		Where: eq(tConfig.Col("node_identifier"), sqldsl.Param(1)),
	}
	if forUpdate {
		stmt.ForUpdate = tConfig.Alias
	}
	return stmt.SQL()
}

var (
	subjectsByNameSQL = sqldsl.SelectStmt{
		Columns: subjectCols,
		From:    tSubject,
		Where:   sqldsl.AnyOf{Expr: tSubject.Col("name"), Array: sqldsl.Param(1)},
	}.SQL()

	subjectsByIDSQL = sqldsl.SelectStmt{
		Columns: subjectCols,
		From:    tSubject,
		Where:   sqldsl.AnyOf{Expr: tSubject.Col("id"), Array: sqldsl.Param(1)},
	}.SQL()

	membersSQL = sqldsl.SelectStmt{
		Columns: subjectCols,
		From:    tMembers,
		Joins:   []sqldsl.Join{{Table: tSubject, On: eq(tSubject.Col("id"), tMembers.Col("member_id"))}},
		Where:   eq(tMembers.Col("group_id"), sqldsl.Param(1)),
		OrderBy: []sqldsl.Expr{tSubject.Col("name")},
	}.SQL()

	removeMembersSQL = sqldsl.Sqlf(`
		DELETE FROM %s
		WHERE %s`,
		tMembers.Name,
		sqldsl.And(
			eq(sqldsl.Col{Column: "group_id"}, sqldsl.Param(1)),
			sqldsl.AnyOf{Expr: sqldsl.Col{Column: "member_id"}, Array: sqldsl.Param(2)},
		).SQL())
)

// effectiveGroupsSQL walks membership edges upwards from $1. UNION keeps
// one row per (group, depth); the depth bound $2 terminates cycles.
var effectiveGroupsSQL = sqldsl.RecursiveCTE("closure", []string{"group_id", "depth"},
	sqldsl.Union{Queries: []sqldsl.SelectStmt{
		{
			Columns: []sqldsl.Expr{tMembers.Col("group_id"), sqldsl.Int(1)},
			From:    tMembers,
			Where:   eq(tMembers.Col("member_id"), sqldsl.Param(1)),
		},
		{
			Columns: []sqldsl.Expr{
				tMembers.Col("group_id"),
				sqldsl.Add{Left: tClosure.Col("depth"), Right: sqldsl.Int(1)},
			},
			From:  tMembers,
			Joins: []sqldsl.Join{{Table: tClosure, On: eq(tMembers.Col("member_id"), tClosure.Col("group_id"))}},
			Where: sqldsl.Lt{Left: tClosure.Col("depth"), Right: sqldsl.Param(2)},
		},
	}},
	sqldsl.SelectStmt{
		Columns: subjectCols,
		From:    tSubject,
		Where: sqldsl.And(
			sqldsl.InSelect{
				Expr:  tSubject.Col("id"),
				Query: sqldsl.SelectStmt{Columns: []sqldsl.Expr{closureID}, From: sqldsl.Table{Name: "closure"}},
			},
			sqldsl.Ne{Left: tSubject.Col("id"), Right: sqldsl.Param(1)},
		),
		OrderBy: []sqldsl.Expr{tSubject.Col("name")},
	},
).SQL()
