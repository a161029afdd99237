package sqldsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpressions(t *testing.T) {
	s := TableAs("dls_subject", "s")
	tests := []struct {
		name string
		expr Expr
		want string
	}{
		{"param", Param(2), "$2"},
		{"column", s.Col("name"), "s.name"},
		{"unqualified column", Col{Column: "group_id"}, "group_id"},
		{"literal is escaped", Lit("o'brien"), "'o''brien'"},
		{"coalesce", Coalesce(Col{Table: "n", Column: "id"}, Int(0)), "COALESCE(n.id, 0)"},
		{"cast", Cast{Expr: Param(1), Type: "bigint[]"}, "$1::bigint[]"},
		{"alias", Alias{Expr: Bool(true), Name: "ok"}, "TRUE AS ok"},
		{"any", AnyOf{Expr: s.Col("id"), Array: Param(1)}, "s.id = ANY($1)"},
		{"and skips nil", And(Eq{Left: Int(1), Right: Int(1)}, nil), "1 = 1"},
		{"empty and", And(), "TRUE"},
		{"or", Or(Eq{Left: Param(1), Right: Int(1)}, Ne{Left: Param(1), Right: Int(2)}), "($1 = 1 OR $1 <> 2)"},
		{"empty or", Or(), "FALSE"},
		{"list", List(Cols("s", "id", "name")), "s.id, s.name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.expr.SQL())
		})
	}
}

func TestSelectStmt(t *testing.T) {
	c, n := TableAs("dls_node_config", "c"), TableAs("dls_nodes", "n")
	stmt := SelectStmt{
		Columns:   []Expr{c.Col("id")},
		From:      c,
		Joins:     []Join{{Type: "LEFT", Table: n, On: Eq{Left: n.Col("id"), Right: c.Col("node_id")}}},
		Where:     Eq{Left: c.Col("node_identifier"), Right: Param(1)},
		OrderBy:   []Expr{c.Col("id")},
		Limit:     1,
		ForUpdate: "c",
	}
	want := "SELECT c.id\n" +
		"FROM dls_node_config c\n" +
		"LEFT JOIN dls_nodes n ON n.id = c.node_id\n" +
		"WHERE c.node_identifier = $1\n" +
		"ORDER BY c.id\n" +
		"LIMIT 1\n" +
		"FOR UPDATE OF c"
	assert.Equal(t, want, stmt.SQL())

	assert.Equal(t, "SELECT 1", SelectStmt{}.SQL())
}

func TestRecursiveCTE(t *testing.T) {
	m, cl := TableAs("dls_group_members_m2m", "m"), TableAs("closure", "cl")
	q := RecursiveCTE("closure", []string{"group_id", "depth"},
		Union{Queries: []SelectStmt{
			{Columns: []Expr{m.Col("group_id"), Int(1)}, From: m, Where: Eq{Left: m.Col("member_id"), Right: Param(1)}},
			{
				Columns: []Expr{m.Col("group_id"), Add{Left: cl.Col("depth"), Right: Int(1)}},
				From:    m,
				Joins:   []Join{{Table: cl, On: Eq{Left: m.Col("member_id"), Right: cl.Col("group_id")}}},
			},
		}},
		SelectStmt{Columns: []Expr{Col{Column: "group_id"}}, From: Table{Name: "closure"}},
	)
	want := "WITH RECURSIVE closure (group_id, depth) AS (\n" +
		"    SELECT m.group_id, 1\n" +
		"    FROM dls_group_members_m2m m\n" +
		"    WHERE m.member_id = $1\n" +
		"    UNION\n" +
		"    SELECT m.group_id, cl.depth + 1\n" +
		"    FROM dls_group_members_m2m m\n" +
		"    INNER JOIN closure cl ON m.member_id = cl.group_id\n" +
		")\n" +
		"SELECT group_id\n" +
		"FROM closure"
	assert.Equal(t, want, q.SQL())

	assert.Equal(t, "SELECT 1", WithCTE{Query: SelectStmt{}}.SQL())
}

func TestInSelectIsInlined(t *testing.T) {
	in := InSelect{
		Expr:  Col{Table: "s", Column: "id"},
		Query: SelectStmt{Columns: []Expr{Col{Column: "group_id"}}, From: Table{Name: "closure"}},
	}
	assert.Equal(t, "s.id IN (SELECT group_id FROM closure)", in.SQL())
}

func TestSqlf(t *testing.T) {
	got := Sqlf(`
		DELETE FROM %s

		WHERE %s`, "t", "x = 1")
	assert.Equal(t, "DELETE FROM t\nWHERE x = 1", got)
	assert.Empty(t, Optf(false, "LIMIT %d", 1))
}
