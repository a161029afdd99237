// Package sqldsl builds the SQL statements of the Postgres store from typed
// expressions instead of string concatenation. It covers the subset of
// PostgreSQL the store needs: selects with joins, recursive CTEs over the
// membership table and positional parameters.
package sqldsl

import (
	"strconv"
	"strings"
)

// Expr is implemented by every SQL expression.
type Expr interface {
	SQL() string
}

// Param is a positional query parameter ($1, $2, ...).
type Param int

func (p Param) SQL() string { return "$" + strconv.Itoa(int(p)) }

// Col is a column reference, optionally qualified by a table alias.
type Col struct {
	Table  string
	Column string
}

func (c Col) SQL() string {
	if c.Table == "" {
		return c.Column
	}
	return c.Table + "." + c.Column
}

// Cols returns qualified column references for names.
func Cols(table string, names ...string) []Expr {
	out := make([]Expr, len(names))
	for i, n := range names {
		out[i] = Col{Table: table, Column: n}
	}
	return out
}

// Lit is a text literal.
type Lit string

func (l Lit) SQL() string {
	return "'" + strings.ReplaceAll(string(l), "'", "''") + "'"
}

// Int is an integer literal.
type Int int

func (i Int) SQL() string { return strconv.Itoa(int(i)) }

// Bool is a boolean literal.
type Bool bool

func (b Bool) SQL() string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Raw is rendered as-is.
type Raw string

func (r Raw) SQL() string { return string(r) }

// Func is a function call.
type Func struct {
	Name string
	Args []Expr
}

func (f Func) SQL() string {
	return f.Name + "(" + joinExprs(f.Args, ", ") + ")"
}

// Coalesce returns COALESCE(exprs...).
func Coalesce(exprs ...Expr) Func {
	return Func{Name: "COALESCE", Args: exprs}
}

// Alias renders expr AS name.
type Alias struct {
	Expr Expr
	Name string
}

func (a Alias) SQL() string { return a.Expr.SQL() + " AS " + a.Name }

// Cast renders expr::type.
type Cast struct {
	Expr Expr
	Type string
}

func (c Cast) SQL() string { return c.Expr.SQL() + "::" + c.Type }

// List renders expressions separated by commas, as in a RETURNING clause.
type List []Expr

func (l List) SQL() string { return joinExprs(l, ", ") }

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.SQL()
	}
	return strings.Join(parts, sep)
}
