package sqldsl

import (
	"fmt"
	"strings"
)

// Sqlf formats SQL, removing the common indentation and blank lines so the
// statement shape stays visible in the format string.
func Sqlf(format string, args ...any) string {
	lines := strings.Split(fmt.Sprintf(format, args...), "\n")

	minIndent := -1
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		if indent := len(line) - len(trimmed); minIndent < 0 || indent < minIndent {
			minIndent = indent
		}
	}

	var out []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) >= minIndent {
			out = append(out, line[minIndent:])
		} else {
			out = append(out, strings.TrimLeft(line, " \t"))
		}
	}
	return strings.Join(out, "\n")
}

// Optf formats only when cond holds.
func Optf(cond bool, format string, args ...any) string {
	if !cond {
		return ""
	}
	return fmt.Sprintf(format, args...)
}

// IndentLines prefixes every non-empty line of s with indent.
func IndentLines(s, indent string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = indent + l
		}
	}
	return strings.Join(lines, "\n")
}

// Table is a table reference with an optional alias.
type Table struct {
	Name  string
	Alias string
}

// TableAs returns a table reference with an alias.
func TableAs(name, alias string) Table { return Table{Name: name, Alias: alias} }

func (t Table) SQL() string {
	if t.Alias == "" {
		return t.Name
	}
	return t.Name + " " + t.Alias
}

// Col returns a column of the table, qualified by its alias.
func (t Table) Col(name string) Col {
	if t.Alias != "" {
		return Col{Table: t.Alias, Column: name}
	}
	return Col{Table: t.Name, Column: name}
}

// Join is an INNER or LEFT join.
type Join struct {
	Type  string
	Table Table
	On    Expr
}

func (j Join) SQL() string {
	typ := j.Type
	if typ == "" {
		typ = "INNER"
	}
	return typ + " JOIN " + j.Table.SQL() + " ON " + j.On.SQL()
}

// SelectStmt is a SELECT query.
type SelectStmt struct {
	Columns   []Expr
	From      Table
	Joins     []Join
	Where     Expr
	OrderBy   []Expr
	Limit     int
	ForUpdate string
}

func (s SelectStmt) SQL() string {
	clauses := []string{
		"SELECT " + s.columnsSQL(),
		Optf(s.From.Name != "", "FROM %s", s.From.SQL()),
		s.joinsSQL(),
		Optf(s.Where != nil, "WHERE %s", exprSQL(s.Where)),
		Optf(len(s.OrderBy) > 0, "ORDER BY %s", joinExprs(s.OrderBy, ", ")),
		Optf(s.Limit > 0, "LIMIT %d", s.Limit),
		Optf(s.ForUpdate != "", "FOR UPDATE OF %s", s.ForUpdate),
	}
	out := clauses[:0]
	for _, c := range clauses {
		if c != "" {
			out = append(out, c)
		}
	}
	return strings.Join(out, "\n")
}

// inline renders the statement on one line for use inside expressions.
func (s SelectStmt) inline() string {
	return strings.Join(strings.Split(s.SQL(), "\n"), " ")
}

func (s SelectStmt) columnsSQL() string {
	if len(s.Columns) == 0 {
		return "1"
	}
	return joinExprs(s.Columns, ", ")
}

func (s SelectStmt) joinsSQL() string {
	parts := make([]string, len(s.Joins))
	for i, j := range s.Joins {
		parts[i] = j.SQL()
	}
	return strings.Join(parts, "\n")
}

func exprSQL(e Expr) string {
	if e == nil {
		return ""
	}
	return e.SQL()
}

// Union combines queries with UNION, or UNION ALL when All is set.
type Union struct {
	All     bool
	Queries []SelectStmt
}

func (u Union) SQL() string {
	sep := "\nUNION\n"
	if u.All {
		sep = "\nUNION ALL\n"
	}
	parts := make([]string, len(u.Queries))
	for i, q := range u.Queries {
		parts[i] = q.SQL()
	}
	return strings.Join(parts, sep)
}
