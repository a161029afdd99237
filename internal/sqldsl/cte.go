package sqldsl

import "strings"

// CTEDef is one named query of a WITH clause.
type CTEDef struct {
	Name    string
	Columns []string
	Query   Expr
}

func (c CTEDef) SQL() string {
	var sb strings.Builder
	sb.WriteString(c.Name)
	if len(c.Columns) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(c.Columns, ", "))
		sb.WriteString(")")
	}
	sb.WriteString(" AS (\n")
	sb.WriteString(IndentLines(c.Query.SQL(), "    "))
	sb.WriteString("\n)")
	return sb.String()
}

// WithCTE wraps a final query in a WITH clause.
type WithCTE struct {
	Recursive bool
	CTEs      []CTEDef
	Query     Expr
}

func (w WithCTE) SQL() string {
	if len(w.CTEs) == 0 {
		return w.Query.SQL()
	}
	var sb strings.Builder
	sb.WriteString("WITH ")
	if w.Recursive {
		sb.WriteString("RECURSIVE ")
	}
	parts := make([]string, len(w.CTEs))
	for i, c := range w.CTEs {
		parts[i] = c.SQL()
	}
	sb.WriteString(strings.Join(parts, ",\n"))
	sb.WriteString("\n")
	sb.WriteString(w.Query.SQL())
	return sb.String()
}

// RecursiveCTE returns a WITH RECURSIVE clause holding a single CTE.
func RecursiveCTE(name string, columns []string, cte, final Expr) WithCTE {
	return WithCTE{
		Recursive: true,
		CTEs:      []CTEDef{{Name: name, Columns: columns, Query: cte}},
		Query:     final,
	}
}
