package sqldsl

// Eq renders left = right.
type Eq struct {
	Left  Expr
	Right Expr
}

func (e Eq) SQL() string { return e.Left.SQL() + " = " + e.Right.SQL() }

// Ne renders left <> right.
type Ne struct {
	Left  Expr
	Right Expr
}

func (n Ne) SQL() string { return n.Left.SQL() + " <> " + n.Right.SQL() }

// Lt renders left < right.
type Lt struct {
	Left  Expr
	Right Expr
}

func (l Lt) SQL() string { return l.Left.SQL() + " < " + l.Right.SQL() }

// Add renders left + right.
type Add struct {
	Left  Expr
	Right Expr
}

func (a Add) SQL() string { return a.Left.SQL() + " + " + a.Right.SQL() }

// AnyOf renders expr = ANY(array), the array form pq.Array parameters use.
type AnyOf struct {
	Expr  Expr
	Array Expr
}

func (a AnyOf) SQL() string { return a.Expr.SQL() + " = ANY(" + a.Array.SQL() + ")" }

// InSelect renders expr IN (subquery).
type InSelect struct {
	Expr  Expr
	Query SelectStmt
}

func (i InSelect) SQL() string { return i.Expr.SQL() + " IN (" + i.Query.inline() + ")" }

func filterNil(exprs []Expr) []Expr {
	out := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// AndExpr joins conditions with AND. Nil conditions are skipped.
type AndExpr struct {
	Exprs []Expr
}

func (a AndExpr) SQL() string {
	exprs := filterNil(a.Exprs)
	switch len(exprs) {
	case 0:
		return "TRUE"
	case 1:
		return exprs[0].SQL()
	}
	return joinExprs(exprs, " AND ")
}

// And returns the conjunction of exprs.
func And(exprs ...Expr) AndExpr { return AndExpr{Exprs: exprs} }

// OrExpr joins conditions with OR, parenthesized. Nil conditions are
// skipped.
type OrExpr struct {
	Exprs []Expr
}

func (o OrExpr) SQL() string {
	exprs := filterNil(o.Exprs)
	switch len(exprs) {
	case 0:
		return "FALSE"
	case 1:
		return exprs[0].SQL()
	}
	return "(" + joinExprs(exprs, " OR ") + ")"
}

// Or returns the disjunction of exprs.
func Or(exprs ...Expr) OrExpr { return OrExpr{Exprs: exprs} }
