// Package querymut rewrites compiled queries before SQL generation.
//
// A compiled query holds five formula lists. Mutators either transform
// each list independently (AtomicFormulaListMutator) or inspect the whole
// query (QueryMutator); Pipeline runs them in a fixed order and turns any
// invalid sub-tree left behind into a ValidationError.
package querymut

import (
	"github.com/pthm/dls/pkg/formula"
)

// QueryType distinguishes regular queries from totals queries.
type QueryType string

const (
	QueryTypeValue  QueryType = "value"
	QueryTypeTotals QueryType = "totals"
)

// QueryPart names one of the formula lists of a compiled query.
type QueryPart string

const (
	PartSelect  QueryPart = "select"
	PartGroupBy QueryPart = "group_by"
	PartFilters QueryPart = "filters"
	PartOrderBy QueryPart = "order_by"
	PartJoinOn  QueryPart = "join_on"
)

// Parts lists the formula lists in the order mutators visit them.
var Parts = []QueryPart{PartSelect, PartGroupBy, PartFilters, PartOrderBy, PartJoinOn}

// CompiledFormula is one compiled formula of a query. OriginalFieldID is
// empty for anonymous formulas such as row-level security filters.
type CompiledFormula struct {
	ID              string
	Alias           string
	Formula         *formula.Formula
	OriginalFieldID string
}

// WithFormula returns a copy of f carrying fm.
func (f *CompiledFormula) WithFormula(fm *formula.Formula) *CompiledFormula {
	out := *f
	out.Formula = fm
	return &out
}

// QueryMeta carries query-level attributes.
type QueryMeta struct {
	QueryType QueryType
}

// CompiledQuery is the input and output of the pipeline. Values are
// treated as immutable and share unchanged lists with their clones.
type CompiledQuery struct {
	Select  []*CompiledFormula
	GroupBy []*CompiledFormula
	Filters []*CompiledFormula
	OrderBy []*CompiledFormula
	JoinOn  []*CompiledFormula
	Meta    QueryMeta
}

// CloneOption overrides a field of a cloned query.
type CloneOption func(*CompiledQuery)

// WithPart overrides the formula list of part.
func WithPart(part QueryPart, list []*CompiledFormula) CloneOption {
	return func(q *CompiledQuery) { *q.list(part) = list }
}

// WithGroupBy overrides the group-by list.
func WithGroupBy(list []*CompiledFormula) CloneOption {
	return WithPart(PartGroupBy, list)
}

// WithMeta overrides the query metadata.
func WithMeta(meta QueryMeta) CloneOption {
	return func(q *CompiledQuery) { q.Meta = meta }
}

// Clone returns a shallow copy of q with opts applied.
func (q *CompiledQuery) Clone(opts ...CloneOption) *CompiledQuery {
	out := *q
	for _, opt := range opts {
		opt(&out)
	}
	return &out
}

func (q *CompiledQuery) list(part QueryPart) *[]*CompiledFormula {
	switch part {
	case PartSelect:
		return &q.Select
	case PartGroupBy:
		return &q.GroupBy
	case PartFilters:
		return &q.Filters
	case PartOrderBy:
		return &q.OrderBy
	case PartJoinOn:
		return &q.JoinOn
	}
	panic("querymut: unknown query part " + string(part))
}

// Part returns the formula list of part.
func (q *CompiledQuery) Part(part QueryPart) []*CompiledFormula {
	return *q.list(part)
}

// AllFormulas returns the formulas of every list, in Parts order.
func (q *CompiledQuery) AllFormulas() []*CompiledFormula {
	var out []*CompiledFormula
	for _, p := range Parts {
		out = append(out, q.Part(p)...)
	}
	return out
}

// Dimensions returns the group-by expressions.
func (q *CompiledQuery) Dimensions() []formula.Node {
	out := make([]formula.Node, len(q.GroupBy))
	for i, f := range q.GroupBy {
		out[i] = f.Formula.Expr
	}
	return out
}

func (q *CompiledQuery) anyFormula(pred func(*formula.Formula) bool) bool {
	for _, f := range q.AllFormulas() {
		if pred(f.Formula) {
			return true
		}
	}
	return false
}

// sameList reports whether a and b are the same slice value.
func sameList(a, b []*CompiledFormula) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
