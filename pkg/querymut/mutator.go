package querymut

import (
	"errors"
	"fmt"
	"strings"

	"github.com/juju/collections/set"

	"github.com/pthm/dls/pkg/formula"
)

// ErrLODDimension is returned when a top-level extended aggregation is
// computed over a dimension the query does not group by.
var ErrLODDimension = errors.New("invalid top-level LOD dimension found in expression")

// ValidationError collects the invalid sub-trees the mutations left in a
// query.
type ValidationError struct {
	Errors []*formula.ErrorNode
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, n := range e.Errors {
		msgs[i] = fmt.Sprintf("%s: %s", n.Code, n.Message)
	}
	return "formula validation failed: " + strings.Join(msgs, "; ")
}

// QueryMutator rewrites a whole compiled query.
type QueryMutator interface {
	MutateQuery(q *CompiledQuery) (*CompiledQuery, error)
}

// FormulaListMutator rewrites a single formula list. It returns list itself
// when nothing changed.
type FormulaListMutator interface {
	MutateFormulaList(list []*CompiledFormula, part QueryPart) []*CompiledFormula
}

// AtomicFormulaListMutator applies a FormulaListMutator to every list of a
// query and only builds a new query when some list changed.
type AtomicFormulaListMutator struct {
	Mutator FormulaListMutator
}

// Atomic wraps m as a QueryMutator.
func Atomic(m FormulaListMutator) AtomicFormulaListMutator {
	return AtomicFormulaListMutator{Mutator: m}
}

func (a AtomicFormulaListMutator) MutateQuery(q *CompiledQuery) (*CompiledQuery, error) {
	var opts []CloneOption
	for _, part := range Parts {
		old := q.Part(part)
		if next := a.Mutator.MutateFormulaList(old, part); !sameList(next, old) {
			opts = append(opts, WithPart(part, next))
		}
	}
	if len(opts) == 0 {
		return q, nil
	}
	return q.Clone(opts...), nil
}

// FormulaMutatorFunc adapts a per-formula rewrite into a FormulaListMutator.
// The rewrite returns its argument when it changes nothing.
type FormulaMutatorFunc func(f *CompiledFormula) *CompiledFormula

func (fn FormulaMutatorFunc) MutateFormulaList(list []*CompiledFormula, _ QueryPart) []*CompiledFormula {
	var out []*CompiledFormula
	for i, f := range list {
		next := fn(f)
		if next != f && out == nil {
			out = make([]*CompiledFormula, len(list))
			copy(out, list[:i])
		}
		if out != nil {
			out[i] = next
		}
	}
	if out == nil {
		return list
	}
	return out
}

// DefaultAtomicMutator applies formula mutations to every formula.
func DefaultAtomicMutator(mutations ...formula.Mutation) AtomicFormulaListMutator {
	return Atomic(FormulaMutatorFunc(func(f *CompiledFormula) *CompiledFormula {
		fm := formula.ApplyFormula(f.Formula, mutations...)
		if fm == f.Formula {
			return f
		}
		return f.WithFormula(fm)
	}))
}

// FormulaCheck reports whether a formula in part should be acted on.
type FormulaCheck func(f *formula.Formula, part QueryPart) bool

func anyCheck(checks []FormulaCheck, f *formula.Formula, part QueryPart) bool {
	for _, c := range checks {
		if c(f, part) {
			return true
		}
	}
	return false
}

// IgnoreFormulaMutator drops formulas matching any check.
type IgnoreFormulaMutator struct {
	Checks []FormulaCheck
}

func (m IgnoreFormulaMutator) MutateFormulaList(list []*CompiledFormula, part QueryPart) []*CompiledFormula {
	out := make([]*CompiledFormula, 0, len(list))
	for _, f := range list {
		if !anyCheck(m.Checks, f.Formula, part) {
			out = append(out, f)
		}
	}
	if len(out) == len(list) {
		return list
	}
	return out
}

// FormulaIsTrue matches filters that are the literal TRUE.
func FormulaIsTrue(f *formula.Formula, part QueryPart) bool {
	b, ok := f.Expr.(*formula.Bool)
	return part == PartFilters && ok && b.Value
}

// NullifyFormulaMutator replaces formulas matching any check with NULL.
type NullifyFormulaMutator struct {
	Checks []FormulaCheck
}

func (m NullifyFormulaMutator) MutateFormulaList(list []*CompiledFormula, part QueryPart) []*CompiledFormula {
	return FormulaMutatorFunc(func(f *CompiledFormula) *CompiledFormula {
		if !anyCheck(m.Checks, f.Formula, part) {
			return f
		}
		return f.WithFormula(formula.Nullify(f.Formula))
	}).MutateFormulaList(list, part)
}

// RemoveConstFromGroupBy drops constant group-by expressions. It is only
// applied when Enabled, as not every SQL dialect accepts an empty GROUP BY
// in place of a constant one.
type RemoveConstFromGroupBy struct {
	Enabled bool
}

func (m RemoveConstFromGroupBy) MutateFormulaList(list []*CompiledFormula, part QueryPart) []*CompiledFormula {
	if !m.Enabled || part != PartGroupBy {
		return list
	}
	return IgnoreFormulaMutator{Checks: []FormulaCheck{
		func(f *formula.Formula, _ QueryPart) bool { return formula.IsBoundOnlyTo(f.Expr, nil) },
	}}.MutateFormulaList(list, part)
}

// OptimizingMutator folds constants, drops always-true filters and, for
// totals queries, nullifies formulas that cannot be computed at the
// totals level.
type OptimizingMutator struct {
	DisableOptimizations bool
	RemoveConstGroupBy   bool
}

func (m OptimizingMutator) MutateQuery(q *CompiledQuery) (*CompiledQuery, error) {
	steps := []QueryMutator{}
	if !m.DisableOptimizations {
		steps = append(steps, DefaultAtomicMutator(formula.DefaultOptimizations()...))
	}
	steps = append(steps,
		Atomic(RemoveConstFromGroupBy{Enabled: m.RemoveConstGroupBy}),
		Atomic(IgnoreFormulaMutator{Checks: []FormulaCheck{FormulaIsTrue}}),
	)
	for _, s := range steps {
		var err error
		if q, err = s.MutateQuery(q); err != nil {
			return nil, err
		}
	}

	if q.Meta.QueryType != QueryTypeTotals {
		return q, nil
	}

	dims := q.Dimensions()
	extAgg := func(f *formula.Formula, _ QueryPart) bool { return formula.ContainsExtendedAggregations(f, true) }
	incAgg := func(f *formula.Formula, _ QueryPart) bool { return formula.HasInconsistentAggregation(f.Expr, dims) }
	window := func(f *formula.Formula, _ QueryPart) bool { return formula.ContainsWindowFunction(f) }
	lookup := func(f *formula.Formula, _ QueryPart) bool { return formula.ContainsLookup(f) }

	if !q.anyFormula(func(f *formula.Formula) bool {
		return extAgg(f, "") || incAgg(f, "") || window(f, "")
	}) {
		return q, nil
	}
	return Atomic(NullifyFormulaMutator{Checks: []FormulaCheck{lookup, extAgg, incAgg, window}}).MutateQuery(q)
}

// ExtendedAggregationMutator forks lookups, extended aggregations and
// window functions into sub-queries and validates top-level LOD
// dimensions.
type ExtendedAggregationMutator struct {
	AllowArbitraryTopLevelLOD    bool
	AllowEmptyDimensionsForForks bool
	// NewSubqueryMode leaves before-filter-by normalization, tagging and
	// group-by management to the sub-query planner.
	NewSubqueryMode bool
}

func (m ExtendedAggregationMutator) MutateQuery(q *CompiledQuery) (*CompiledQuery, error) {
	global := q.Dimensions()

	filterIDs := set.NewStrings()
	for _, f := range q.Filters {
		if f.OriginalFieldID != "" {
			filterIDs.Add(f.OriginalFieldID)
		}
	}

	hasExtAggs := q.anyFormula(func(f *formula.Formula) bool { return formula.ContainsExtendedAggregations(f, true) })
	hasLookups := q.anyFormula(func(f *formula.Formula) bool { return formula.ContainsLookup(f) })
	hasWindows := m.NewSubqueryMode && q.anyFormula(func(f *formula.Formula) bool { return formula.ContainsWindowFunction(f) })

	var steps []QueryMutator
	if q.Meta.QueryType != QueryTypeTotals || m.NewSubqueryMode {
		if hasLookups {
			steps = append(steps, DefaultAtomicMutator(formula.LookupFork{
				GlobalDimensions:     global,
				AllowEmptyDimensions: m.AllowEmptyDimensionsForForks,
			}))
		}
		if hasExtAggs || hasWindows {
			steps = append(steps, DefaultAtomicMutator(formula.ExtAggFork{
				GlobalDimensions: global,
				WrapAll:          hasWindows,
			}))
		}
		if hasWindows {
			steps = append(steps, DefaultAtomicMutator(formula.WindowFork{GlobalDimensions: global}))
		}
	}
	if !m.NewSubqueryMode {
		steps = append(steps,
			DefaultAtomicMutator(formula.NormalizeBFB{Available: filterIDs}),
			DefaultAtomicMutator(formula.FunctionLevelTag{}),
		)
	}
	for _, s := range steps {
		var err error
		if q, err = s.MutateQuery(q); err != nil {
			return nil, err
		}
	}

	if hasExtAggs && !m.AllowArbitraryTopLevelLOD {
		var top []formula.Node
		for _, f := range q.AllFormulas() {
			top = append(top, formula.TopLevelDimensions(f.Formula)...)
		}
		if !formula.IsSubset(top, global) {
			return nil, ErrLODDimension
		}
	}

	if hasExtAggs && !m.NewSubqueryMode {
		q = q.Clone(WithGroupBy(nil))
	}
	return q, nil
}
