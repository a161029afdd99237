package formula

import (
	"reflect"
	"slices"
	"strings"

	"github.com/juju/collections/set"
)

// Error codes carried by ErrorNodes produced by the fork mutations.
const (
	CodeLookupArgNumber       = "formula.lookup.arg_number"
	CodeLookupNotAggregated   = "formula.lookup.not_aggregated"
	CodeLookupAggregatedDim   = "formula.lookup.aggregated_dimension"
	CodeLookupIgnoredDim      = "formula.lookup.ignored_dimension"
	CodeLookupConstantDim     = "formula.lookup.constant_dimension"
	CodeLookupUnselectedDim   = "formula.lookup.unselected_dimension"
	CodeLookupUnknownFunction = "formula.lookup.unknown_function"
)

func truthy(lit Literal) bool {
	switch v := lit.LiteralValue().(type) {
	case nil:
		return false
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != ""
	}
	return false
}

func isLiteral(n Node) (Literal, bool) {
	lit, ok := n.(Literal)
	return lit, ok
}

// =============================================================================
// Optimizations
// =============================================================================

// DoubleAggCollapsing rewrites AGG(AGG(x)) into AGG(x) for aggregations
// where that is exact (sum, min, max, any) and the inner call works at the
// outer call's level.
type DoubleAggCollapsing struct{}

var collapsibleAggregations = set.NewStrings("sum", "min", "max", "any")

func (DoubleAggCollapsing) Match(node Node, _ []Node) bool {
	outer, ok := isAggregateCall(node)
	if !ok || len(outer.Args) != 1 || !collapsibleAggregations.Contains(strings.ToLower(outer.Name)) {
		return false
	}
	inner, ok := isAggregateCall(outer.Args[0])
	if !ok || !strings.EqualFold(inner.Name, outer.Name) {
		return false
	}
	lod := inner.LodOf()
	if lod.Kind != LodInherited && (lod.Kind != LodInclude || len(lod.Dims) > 0) {
		return false
	}
	return len(inner.BFBOf().FieldNames) == 0
}

func (DoubleAggCollapsing) Replace(old Node, _ []Node) Node {
	outer := old.(*FuncCall)
	inner := outer.Args[0].(*FuncCall)
	out := *outer
	out.Args = inner.Args
	return &out
}

// ConstComparison evaluates == and != between literals of the same type.
type ConstComparison struct{}

var comparisonOps = map[string]bool{"==": true, "_==": true, "!=": false, "_!=": false}

func (ConstComparison) Match(node Node, _ []Node) bool {
	b, ok := node.(*Binary)
	if !ok {
		return false
	}
	if _, ok := comparisonOps[b.Op]; !ok {
		return false
	}
	_, lok := isLiteral(b.Left)
	_, rok := isLiteral(b.Right)
	return lok && rok && reflect.TypeOf(b.Left) == reflect.TypeOf(b.Right)
}

func (ConstComparison) Replace(old Node, _ []Node) Node {
	b := old.(*Binary)
	equal := b.Left.(Literal).LiteralValue() == b.Right.(Literal).LiteralValue()
	return &Bool{Value: equal == comparisonOps[b.Op], M: b.M}
}

// ConstAndOr simplifies `expr AND const` and `expr OR const`.
type ConstAndOr struct{}

func (ConstAndOr) Match(node Node, _ []Node) bool {
	b, ok := node.(*Binary)
	if !ok || (b.Op != "and" && b.Op != "or") {
		return false
	}
	_, lok := isLiteral(b.Left)
	_, rok := isLiteral(b.Right)
	return lok || rok
}

func (ConstAndOr) Replace(old Node, _ []Node) Node {
	b := old.(*Binary)
	lit, ok := isLiteral(b.Left)
	expr := b.Right
	if !ok {
		lit, expr = b.Right.(Literal), b.Left
	}
	v := truthy(lit)
	switch {
	case b.Op == "and" && v, b.Op == "or" && !v:
		return expr
	default:
		return &Bool{Value: v, M: b.M}
	}
}

// UnaryBool evaluates ISNULL over a literal.
type UnaryBool struct{}

func unaryBoolArg(node Node) (Node, bool) {
	switch n := node.(type) {
	case *Unary:
		if n.Op == "isnull" {
			return n.Expr, true
		}
	case *FuncCall:
		if strings.EqualFold(n.Name, "isnull") && len(n.Args) == 1 {
			return n.Args[0], true
		}
	}
	return nil, false
}

func (UnaryBool) Match(node Node, _ []Node) bool {
	arg, ok := unaryBoolArg(node)
	if !ok {
		return false
	}
	_, ok = isLiteral(arg)
	return ok
}

func (UnaryBool) Replace(old Node, _ []Node) Node {
	arg, _ := unaryBoolArg(old)
	return &Bool{Value: arg.(Literal).LiteralValue() == nil, M: old.Meta()}
}

// ConstFunc drops the branches of IF and CASE that constant conditions
// make unreachable.
type ConstFunc struct{}

// boolCondition returns the value of a constant IF condition.
func boolCondition(n Node) (value, ok bool) {
	switch n := n.(type) {
	case *Bool:
		return n.Value, true
	case *Null:
		return false, true
	}
	return false, false
}

func (ConstFunc) Match(node Node, _ []Node) bool {
	call, ok := node.(*FuncCall)
	if !ok {
		return false
	}
	switch strings.ToLower(call.Name) {
	case "if":
		if len(call.Args)%2 == 0 {
			return false
		}
		for i := 0; i < len(call.Args)-1; i += 2 {
			if _, ok := boolCondition(call.Args[i]); ok {
				return true
			}
		}
	case "case":
		if len(call.Args) < 2 || len(call.Args)%2 == 1 {
			return false
		}
		if _, ok := isLiteral(call.Args[0]); !ok {
			return false
		}
		for i := 1; i < len(call.Args)-1; i += 2 {
			if _, ok := isLiteral(call.Args[i]); ok {
				return true
			}
		}
	}
	return false
}

func (ConstFunc) Replace(old Node, _ []Node) Node {
	call := old.(*FuncCall)
	args := call.Args
	last := args[len(args)-1]

	var out []Node
	start := 0
	if strings.EqualFold(call.Name, "case") {
		out = append(out, args[0])
		start = 1
	}
	caseValue := func(when Node) (bool, bool) {
		lit, ok := isLiteral(when)
		if !ok {
			return false, false
		}
		return lit.LiteralValue() == args[0].(Literal).LiteralValue(), true
	}
	resolved := false
	for i := start; i < len(args)-1; i += 2 {
		cond, then := args[i], args[i+1]
		var hit, known bool
		if start == 0 {
			hit, known = boolCondition(cond)
		} else {
			hit, known = caseValue(cond)
		}
		if !known {
			out = append(out, cond, then)
			continue
		}
		if hit {
			out = append(out, then)
			resolved = true
			break
		}
	}
	if !resolved {
		out = append(out, last)
	}

	if len(out) == len(args) {
		return old
	}
	if len(out) == start+1 {
		return out[len(out)-1]
	}
	return &FuncCall{Name: call.Name, Args: out, M: call.M}
}

// DefaultOptimizations returns the constant-folding mutations in the order
// the optimizing pass applies them.
func DefaultOptimizations() []Mutation {
	return []Mutation{
		DoubleAggCollapsing{},
		ConstComparison{},
		ConstAndOr{},
		UnaryBool{},
		ConstFunc{},
	}
}

// =============================================================================
// Query forks
// =============================================================================

func errorNode(code, msg string, meta NodeMeta) *ErrorNode {
	return &ErrorNode{Code: code, Message: msg, M: meta}
}

var monthBasedUnits = set.NewStrings("month", "quarter", "year")

type lookupFunction struct {
	argCounts  []int
	conditions func(args []Node) []Node
	mutations  func(args []Node) []*BfbFilterMutation
}

var lookupRegistry = map[string]lookupFunction{
	"ago": {
		argCounts: []int{2, 3, 4},
		conditions: func(args []Node) []Node {
			dim := args[1]
			shifted := Call("dateadd", append([]Node{dim}, args[2:]...)...)
			out := []Node{&BinaryCondition{Expr: dim, ForkExpr: shifted}}
			unit := "day"
			for _, a := range args[2:] {
				if s, ok := a.(*String); ok {
					unit = strings.ToLower(s.Value)
					break
				}
			}
			if monthBasedUnits.Contains(unit) {
				out = append(out, &BinaryCondition{Expr: Call("day", dim), ForkExpr: Call("day", dim)})
			}
			return out
		},
		mutations: func(args []Node) []*BfbFilterMutation {
			dim := args[1]
			return []*BfbFilterMutation{{
				Original:    dim,
				Replacement: Call("dateadd", append([]Node{dim}, args[2:]...)...),
			}}
		},
	},
	"at_date": {
		argCounts: []int{3},
		conditions: func(args []Node) []Node {
			return []Node{&BinaryCondition{Expr: args[2], ForkExpr: args[1]}}
		},
		mutations: func([]Node) []*BfbFilterMutation { return nil },
	},
}

func usesFields(nodes []Node) bool {
	for _, n := range nodes {
		if contains(n, func(x Node) bool { _, ok := x.(*Field); return ok }) {
			return true
		}
	}
	return false
}

// LookupFork turns AGO and AT_DATE calls into left-joined query forks over
// the dimensions in effect at the call. Invalid calls become ErrorNodes.
type LookupFork struct {
	GlobalDimensions []Node
	// AllowEmptyDimensions accepts a lookup dimension that is not among the
	// query dimensions when there are no dimensions at all, as happens when
	// a single formula is validated.
	AllowEmptyDimensions bool
}

func (LookupFork) Match(node Node, _ []Node) bool {
	call, ok := node.(*FuncCall)
	return ok && IsLookup(call.Name)
}

func (m LookupFork) Replace(old Node, parents []Node) Node {
	call := old.(*FuncCall)
	name := strings.ToLower(call.Name)
	fn, ok := lookupRegistry[name]
	if !ok {
		return errorNode(CodeLookupUnknownFunction, "unknown lookup function "+strings.ToUpper(name), call.M)
	}
	if !slices.Contains(fn.argCounts, len(call.Args)) {
		return errorNode(CodeLookupArgNumber, "invalid number of arguments for function "+strings.ToUpper(name), call.M)
	}

	result, lookupDim := call.Args[0], call.Args[1]
	if !IsAggregateExpression(result) {
		return errorNode(CodeLookupNotAggregated, "result expression of function "+strings.ToUpper(name)+" is not aggregated", call.M)
	}
	if IsAggregateExpression(lookupDim) {
		return errorNode(CodeLookupAggregatedDim, "the lookup dimension of function "+strings.ToUpper(name)+" is an aggregation", call.M)
	}
	ignored := keySet(call.ignored().Dims)
	if ignored.Contains(lookupDim.Key()) {
		return errorNode(CodeLookupIgnoredDim, "cannot ignore lookup dimension of function "+strings.ToUpper(name), call.M)
	}
	lookupConds := fn.conditions(call.Args)
	if !usesFields(lookupConds) {
		return errorNode(CodeLookupConstantDim, "cannot use a constant expression as lookup dimension of function "+strings.ToUpper(name), call.M)
	}

	dims := ResolveDimensions(m.GlobalDimensions, parents)
	var conds []Node
	found := false
	for _, d := range dims {
		if ignored.Contains(d.Key()) {
			continue
		}
		if d.Key() == lookupDim.Key() {
			found = true
			conds = append(conds, lookupConds...)
			continue
		}
		conds = append(conds, &SelfEqualityCondition{Expr: d})
	}
	if (!m.AllowEmptyDimensions || len(dims) > 0) && !found {
		return errorNode(CodeLookupUnselectedDim,
			"invalid dimension for function "+strings.ToUpper(name)+": it must be used in the request as a dimension", call.M)
	}

	return &QueryFork{
		JoinType:           JoinLeft,
		ResultExpr:         result,
		Conditions:         conds,
		Lod:                Inherited(),
		BFB:                call.BFBOf(),
		BfbFilterMutations: fn.mutations(call.Args),
		M:                  call.M,
	}
}

// ExtAggFork turns extended aggregations into query forks computed at the
// aggregation's own dimensions and joined on the dimensions it shares with
// the enclosing level.
type ExtAggFork struct {
	GlobalDimensions []Node
	// WrapAll forks every aggregation, which window forking requires.
	WrapAll bool
}

func (m ExtAggFork) Match(node Node, parents []Node) bool {
	if _, ok := isAggregateCall(node); !ok {
		return false
	}
	return m.WrapAll || IsExtendedAggregation(node, parents, true)
}

func (m ExtAggFork) Replace(old Node, parents []Node) Node {
	call := old.(*FuncCall)
	outer := ResolveDimensions(m.GlobalDimensions, parents)
	own := ApplyLod(outer, call.LodOf())

	shared := keySet(outer)
	var conds []Node
	for _, d := range own {
		if shared.Contains(d.Key()) {
			conds = append(conds, &SelfEqualityCondition{Expr: d})
		}
	}
	result := *call
	result.Lod = nil
	return &QueryFork{
		JoinType:   JoinLeft,
		ResultExpr: &result,
		Conditions: conds,
		Lod:        NewLod(LodFixed, own...),
		BFB:        call.BFBOf(),
		M:          call.M,
	}
}

// WindowFork moves each window call into a query fork over the dimensions
// in effect at the call.
type WindowFork struct {
	GlobalDimensions []Node
}

func (WindowFork) Match(node Node, _ []Node) bool {
	_, ok := node.(*WindowFuncCall)
	return ok
}

func (m WindowFork) Replace(old Node, parents []Node) Node {
	call := old.(*WindowFuncCall)
	dims := ResolveDimensions(m.GlobalDimensions, parents)
	conds := make([]Node, len(dims))
	for i, d := range dims {
		conds[i] = &SelfEqualityCondition{Expr: d}
	}
	return &QueryFork{
		JoinType:   JoinLeft,
		ResultExpr: call,
		Conditions: conds,
		Lod:        NewLod(LodFixed, dims...),
		BFB:        call.BFBOf(),
		M:          call.M,
	}
}

// =============================================================================
// Before-filter-by and tagging
// =============================================================================

// bfbOf returns the before-filter-by clause of a node that carries one.
func bfbOf(n Node) (*BeforeFilterBy, bool) {
	switch n := n.(type) {
	case *FuncCall:
		if IsAggregate(n.Name) || IsLookup(n.Name) {
			return n.BFBOf(), true
		}
	case *WindowFuncCall:
		return n.BFBOf(), true
	case *QueryFork:
		return n.BFBOf(), true
	}
	return nil, false
}

func withBFB(n Node, bfb *BeforeFilterBy) Node {
	switch n := n.(type) {
	case *FuncCall:
		c := *n
		c.BFB = bfb
		return &c
	case *WindowFuncCall:
		c := *n
		c.BFB = bfb
		return &c
	case *QueryFork:
		c := *n
		c.BFB = bfb
		return &c
	}
	return n
}

// NormalizeBFB makes every before-filter-by clause inherit the names of the
// enclosing clauses and drops names that are not filtered on.
type NormalizeBFB struct {
	Available set.Strings
}

func (m NormalizeBFB) normalized(own *BeforeFilterBy, parents []Node) []string {
	names := set.NewStrings(own.FieldNames...)
	for _, p := range parents {
		if bfb, ok := bfbOf(p); ok {
			names = names.Union(set.NewStrings(bfb.FieldNames...))
		}
	}
	return names.Intersection(m.Available).SortedValues()
}

func (m NormalizeBFB) Match(node Node, parents []Node) bool {
	own, ok := bfbOf(node)
	if !ok {
		return false
	}
	return !slices.Equal(own.FieldNames, m.normalized(own, parents))
}

func (m NormalizeBFB) Replace(old Node, parents []Node) Node {
	own, _ := bfbOf(old)
	return withBFB(old, NewBFB(m.normalized(own, parents)...))
}

// FunctionLevelTag stamps aggregations, window calls and forks with their
// nesting level and the before-filter-by names in effect there. A top-level
// call without before-filter-by names carries no tag, so such calls are left
// untouched.
type FunctionLevelTag struct{}

// levelTag returns nil for the trivial tag (level 0, no names).
func levelTag(node Node, parents []Node) *LevelTag {
	tag := &LevelTag{}
	names := set.NewStrings()
	for _, p := range parents {
		if levelChanging(p) {
			tag.Nesting++
		}
		if bfb, ok := bfbOf(p); ok {
			names = names.Union(set.NewStrings(bfb.FieldNames...))
		}
	}
	if bfb, ok := bfbOf(node); ok {
		names = names.Union(set.NewStrings(bfb.FieldNames...))
	}
	tag.BFB = names.SortedValues()
	if tag.Nesting == 0 && len(tag.BFB) == 0 {
		return nil
	}
	return tag
}

func (FunctionLevelTag) Match(node Node, parents []Node) bool {
	if !levelChanging(node) {
		return false
	}
	return !levelTag(node, parents).equal(node.Meta().LevelTag)
}

func (FunctionLevelTag) Replace(old Node, parents []Node) Node {
	tag := levelTag(old, parents)
	switch n := old.(type) {
	case *FuncCall:
		c := *n
		c.M.LevelTag = tag
		return &c
	case *WindowFuncCall:
		c := *n
		c.M.LevelTag = tag
		return &c
	case *QueryFork:
		c := *n
		c.M.LevelTag = tag
		return &c
	}
	return old
}

// Nullify replaces the expression of f with NULL, keeping the source
// metadata of both.
func Nullify(f *Formula) *Formula {
	return &Formula{Expr: &Null{M: f.Expr.Meta()}, M: f.M}
}
