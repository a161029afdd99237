// Package formula provides the formula tree consumed by the query-mutation
// pipeline, a bottom-up tree rewriter and the rewrite mutations built on it.
//
// Trees are immutable: every rewrite returns new nodes for the changed path
// and keeps untouched sub-trees reference-identical, so callers may compare
// nodes with == to learn whether a pass changed anything.
package formula

import (
	"slices"
	"strconv"
	"strings"
)

// Node is implemented by every formula tree node.
type Node interface {
	// Children returns the direct children in a fixed, type-specific order.
	Children() []Node
	// WithChildren returns a copy of the node with its children replaced.
	// The slice must have the same length and layout as Children().
	WithChildren(children []Node) Node
	Meta() NodeMeta
	// Key is a canonical rendering used for structural equality.
	Key() string
}

// Position is a byte range in the source text of a formula.
type Position struct {
	Start int
	End   int
}

// LevelTag records the aggregation nesting level of a function call and the
// before-filter-by names in effect at that level.
type LevelTag struct {
	Nesting int
	BFB     []string
}

func (t *LevelTag) equal(o *LevelTag) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Nesting == o.Nesting && slices.Equal(t.BFB, o.BFB)
}

// NodeMeta is source metadata carried by every node.
type NodeMeta struct {
	Position     Position
	OriginalText string
	LevelTag     *LevelTag
}

func writeList(b *strings.Builder, nodes []Node) {
	for i, n := range nodes {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(n.Key())
	}
}

// =============================================================================
// Root and leaves
// =============================================================================

// Formula is the root of a formula tree.
type Formula struct {
	Expr Node
	M    NodeMeta
}

// NewFormula wraps expr in a Formula root.
func NewFormula(expr Node) *Formula {
	return &Formula{Expr: expr}
}

func (f *Formula) Children() []Node { return []Node{f.Expr} }

func (f *Formula) WithChildren(children []Node) Node {
	return &Formula{Expr: children[0], M: f.M}
}

func (f *Formula) Meta() NodeMeta { return f.M }
func (f *Formula) Key() string { return f.Expr.Key() }

// Field references a dataset field by name.
type Field struct {
	Name string
	M    NodeMeta
}

// NewField returns a field reference.
func NewField(name string) *Field { return &Field{Name: name} }

func (f *Field) Children() []Node { return nil }
func (f *Field) WithChildren(_ []Node) Node { return f }
func (f *Field) Meta() NodeMeta { return f.M }
func (f *Field) Key() string { return "[" + f.Name + "]" }

// Literal is implemented by constant nodes.
type Literal interface {
	Node
	LiteralValue() any
}

// Null is the NULL literal.
type Null struct{ M NodeMeta }

func (n *Null) Children() []Node { return nil }
func (n *Null) WithChildren(_ []Node) Node { return n }
func (n *Null) Meta() NodeMeta { return n.M }
func (n *Null) Key() string { return "NULL" }
func (n *Null) LiteralValue() any { return nil }

// Bool is a boolean literal.
type Bool struct {
	Value bool
	M     NodeMeta
}

func (n *Bool) Children() []Node { return nil }
func (n *Bool) WithChildren(_ []Node) Node { return n }
func (n *Bool) Meta() NodeMeta { return n.M }
func (n *Bool) LiteralValue() any { return n.Value }

func (n *Bool) Key() string {
	if n.Value {
		return "TRUE"
	}
	return "FALSE"
}

// Int is an integer literal.
type Int struct {
	Value int64
	M     NodeMeta
}

func (n *Int) Children() []Node { return nil }
func (n *Int) WithChildren(_ []Node) Node { return n }
func (n *Int) Meta() NodeMeta { return n.M }
func (n *Int) Key() string { return strconv.FormatInt(n.Value, 10) }
func (n *Int) LiteralValue() any { return n.Value }

// Float is a floating point literal.
type Float struct {
	Value float64
	M     NodeMeta
}

func (n *Float) Children() []Node { return nil }
func (n *Float) WithChildren(_ []Node) Node { return n }
func (n *Float) Meta() NodeMeta { return n.M }
func (n *Float) Key() string { return strconv.FormatFloat(n.Value, 'g', -1, 64) + "f" }
func (n *Float) LiteralValue() any { return n.Value }

// String is a string literal.
type String struct {
	Value string
	M     NodeMeta
}

func (n *String) Children() []Node { return nil }
func (n *String) WithChildren(_ []Node) Node { return n }
func (n *String) Meta() NodeMeta { return n.M }
func (n *String) Key() string { return strconv.Quote(n.Value) }
func (n *String) LiteralValue() any { return n.Value }

// ErrorNode replaces a sub-tree that a mutation found to be invalid. The
// pipeline collects them into a validation error.
type ErrorNode struct {
	Code    string
	Message string
	M       NodeMeta
}

func (n *ErrorNode) Children() []Node { return nil }
func (n *ErrorNode) WithChildren(_ []Node) Node { return n }
func (n *ErrorNode) Meta() NodeMeta { return n.M }
func (n *ErrorNode) Key() string { return "ERROR(" + n.Code + ")" }

// =============================================================================
// Operators
// =============================================================================

// Binary is a binary operator such as ==, and, + or in.
type Binary struct {
	Op    string
	Left  Node
	Right Node
	M     NodeMeta
}

// NewBinary returns left op right.
func NewBinary(op string, left, right Node) *Binary {
	return &Binary{Op: op, Left: left, Right: right}
}

func (n *Binary) Children() []Node { return []Node{n.Left, n.Right} }

func (n *Binary) WithChildren(children []Node) Node {
	return &Binary{Op: n.Op, Left: children[0], Right: children[1], M: n.M}
}

func (n *Binary) Meta() NodeMeta { return n.M }

func (n *Binary) Key() string {
	return "(" + n.Left.Key() + " " + n.Op + " " + n.Right.Key() + ")"
}

// Unary is a unary operator such as not, neg or isnull.
type Unary struct {
	Op   string
	Expr Node
	M    NodeMeta
}

// NewUnary returns op(expr).
func NewUnary(op string, expr Node) *Unary {
	return &Unary{Op: op, Expr: expr}
}

func (n *Unary) Children() []Node { return []Node{n.Expr} }

func (n *Unary) WithChildren(children []Node) Node {
	return &Unary{Op: n.Op, Expr: children[0], M: n.M}
}

func (n *Unary) Meta() NodeMeta { return n.M }
func (n *Unary) Key() string { return n.Op + "(" + n.Expr.Key() + ")" }

// =============================================================================
// Function clauses
// =============================================================================

// LodKind selects how a level-of-detail specifier changes the dimensions
// of an aggregation.
type LodKind string

const (
	LodInherited LodKind = "inherited"
	LodFixed     LodKind = "fixed"
	LodInclude   LodKind = "include"
	LodExclude   LodKind = "exclude"
)

// LodSpecifier is the FIXED/INCLUDE/EXCLUDE clause of an aggregation.
type LodSpecifier struct {
	Kind LodKind
	Dims []Node
	M    NodeMeta
}

var inheritedLod = &LodSpecifier{Kind: LodInherited}

// Inherited returns the shared inherited specifier.
func Inherited() *LodSpecifier { return inheritedLod }

// NewLod returns a specifier of the given kind.
func NewLod(kind LodKind, dims ...Node) *LodSpecifier {
	return &LodSpecifier{Kind: kind, Dims: dims}
}

func (n *LodSpecifier) Children() []Node { return n.Dims }

func (n *LodSpecifier) WithChildren(children []Node) Node {
	return &LodSpecifier{Kind: n.Kind, Dims: children, M: n.M}
}

func (n *LodSpecifier) Meta() NodeMeta { return n.M }

func (n *LodSpecifier) Key() string {
	if n.Kind == LodInherited {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(n.Kind))
	b.WriteString(" ")
	writeList(&b, n.Dims)
	return b.String()
}

// IgnoreDimensions lists dimensions a lookup function does not join on.
type IgnoreDimensions struct {
	Dims []Node
	M    NodeMeta
}

var noIgnoreDimensions = &IgnoreDimensions{}

func (n *IgnoreDimensions) Children() []Node { return n.Dims }

func (n *IgnoreDimensions) WithChildren(children []Node) Node {
	return &IgnoreDimensions{Dims: children, M: n.M}
}

func (n *IgnoreDimensions) Meta() NodeMeta { return n.M }

func (n *IgnoreDimensions) Key() string {
	if len(n.Dims) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("ignore dimensions ")
	writeList(&b, n.Dims)
	return b.String()
}

// BeforeFilterBy names the filter fields applied before the enclosing
// function is computed. FieldNames is kept sorted.
type BeforeFilterBy struct {
	FieldNames []string
	M          NodeMeta
}

var emptyBFB = &BeforeFilterBy{}

// NewBFB returns a clause over the given names, sorted and deduplicated.
func NewBFB(names ...string) *BeforeFilterBy {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return &BeforeFilterBy{FieldNames: slices.Compact(sorted)}
}

func (n *BeforeFilterBy) Children() []Node { return nil }
func (n *BeforeFilterBy) WithChildren(_ []Node) Node { return n }
func (n *BeforeFilterBy) Meta() NodeMeta { return n.M }

func (n *BeforeFilterBy) Key() string {
	if len(n.FieldNames) == 0 {
		return ""
	}
	return "before filter by " + strings.Join(n.FieldNames, ", ")
}

// =============================================================================
// Function calls
// =============================================================================

// FuncCall is a regular, aggregate or lookup function call. Nil clauses
// are treated as empty.
type FuncCall struct {
	Name             string
	Args             []Node
	Lod              *LodSpecifier
	IgnoreDimensions *IgnoreDimensions
	BFB              *BeforeFilterBy
	M                NodeMeta
}

// Call returns name(args...) with empty clauses.
func Call(name string, args ...Node) *FuncCall {
	return &FuncCall{Name: name, Args: args}
}

// LodOf returns the call's specifier, defaulting to inherited.
func (n *FuncCall) LodOf() *LodSpecifier {
	if n.Lod == nil {
		return inheritedLod
	}
	return n.Lod
}

func (n *FuncCall) ignored() *IgnoreDimensions {
	if n.IgnoreDimensions == nil {
		return noIgnoreDimensions
	}
	return n.IgnoreDimensions
}

// BFBOf returns the call's before-filter-by clause, defaulting to empty.
func (n *FuncCall) BFBOf() *BeforeFilterBy {
	if n.BFB == nil {
		return emptyBFB
	}
	return n.BFB
}

// Children returns the arguments followed by the lod, ignore-dimensions and
// before-filter-by clauses.
func (n *FuncCall) Children() []Node {
	out := make([]Node, 0, len(n.Args)+3)
	out = append(out, n.Args...)
	return append(out, n.LodOf(), n.ignored(), n.BFBOf())
}

func (n *FuncCall) WithChildren(children []Node) Node {
	k := len(children) - 3
	return &FuncCall{
		Name:             n.Name,
		Args:             slices.Clone(children[:k]),
		Lod:              children[k].(*LodSpecifier),
		IgnoreDimensions: children[k+1].(*IgnoreDimensions),
		BFB:              children[k+2].(*BeforeFilterBy),
		M:                n.M,
	}
}

func (n *FuncCall) Meta() NodeMeta { return n.M }

func (n *FuncCall) Key() string {
	var b strings.Builder
	b.WriteString(n.Name)
	b.WriteString("(")
	writeList(&b, n.Args)
	for _, clause := range []Node{n.LodOf(), n.ignored(), n.BFBOf()} {
		if k := clause.Key(); k != "" {
			b.WriteString(" ")
			b.WriteString(k)
		}
	}
	b.WriteString(")")
	return b.String()
}

// WindowGroupingKind is the TOTAL/WITHIN/AMONG clause of a window call.
type WindowGroupingKind string

const (
	GroupingTotal  WindowGroupingKind = "total"
	GroupingWithin WindowGroupingKind = "within"
	GroupingAmong  WindowGroupingKind = "among"
)

// WindowGrouping partitions a window function.
type WindowGrouping struct {
	Kind WindowGroupingKind
	Dims []Node
	M    NodeMeta
}

var totalGrouping = &WindowGrouping{Kind: GroupingTotal}

func (n *WindowGrouping) Children() []Node { return n.Dims }

func (n *WindowGrouping) WithChildren(children []Node) Node {
	return &WindowGrouping{Kind: n.Kind, Dims: children, M: n.M}
}

func (n *WindowGrouping) Meta() NodeMeta { return n.M }

func (n *WindowGrouping) Key() string {
	var b strings.Builder
	b.WriteString(string(n.Kind))
	if len(n.Dims) > 0 {
		b.WriteString(" ")
		writeList(&b, n.Dims)
	}
	return b.String()
}

// Ordering is the ORDER BY clause of a window call.
type Ordering struct {
	Exprs []Node
	M     NodeMeta
}

var emptyOrdering = &Ordering{}

func (n *Ordering) Children() []Node { return n.Exprs }

func (n *Ordering) WithChildren(children []Node) Node {
	return &Ordering{Exprs: children, M: n.M}
}

func (n *Ordering) Meta() NodeMeta { return n.M }

func (n *Ordering) Key() string {
	if len(n.Exprs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("order by ")
	writeList(&b, n.Exprs)
	return b.String()
}

// WindowFuncCall is a window function call. A nil Grouping means TOTAL.
type WindowFuncCall struct {
	Name     string
	Args     []Node
	Grouping *WindowGrouping
	Ordering *Ordering
	BFB      *BeforeFilterBy
	M        NodeMeta
}

// WindowCall returns name(args...) TOTAL.
func WindowCall(name string, args ...Node) *WindowFuncCall {
	return &WindowFuncCall{Name: name, Args: args}
}

func (n *WindowFuncCall) grouping() *WindowGrouping {
	if n.Grouping == nil {
		return totalGrouping
	}
	return n.Grouping
}

func (n *WindowFuncCall) ordering() *Ordering {
	if n.Ordering == nil {
		return emptyOrdering
	}
	return n.Ordering
}

// BFBOf returns the call's before-filter-by clause, defaulting to empty.
func (n *WindowFuncCall) BFBOf() *BeforeFilterBy {
	if n.BFB == nil {
		return emptyBFB
	}
	return n.BFB
}

func (n *WindowFuncCall) Children() []Node {
	out := make([]Node, 0, len(n.Args)+3)
	out = append(out, n.Args...)
	return append(out, n.grouping(), n.ordering(), n.BFBOf())
}

func (n *WindowFuncCall) WithChildren(children []Node) Node {
	k := len(children) - 3
	return &WindowFuncCall{
		Name:     n.Name,
		Args:     slices.Clone(children[:k]),
		Grouping: children[k].(*WindowGrouping),
		Ordering: children[k+1].(*Ordering),
		BFB:      children[k+2].(*BeforeFilterBy),
		M:        n.M,
	}
}

func (n *WindowFuncCall) Meta() NodeMeta { return n.M }

func (n *WindowFuncCall) Key() string {
	var b strings.Builder
	b.WriteString(n.Name)
	b.WriteString("(")
	writeList(&b, n.Args)
	b.WriteString(" ")
	b.WriteString(n.grouping().Key())
	for _, clause := range []Node{n.ordering(), n.BFBOf()} {
		if k := clause.Key(); k != "" {
			b.WriteString(" ")
			b.WriteString(k)
		}
	}
	b.WriteString(")")
	return b.String()
}

// =============================================================================
// Query forks
// =============================================================================

// JoinType is how a fork's sub-query joins back to the main query.
type JoinType string

const (
	JoinLeft  JoinType = "left"
	JoinInner JoinType = "inner"
)

// SelfEqualityCondition joins a fork on Expr evaluated on both sides.
type SelfEqualityCondition struct {
	Expr Node
	M    NodeMeta
}

func (n *SelfEqualityCondition) Children() []Node { return []Node{n.Expr} }

func (n *SelfEqualityCondition) WithChildren(children []Node) Node {
	return &SelfEqualityCondition{Expr: children[0], M: n.M}
}

func (n *SelfEqualityCondition) Meta() NodeMeta { return n.M }
func (n *SelfEqualityCondition) Key() string { return "self " + n.Expr.Key() }

// BinaryCondition joins Expr of the main query to ForkExpr of the fork.
type BinaryCondition struct {
	Expr     Node
	ForkExpr Node
	M        NodeMeta
}

func (n *BinaryCondition) Children() []Node { return []Node{n.Expr, n.ForkExpr} }

func (n *BinaryCondition) WithChildren(children []Node) Node {
	return &BinaryCondition{Expr: children[0], ForkExpr: children[1], M: n.M}
}

func (n *BinaryCondition) Meta() NodeMeta { return n.M }
func (n *BinaryCondition) Key() string { return n.Expr.Key() + " = fork " + n.ForkExpr.Key() }

// BfbFilterMutation rewrites a filter on Original into a filter on
// Replacement inside the fork's sub-query.
type BfbFilterMutation struct {
	Original    Node
	Replacement Node
	M           NodeMeta
}

func (n *BfbFilterMutation) Children() []Node { return []Node{n.Original, n.Replacement} }

func (n *BfbFilterMutation) WithChildren(children []Node) Node {
	return &BfbFilterMutation{Original: children[0], Replacement: children[1], M: n.M}
}

func (n *BfbFilterMutation) Meta() NodeMeta { return n.M }
func (n *BfbFilterMutation) Key() string { return n.Original.Key() + " -> " + n.Replacement.Key() }

// QueryFork is a sub-query computing ResultExpr at its own level of detail,
// joined back to the enclosing query on Conditions.
type QueryFork struct {
	JoinType           JoinType
	ResultExpr         Node
	Conditions         []Node
	Lod                *LodSpecifier
	BFB                *BeforeFilterBy
	BfbFilterMutations []*BfbFilterMutation
	M                  NodeMeta
}

// LodOf returns the fork's specifier, defaulting to inherited.
func (n *QueryFork) LodOf() *LodSpecifier {
	if n.Lod == nil {
		return inheritedLod
	}
	return n.Lod
}

// BFBOf returns the fork's before-filter-by clause, defaulting to empty.
func (n *QueryFork) BFBOf() *BeforeFilterBy {
	if n.BFB == nil {
		return emptyBFB
	}
	return n.BFB
}

// Children returns the result expression, lod, before-filter-by, the join
// conditions and then the filter mutations.
func (n *QueryFork) Children() []Node {
	out := make([]Node, 0, 3+len(n.Conditions)+len(n.BfbFilterMutations))
	out = append(out, n.ResultExpr, n.LodOf(), n.BFBOf())
	out = append(out, n.Conditions...)
	for _, m := range n.BfbFilterMutations {
		out = append(out, m)
	}
	return out
}

func (n *QueryFork) WithChildren(children []Node) Node {
	nc := len(n.Conditions)
	out := &QueryFork{
		JoinType:   n.JoinType,
		ResultExpr: children[0],
		Lod:        children[1].(*LodSpecifier),
		BFB:        children[2].(*BeforeFilterBy),
		Conditions: slices.Clone(children[3 : 3+nc]),
		M:          n.M,
	}
	for _, c := range children[3+nc:] {
		out.BfbFilterMutations = append(out.BfbFilterMutations, c.(*BfbFilterMutation))
	}
	return out
}

func (n *QueryFork) Meta() NodeMeta { return n.M }

func (n *QueryFork) Key() string {
	var b strings.Builder
	b.WriteString("fork ")
	b.WriteString(string(n.JoinType))
	b.WriteString("(")
	b.WriteString(n.ResultExpr.Key())
	for _, clause := range []Node{n.LodOf(), n.BFBOf()} {
		if k := clause.Key(); k != "" {
			b.WriteString(" ")
			b.WriteString(k)
		}
	}
	b.WriteString(" on ")
	writeList(&b, n.Conditions)
	b.WriteString(")")
	return b.String()
}
