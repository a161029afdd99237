package formula

import "github.com/juju/collections/set"

// keySet returns the structural keys of nodes.
func keySet(nodes []Node) set.Strings {
	keys := set.NewStrings()
	for _, n := range nodes {
		keys.Add(n.Key())
	}
	return keys
}

// SameDimensions reports whether a and b hold the same dimensions,
// ignoring order and duplicates.
func SameDimensions(a, b []Node) bool {
	ka, kb := keySet(a), keySet(b)
	return ka.Size() == kb.Size() && ka.Difference(kb).IsEmpty()
}

// dedup keeps the first node of each structural key.
func dedup(nodes []Node) []Node {
	seen := set.NewStrings()
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		k := n.Key()
		if seen.Contains(k) {
			continue
		}
		seen.Add(k)
		out = append(out, n)
	}
	return out
}

func contains(root Node, pred func(Node) bool) bool {
	found := false
	Walk(root, func(n Node, _ []Node) bool {
		if found {
			return false
		}
		if pred(n) {
			found = true
			return false
		}
		return true
	})
	return found
}

// ContainsAggregation reports whether node has an aggregate call anywhere.
func ContainsAggregation(node Node) bool {
	return contains(node, func(n Node) bool {
		_, ok := isAggregateCall(n)
		return ok
	})
}

// ContainsWindowFunction reports whether node has a window call anywhere.
func ContainsWindowFunction(node Node) bool {
	return contains(node, func(n Node) bool {
		_, ok := n.(*WindowFuncCall)
		return ok
	})
}

// ContainsLookup reports whether node calls AGO or AT_DATE.
func ContainsLookup(node Node) bool {
	return contains(node, func(n Node) bool {
		call, ok := n.(*FuncCall)
		return ok && IsLookup(call.Name)
	})
}

// levelChanging reports whether n starts a new aggregation level.
func levelChanging(n Node) bool {
	switch n := n.(type) {
	case *FuncCall:
		return IsAggregate(n.Name)
	case *WindowFuncCall, *QueryFork:
		return true
	}
	return false
}

// nestedInAggregation reports whether any of parents is an aggregate call.
func nestedInAggregation(parents []Node) bool {
	for _, p := range parents {
		if _, ok := isAggregateCall(p); ok {
			return true
		}
	}
	return false
}

// IsExtendedAggregation reports whether node is an aggregation with an
// explicit level of detail. With includeDoubleAgg, an aggregation nested in
// another aggregation counts too.
func IsExtendedAggregation(node Node, parents []Node, includeDoubleAgg bool) bool {
	call, ok := isAggregateCall(node)
	if !ok {
		return false
	}
	if call.LodOf().Kind != LodInherited {
		return true
	}
	return includeDoubleAgg && nestedInAggregation(parents)
}

// ContainsExtendedAggregations reports whether node has any extended
// aggregation.
func ContainsExtendedAggregations(node Node, includeDoubleAgg bool) bool {
	found := false
	Walk(node, func(n Node, parents []Node) bool {
		if found {
			return false
		}
		if IsExtendedAggregation(n, parents, includeDoubleAgg) {
			found = true
			return false
		}
		return true
	})
	return found
}

// IsBoundOnlyTo reports whether every field reference in node outside of
// aggregations is covered by dims. Aggregations, window calls and forks are
// bound by definition.
func IsBoundOnlyTo(node Node, dims []Node) bool {
	return boundOnlyTo(node, keySet(dims))
}

func boundOnlyTo(node Node, keys set.Strings) bool {
	if keys.Contains(node.Key()) {
		return true
	}
	switch n := node.(type) {
	case *Field:
		return false
	case *ErrorNode:
		return false
	case *FuncCall:
		if IsAggregate(n.Name) {
			return true
		}
		for _, a := range n.Args {
			if !boundOnlyTo(a, keys) {
				return false
			}
		}
		return true
	case *WindowFuncCall, *QueryFork:
		return true
	}
	for _, c := range node.Children() {
		if !boundOnlyTo(c, keys) {
			return false
		}
	}
	return true
}

// IsConstant reports whether node references no fields and computes no
// aggregation.
func IsConstant(node Node) bool {
	return IsBoundOnlyTo(node, nil) && !contains(node, levelChanging)
}

// IsAggregateExpression reports whether node is aggregated: it aggregates
// something and references no fields outside its aggregations.
func IsAggregateExpression(node Node) bool {
	return contains(node, levelChanging) && IsBoundOnlyTo(node, nil)
}

// HasInconsistentAggregation reports whether node mixes aggregations with
// field references that are not among dims.
func HasInconsistentAggregation(node Node, dims []Node) bool {
	return ContainsAggregation(node) && !IsBoundOnlyTo(node, dims)
}

// IterAggregations returns the outermost aggregate calls of node in
// pre-order.
func IterAggregations(node Node) []*FuncCall {
	var out []*FuncCall
	Walk(node, func(n Node, _ []Node) bool {
		if call, ok := isAggregateCall(n); ok {
			out = append(out, call)
			return false
		}
		return true
	})
	return out
}

// ApplyLod returns the dimensions in effect after applying lod to dims.
func ApplyLod(dims []Node, lod *LodSpecifier) []Node {
	switch lod.Kind {
	case LodFixed:
		return dedup(lod.Dims)
	case LodInclude:
		return dedup(append(append([]Node{}, dims...), lod.Dims...))
	case LodExclude:
		drop := keySet(lod.Dims)
		out := make([]Node, 0, len(dims))
		for _, d := range dims {
			if !drop.Contains(d.Key()) {
				out = append(out, d)
			}
		}
		return out
	}
	return dims
}

// lodOf returns the specifier of an aggregate call or fork.
func lodOf(n Node) (*LodSpecifier, bool) {
	switch n := n.(type) {
	case *FuncCall:
		if IsAggregate(n.Name) {
			return n.LodOf(), true
		}
	case *QueryFork:
		return n.LodOf(), true
	}
	return nil, false
}

// ResolveDimensions returns the dimensions in effect for a node whose
// ancestors are parents, starting from the query's global dimensions.
// Each enclosing aggregation or fork applies its own level of detail.
func ResolveDimensions(global, parents []Node) []Node {
	dims := dedup(global)
	for _, p := range parents {
		if lod, ok := lodOf(p); ok {
			dims = ApplyLod(dims, lod)
		}
	}
	return dims
}

// TopLevelDimensions returns the dimensions named by FIXED and INCLUDE
// specifiers of the outermost aggregations and forks of node.
func TopLevelDimensions(node Node) []Node {
	var out []Node
	Walk(node, func(n Node, _ []Node) bool {
		lod, ok := lodOf(n)
		if !ok {
			return true
		}
		if lod.Kind == LodFixed || lod.Kind == LodInclude {
			out = append(out, lod.Dims...)
		}
		return false
	})
	return dedup(out)
}

// CollectErrors returns every ErrorNode in node.
func CollectErrors(node Node) []*ErrorNode {
	var out []*ErrorNode
	Walk(node, func(n Node, _ []Node) bool {
		if e, ok := n.(*ErrorNode); ok {
			out = append(out, e)
		}
		return true
	})
	return out
}

// IsSubset reports whether every dimension of a is among b.
func IsSubset(a, b []Node) bool {
	return keySet(a).Difference(keySet(b)).IsEmpty()
}
