package formula

// MatchFunc decides whether node, found under parents (root first), is
// replaced.
type MatchFunc func(node Node, parents []Node) bool

// ReplaceFunc returns the replacement for a matched node.
type ReplaceFunc func(old Node, parents []Node) Node

// Mutation is a single tree rewrite rule.
type Mutation interface {
	Match(node Node, parents []Node) bool
	Replace(old Node, parents []Node) Node
}

// ReplaceNodes rewrites root bottom-up. Every child sub-tree is rewritten
// first; the rewritten child is then offered to match together with the
// original ancestors. The root itself is never matched.
//
// A node none of whose descendants changed is returned as-is, so an
// unchanged tree comes back reference-identical.
func ReplaceNodes(root Node, match MatchFunc, replace ReplaceFunc) Node {
	return replaceIn(root, nil, match, replace)
}

func replaceIn(node Node, parents []Node, match MatchFunc, replace ReplaceFunc) Node {
	children := node.Children()
	if len(children) == 0 {
		return node
	}
	stack := append(parents[:len(parents):len(parents)], node)

	var out []Node
	for i, child := range children {
		next := replaceIn(child, stack, match, replace)
		if match(next, stack) {
			next = replace(next, stack)
		}
		if next != child && out == nil {
			out = make([]Node, len(children))
			copy(out, children[:i])
		}
		if out != nil {
			out[i] = next
		}
	}
	if out == nil {
		return node
	}
	return node.WithChildren(out)
}

// Apply runs each mutation over the whole tree in order.
func Apply(root Node, mutations ...Mutation) Node {
	for _, m := range mutations {
		root = ReplaceNodes(root, m.Match, m.Replace)
	}
	return root
}

// ApplyFormula is Apply for a Formula root.
func ApplyFormula(f *Formula, mutations ...Mutation) *Formula {
	return Apply(f, mutations...).(*Formula)
}

// Walk calls fn for every node in depth-first pre-order together with its
// ancestors. Returning false skips the node's children.
func Walk(root Node, fn func(node Node, parents []Node) bool) {
	walk(root, nil, fn)
}

func walk(node Node, parents []Node, fn func(Node, []Node) bool) {
	if !fn(node, parents) {
		return
	}
	stack := append(parents[:len(parents):len(parents)], node)
	for _, c := range node.Children() {
		walk(c, stack, fn)
	}
}
