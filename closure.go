package dls

import (
	"context"
	"sort"
)

// DefaultMaxGroupDepth bounds the group membership walk. Well-formed data
// is a DAG far shallower than this; the bound only matters for corrupt,
// cyclic or pathological membership graphs.
const DefaultMaxGroupDepth = 32

// ParentsFunc returns, for each member id, the ids of the groups that
// directly contain it. Members with no groups may be absent from the map.
type ParentsFunc func(ctx context.Context, memberIDs []int64) (map[int64][]int64, error)

// ComputeGroupClosure computes the transitive group closure of the start
// subjects: every group reachable over membership edges, with the depth at
// which it was first reached.
//
// The walk is breadth-first, one ParentsFunc call per level, so a store can
// answer each level with a single query. Visited groups are not expanded
// again, which makes cycles harmless. The start subjects themselves are not
// part of the result unless a cycle leads back to them.
func ComputeGroupClosure(ctx context.Context, start []int64, parents ParentsFunc, maxDepth int) (map[int64]int, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxGroupDepth
	}

	result := make(map[int64]int)
	visited := make(map[int64]bool, len(start))
	frontier := make([]int64, 0, len(start))
	for _, id := range start {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edges, err := parents(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []int64
		for _, member := range frontier {
			for _, group := range edges[member] {
				if _, seen := result[group]; !seen {
					result[group] = depth
				}
				if !visited[group] {
					visited[group] = true
					next = append(next, group)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		frontier = next
	}

	return result, nil
}

// Edge is a (group, member) membership relation.
type Edge struct {
	GroupID  int64
	MemberID int64
}

// DetectCycles returns the groups that can reach themselves over
// membership edges, sorted by id.
func DetectCycles(edges []Edge) []int64 {
	up := make(map[int64][]int64)
	for _, e := range edges {
		up[e.MemberID] = append(up[e.MemberID], e.GroupID)
	}
	lookup := func(_ context.Context, ids []int64) (map[int64][]int64, error) {
		out := make(map[int64][]int64, len(ids))
		for _, id := range ids {
			out[id] = up[id]
		}
		return out, nil
	}

	groups := make(map[int64]bool)
	for _, e := range edges {
		groups[e.GroupID] = true
	}

	var cyclic []int64
	for g := range groups {
		closure, _ := ComputeGroupClosure(context.Background(), []int64{g}, lookup, len(groups)+1)
		if _, ok := closure[g]; ok {
			cyclic = append(cyclic, g)
		}
	}
	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i] < cyclic[j] })
	return cyclic
}
