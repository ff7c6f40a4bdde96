package graph

import (
	"context"
	"time"
)

const (
	defaultImpactDepth = 2
	maxImpactDepth     = 5
)

// ImpactNode is one entity reached by an impact walk.
type ImpactNode struct {
	Node             Node          `json:"node"`
	Level            int           `json:"level"`
	RelationshipType EdgeType      `json:"relationship_type"`
	Children         []*ImpactNode `json:"children,omitempty"`
}

type ImpactResult struct {
	Root          Node          `json:"root"`
	Depth         int           `json:"depth"`
	TotalImpacted int           `json:"total_impacted"`
	Tree          []*ImpactNode `json:"tree"`
	// GapCount is the number of reached requirements with no tests or
	// verifies edge.
	GapCount int `json:"gap_count"`
}

// Impact walks active edges breadth-first from rootID up to depth hops and
// returns the reached nodes as a tree. Each node appears once, at the
// level where it was first reached.
func (s *Store) Impact(ctx context.Context, rootID string, depth int) (ImpactResult, error) {
	start := time.Now()
	if depth == 0 {
		depth = defaultImpactDepth
	}
	if depth < 1 || depth > maxImpactDepth {
		return ImpactResult{}, validationError("impact", rootID, "depth %d outside 1..%d", depth, maxImpactDepth)
	}
	root, err := s.GetNode(ctx, rootID, false)
	if err != nil {
		return ImpactResult{}, err
	}

	res := ImpactResult{Root: root, Depth: depth}
	visited := map[string]bool{root.ID: true}
	requirements := []Node{}
	if root.Type == NodeRequirement {
		requirements = append(requirements, root)
	}

	type frontierItem struct {
		id       string
		children *[]*ImpactNode
	}
	frontier := []frontierItem{{id: root.ID, children: &res.Tree}}
	for level := 1; level <= depth && len(frontier) > 0; level++ {
		var next []frontierItem
		for _, item := range frontier {
			edges, err := listEdges(ctx, s.db, item.id, EdgeFilter{Direction: Both})
			if err != nil {
				return ImpactResult{}, err
			}
			for _, e := range edges {
				otherID := e.Other(item.id)
				if visited[otherID] {
					continue
				}
				other, err := s.GetNode(ctx, otherID, false)
				if IsNotFound(err) {
					continue
				}
				if err != nil {
					return ImpactResult{}, err
				}
				visited[otherID] = true
				in := &ImpactNode{Node: other, Level: level, RelationshipType: e.EdgeType}
				*item.children = append(*item.children, in)
				res.TotalImpacted++
				if other.Type == NodeRequirement {
					requirements = append(requirements, other)
				}
				next = append(next, frontierItem{id: otherID, children: &in.Children})
			}
		}
		frontier = next
	}

	for _, req := range requirements {
		covered := false
		for _, typ := range []EdgeType{EdgeTests, EdgeVerifies} {
			edges, err := listEdges(ctx, s.db, req.ID, EdgeFilter{Direction: Both, EdgeType: typ})
			if err != nil {
				return ImpactResult{}, err
			}
			if len(edges) > 0 {
				covered = true
				break
			}
		}
		if !covered {
			res.GapCount++
		}
	}
	if res.Tree == nil {
		res.Tree = []*ImpactNode{}
	}
	s.observe(ctx, "impact", start, nil)
	return res, nil
}
