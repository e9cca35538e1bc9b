package staging

import (
	"context"
	"fmt"
)

type treeIndex struct {
	children map[string][]int // accepted children by parent id
	synonyms map[string][]int // synonyms by accepted parent id
	top      []int            // roots and orphans in insertion order
	proParte map[string]bool
}

func (s *MemoryStore) buildTreeIndex() treeIndex {
	idx := treeIndex{
		children: make(map[string][]int),
		synonyms: make(map[string][]int),
		proParte: make(map[string]bool),
	}

	accepted := make(map[string]bool)
	synonymCount := make(map[string]int)
	for _, u := range s.usages {
		if u.IsSynonym() {
			synonymCount[u.ID]++
		} else {
			accepted[u.ID] = true
		}
	}
	for id, n := range synonymCount {
		if n > 1 {
			idx.proParte[id] = true
		}
	}

	for i, u := range s.usages {
		if u.ParentID == nil || !accepted[*u.ParentID] {
			idx.top = append(idx.top, i)
			continue
		}
		if u.IsSynonym() {
			idx.synonyms[*u.ParentID] = append(idx.synonyms[*u.ParentID], i)
		} else {
			idx.children[*u.ParentID] = append(idx.children[*u.ParentID], i)
		}
	}

	return idx
}

func (s *MemoryStore) node(i int, idx treeIndex) *Node {
	u := s.usages[i]
	n := &Node{
		Usage:    u,
		Root:     u.ParentID == nil,
		ProParte: idx.proParte[u.ID],
	}
	if ni, ok := s.nameIndex[u.NameID]; ok {
		name := s.names[ni]
		n.Name = &name
	}
	if !u.IsSynonym() {
		n.Vernaculars = s.vernaculars[u.ID]
		n.Distributions = s.distributions[u.ID]
		n.Descriptions = s.descriptions[u.ID]
		n.Media = s.media[u.ID]
		n.ReferenceIDs = s.bibliography[u.ID]
	}
	return n
}

type frame struct {
	usage   int
	node    *Node
	entered bool
}

// WalkTree visits the usages depth first in pre-order. For every accepted
// taxon its synonyms are visited before its children. A pro parte synonym is
// visited once under each of its accepted parents. Usages whose parent does
// not exist are visited at the top level with Root unset, so consumers can
// reject them.
func (s *MemoryStore) WalkTree(ctx context.Context, handler TreeHandler) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.buildTreeIndex()
	visited := make([]bool, len(s.usages))

	stack := make([]frame, 0, 64)
	for i := len(idx.top) - 1; i >= 0; i-- {
		stack = append(stack, frame{usage: idx.top[i]})
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		top := &stack[len(stack)-1]
		if top.entered {
			node := top.node
			stack = stack[:len(stack)-1]
			if err := handler.End(ctx, node); err != nil {
				return err
			}
			continue
		}

		top.entered = true
		top.node = s.node(top.usage, idx)
		visited[top.usage] = true
		node := top.node
		if err := handler.Start(ctx, node); err != nil {
			return err
		}

		if node.Usage.IsSynonym() {
			continue
		}

		// pushed in reverse so that the stack pops them in insertion order
		children := idx.children[node.Usage.ID]
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{usage: children[i]})
		}
		synonyms := idx.synonyms[node.Usage.ID]
		for i := len(synonyms) - 1; i >= 0; i-- {
			stack = append(stack, frame{usage: synonyms[i]})
		}
	}

	for i, seen := range visited {
		if !seen {
			return fmt.Errorf("%w: %s", ErrUnreachableUsage, s.usages[i].ID)
		}
	}
	return nil
}
