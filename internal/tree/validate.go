package tree

import (
	"fmt"
	"strings"
)

// Validate checks the structural invariants of the whole tree: parent links
// match child lists, aggregating nodes hold the sum of their children, child
// order is size descending with ties by name, and names are unique per
// directory.
func (t *Tree) Validate() error {
	if t.Get(t.root) == nil {
		return fmt.Errorf("tree: root %d not attached", t.root)
	}
	if p := t.nodes[t.root].Parent; p != NoNode {
		return fmt.Errorf("tree: root has parent %d", p)
	}
	seen := 0
	var err error
	t.Walk(t.root, func(id NodeID, n *Node, _ int) bool {
		if err != nil {
			return false
		}
		seen++
		if !n.Aggregates() && len(n.Children) > 0 {
			err = fmt.Errorf("tree: %s: %s node has %d children", t.Path(id), n.Kind, len(n.Children))
			return false
		}
		var total uint64
		names := make(map[string]struct{}, len(n.Children))
		for i, c := range n.Children {
			child := t.Get(c)
			if child == nil {
				err = fmt.Errorf("tree: %s: child %d not attached", t.Path(id), c)
				return false
			}
			if child.Parent != id {
				err = fmt.Errorf("tree: %s: child %q has parent %d", t.Path(id), child.Name, child.Parent)
				return false
			}
			if _, dup := names[child.Name]; dup {
				err = fmt.Errorf("tree: %s: duplicate child %q", t.Path(id), child.Name)
				return false
			}
			names[child.Name] = struct{}{}
			total += child.Size
			if i > 0 {
				prev := t.Get(n.Children[i-1])
				if prev.Size < child.Size || (prev.Size == child.Size && strings.Compare(prev.Name, child.Name) > 0) {
					err = fmt.Errorf("tree: %s: children out of order at %q", t.Path(id), child.Name)
					return false
				}
			}
		}
		if n.Aggregates() && n.Size != total {
			err = fmt.Errorf("tree: %s: size %d != sum of children %d", t.Path(id), n.Size, total)
			return false
		}
		if n.Kind == KindInaccessible && n.Size != 0 {
			err = fmt.Errorf("tree: %s: inaccessible node has size %d", t.Path(id), n.Size)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if seen != t.count {
		return fmt.Errorf("tree: %d nodes reachable, %d attached", seen, t.count)
	}
	return nil
}

// Equivalent compares the subtree at aID in a with the subtree at bID in b,
// ignoring node IDs, search annotations and the names of the two roots.
// It returns nil when they are equal, or an error naming the first
// difference found.
func Equivalent(a *Tree, aID NodeID, b *Tree, bID NodeID) error {
	return equivalent(a, aID, b, bID, true)
}

func equivalent(a *Tree, aID NodeID, b *Tree, bID NodeID, isRoot bool) error {
	an, bn := a.Get(aID), b.Get(bID)
	if an == nil || bn == nil {
		return fmt.Errorf("missing node: %v vs %v", an != nil, bn != nil)
	}
	path := a.Path(aID)
	if !isRoot && an.Name != bn.Name {
		return fmt.Errorf("%s: name %q vs %q", path, an.Name, bn.Name)
	}
	am, bm := an.Meta(), bn.Meta()
	if am.Kind != bm.Kind || am.Reason != bm.Reason || am.Size != bm.Size ||
		am.Followed != bm.Followed || am.Truncated != bm.Truncated || !am.ModTime.Equal(bm.ModTime) {
		return fmt.Errorf("%s: meta %+v vs %+v", path, am, bm)
	}
	if len(an.Children) != len(bn.Children) {
		return fmt.Errorf("%s: %d children vs %d", path, len(an.Children), len(bn.Children))
	}
	for i := range an.Children {
		if err := equivalent(a, an.Children[i], b, bn.Children[i], false); err != nil {
			return err
		}
	}
	return nil
}
