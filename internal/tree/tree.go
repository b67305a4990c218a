// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tree holds the in-memory size model of a scanned directory.
//
// Nodes live in a flat table addressed by NodeID. Each node stores its parent
// as an ID, so upward aggregate recomputation and path reconstruction never
// need owning back-references.
//
// A Tree is not safe for concurrent mutation. The engine owns the live tree
// and hands out clones to readers.
package tree

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"diskmap/internal/common"
)

// Tree is a node table with a single root.
type Tree struct {
	nodes []Node
	free  []NodeID
	root  NodeID
	count int
}

// New creates a tree holding only a root node. rootName is usually the
// absolute path of the scanned directory; Path() of the root returns it.
func New(rootName string, kind Kind, modTime time.Time) *Tree {
	t := &Tree{
		nodes: make([]Node, 0, 64),
		root:  NoNode,
	}
	t.root = t.alloc(Node{
		Name:    rootName,
		Kind:    kind,
		ModTime: modTime,
		Parent:  NoNode,
	})
	t.nodes[t.root].digest = t.computeDigest(t.root)
	return t
}

// Root returns the root node ID
func (t *Tree) Root() NodeID {
	return t.root
}

// Len returns the number of attached nodes
func (t *Tree) Len() int {
	return t.count
}

// Get returns the node with the given ID, or nil if the ID is not attached.
// The pointer is only valid until the next structural change to the tree and
// must not be used to mutate the node.
func (t *Tree) Get(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.nodes) {
		return nil
	}
	n := &t.nodes[id]
	if !n.live {
		return nil
	}
	return n
}

// Contains returns true if id refers to an attached node
func (t *Tree) Contains(id NodeID) bool {
	return t.Get(id) != nil
}

func (t *Tree) alloc(n Node) NodeID {
	n.live = true
	t.count++
	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

// AddChild attaches n under parent and returns its ID. The parent's size and
// ordering are not updated until Finalize or Propagate is called on it.
func (t *Tree) AddChild(parent NodeID, n Node) NodeID {
	if t.Get(parent) == nil {
		panic(fmt.Sprintf("tree: AddChild on detached parent %d", parent))
	}
	n.Parent = parent
	n.Children = nil
	id := t.alloc(n)
	t.nodes[parent].Children = append(t.nodes[parent].Children, id)
	t.nodes[id].digest = t.computeDigest(id)
	return id
}

// Finalize recomputes one node: the aggregate size and child ordering of a
// directory, and the digest of any node. Children must already be final.
func (t *Tree) Finalize(id NodeID) {
	n := t.Get(id)
	if n == nil {
		return
	}
	if n.Aggregates() {
		var total uint64
		for _, c := range n.Children {
			total += t.nodes[c].Size
		}
		n.Size = total
		t.sortChildren(n)
	}
	n.digest = t.computeDigest(id)
}

// FinalizeAll recomputes every node bottom-up.
func (t *Tree) FinalizeAll() {
	var visit func(id NodeID)
	visit = func(id NodeID) {
		for _, c := range t.nodes[id].Children {
			visit(c)
		}
		t.Finalize(id)
	}
	visit(t.root)
}

// Propagate finalizes id and every ancestor up to the root.
func (t *Tree) Propagate(id NodeID) {
	for id != NoNode {
		t.Finalize(id)
		id = t.nodes[id].Parent
	}
}

func (t *Tree) sortChildren(n *Node) {
	slices.SortFunc(n.Children, func(a, b NodeID) int {
		na, nb := &t.nodes[a], &t.nodes[b]
		if c := cmp.Compare(nb.Size, na.Size); c != 0 {
			return c
		}
		return strings.Compare(na.Name, nb.Name)
	})
}

// SetMeta replaces the metadata of a node. Sizes of aggregating nodes are
// recomputed by the next Finalize; the caller is responsible for propagating.
func (t *Tree) SetMeta(id NodeID, m Meta) {
	n := t.Get(id)
	if n == nil {
		return
	}
	n.Kind = m.Kind
	n.Reason = m.Reason
	n.ModTime = m.ModTime
	n.Followed = m.Followed
	n.Truncated = m.Truncated
	if !n.Aggregates() {
		n.Size = m.Size
	}
	n.digest = t.computeDigest(id)
}

// SetMatch sets the search annotation of id. Digests do not cover it.
func (t *Tree) SetMatch(id NodeID, m MatchState) {
	if n := t.Get(id); n != nil {
		n.Match = m
	}
}

// Detach removes id and its subtree without recomputing ancestors.
func (t *Tree) Detach(id NodeID) error {
	n := t.Get(id)
	if n == nil {
		return common.ErrNodeNotFound
	}
	if id == t.root {
		return common.ErrCannotDeleteRoot
	}
	parent := &t.nodes[n.Parent]
	parent.Children = slices.DeleteFunc(parent.Children, func(c NodeID) bool { return c == id })
	t.release(id)
	return nil
}

// Remove detaches id and propagates the size change up to the root.
func (t *Tree) Remove(id NodeID) error {
	n := t.Get(id)
	if n == nil {
		return common.ErrNodeNotFound
	}
	parent := n.Parent
	if err := t.Detach(id); err != nil {
		return err
	}
	t.Propagate(parent)
	return nil
}

// ClearChildren frees every child of id. The node itself stays attached.
func (t *Tree) ClearChildren(id NodeID) {
	n := t.Get(id)
	if n == nil {
		return
	}
	children := n.Children
	t.nodes[id].Children = nil
	for _, c := range children {
		t.release(c)
	}
}

func (t *Tree) release(id NodeID) {
	for _, c := range t.nodes[id].Children {
		t.release(c)
	}
	t.nodes[id] = Node{Parent: NoNode}
	t.free = append(t.free, id)
	t.count--
}

// Graft copies the subtree rooted at srcID in src under parent and returns
// the ID of the copy. Sizes, ordering and digests are copied as-is; the
// caller propagates the change to parent.
func (t *Tree) Graft(parent NodeID, src *Tree, srcID NodeID) NodeID {
	sn := src.Get(srcID)
	if sn == nil {
		return NoNode
	}
	copied := *sn
	id := t.AddChild(parent, copied)
	t.nodes[id].digest = sn.digest
	for _, c := range sn.Children {
		t.Graft(id, src, c)
	}
	return id
}

// Subtree returns a new tree whose root is a copy of id. The new root's name
// is the full path of id so that paths stay absolute.
func (t *Tree) Subtree(id NodeID) *Tree {
	n := t.Get(id)
	if n == nil {
		return nil
	}
	out := New(t.Path(id), n.Kind, n.ModTime)
	root := &out.nodes[out.root]
	root.Reason = n.Reason
	root.Followed = n.Followed
	root.Truncated = n.Truncated
	root.Size = n.Size
	for _, c := range n.Children {
		out.Graft(out.root, t, c)
	}
	out.nodes[out.root].digest = n.digest
	return out
}

// Clone returns a deep copy of the tree. Node IDs are preserved.
func (t *Tree) Clone() *Tree {
	out := &Tree{
		nodes: make([]Node, len(t.nodes)),
		free:  slices.Clone(t.free),
		root:  t.root,
		count: t.count,
	}
	for i := range t.nodes {
		out.nodes[i] = t.nodes[i]
		out.nodes[i].Children = slices.Clone(t.nodes[i].Children)
	}
	return out
}

// Path reconstructs the full path of id by walking parent links.
func (t *Tree) Path(id NodeID) string {
	var parts []string
	for id != NoNode {
		n := t.Get(id)
		if n == nil {
			return ""
		}
		parts = append(parts, n.Name)
		id = n.Parent
	}
	slices.Reverse(parts)
	return filepath.Join(parts...)
}

// RelPath returns the slash separated path of id relative to the root.
func (t *Tree) RelPath(id NodeID) string {
	var parts []string
	for id != NoNode && id != t.root {
		n := t.Get(id)
		if n == nil {
			return ""
		}
		parts = append(parts, n.Name)
		id = n.Parent
	}
	slices.Reverse(parts)
	return strings.Join(parts, "/")
}

// Depth returns the number of edges between the root and id.
func (t *Tree) Depth(id NodeID) int {
	depth := 0
	for {
		n := t.Get(id)
		if n == nil || n.Parent == NoNode {
			return depth
		}
		id = n.Parent
		depth++
	}
}

// ChildByName returns the child of dir with the given name.
func (t *Tree) ChildByName(dir NodeID, name string) NodeID {
	n := t.Get(dir)
	if n == nil {
		return NoNode
	}
	for _, c := range n.Children {
		if t.nodes[c].Name == name {
			return c
		}
	}
	return NoNode
}

// Lookup resolves a slash separated path relative to the root.
func (t *Tree) Lookup(rel string) (NodeID, bool) {
	id := t.root
	for _, part := range common.SplitPath(rel) {
		id = t.ChildByName(id, part)
		if id == NoNode {
			return NoNode, false
		}
	}
	return id, true
}

// LookupPath resolves an absolute path below the root's path.
func (t *Tree) LookupPath(path string) (NodeID, bool) {
	rel, ok := common.RelativeTo(t.Path(t.root), path)
	if !ok {
		return NoNode, false
	}
	return t.Lookup(rel)
}

// Walk visits id and its descendants pre-order in presentation order. fn
// returns false to skip the children of the visited node.
func (t *Tree) Walk(id NodeID, fn func(id NodeID, n *Node, depth int) bool) {
	var visit func(id NodeID, depth int)
	visit = func(id NodeID, depth int) {
		n := t.Get(id)
		if n == nil {
			return
		}
		if !fn(id, n, depth) {
			return
		}
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	visit(id, 0)
}

// Digest returns the fingerprint of the subtree rooted at id. Two subtrees
// with equal digests have, with overwhelming probability, identical names,
// kinds, sizes and modification times throughout.
func (t *Tree) Digest(id NodeID) uint64 {
	n := t.Get(id)
	if n == nil {
		return 0
	}
	return n.digest
}

func (t *Tree) computeDigest(id NodeID) uint64 {
	n := &t.nodes[id]
	d := xxhash.New()
	var buf [8]byte
	_, _ = d.WriteString(n.Name)
	flags := byte(0)
	if n.Followed {
		flags |= 1
	}
	if n.Truncated {
		flags |= 2
	}
	_, _ = d.Write([]byte{0, byte(n.Kind), byte(n.Reason), flags})
	binary.LittleEndian.PutUint64(buf[:], n.Size)
	_, _ = d.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(n.ModTime.UnixNano()))
	_, _ = d.Write(buf[:])
	for _, c := range n.Children {
		binary.LittleEndian.PutUint64(buf[:], t.nodes[c].digest)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
