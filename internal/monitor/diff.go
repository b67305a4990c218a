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

package monitor

import (
	"path/filepath"
	"slices"
	"strings"

	"diskmap/internal/common"
	"diskmap/internal/tree"
)

// ChangeKind classifies one entry of a Diff
type ChangeKind uint8

const (
	Added ChangeKind = iota
	Removed
	Updated
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Updated:
		return "updated"
	default:
		return "unknown"
	}
}

// Change is one {path, kind} record of a Diff.
type Change struct {
	Path string
	Kind ChangeKind

	live   tree.NodeID // Removed, Updated
	fresh  tree.NodeID // Added, Updated
	parent tree.NodeID // Added: live directory receiving the entry
}

// Diff is the ordered change set between a live subtree and a fresh walk of
// the same directory. Records appear in lock-step traversal order: a
// directory's own record precedes the records of its entries, and entries
// are visited by name.
type Diff struct {
	Scope   string
	Changes []Change

	live  tree.NodeID
	fresh *tree.Tree
}

// Empty returns true if the walk found nothing to apply
func (d Diff) Empty() bool {
	return len(d.Changes) == 0
}

// Counts returns the number of records of each kind.
func (d Diff) Counts() (added, removed, updated int) {
	for _, c := range d.Changes {
		switch c.Kind {
		case Added:
			added++
		case Removed:
			removed++
		case Updated:
			updated++
		}
	}
	return
}

// Paths returns the paths of every record of the given kind.
func (d Diff) Paths(kind ChangeKind) []string {
	var out []string
	for _, c := range d.Changes {
		if c.Kind == kind {
			out = append(out, c.Path)
		}
	}
	return out
}

// Compute diffs the live subtree rooted at liveID against fresh, whose root
// describes the same directory. Neither tree is modified. Subtrees with equal
// digests are skipped without being visited.
func Compute(live *tree.Tree, liveID tree.NodeID, fresh *tree.Tree) Diff {
	d := Diff{
		Scope: live.Path(liveID),
		live:  liveID,
		fresh: fresh,
	}
	ln := live.Get(liveID)
	fn := fresh.Get(fresh.Root())
	if ln == nil || fn == nil {
		return d
	}

	c := &differ{live: live, fresh: fresh}
	lm, fm := ln.Meta(), fn.Meta()
	if !sameShape(lm, fm) {
		// The scope root cannot be removed, so its contents are replaced
		// wholesale and its own metadata updated.
		c.emit(Change{Path: d.Scope, Kind: Updated, live: liveID, fresh: fresh.Root()})
		for _, id := range byName(live, ln.Children) {
			c.emit(Change{Path: filepath.Join(d.Scope, live.Get(id).Name), Kind: Removed, live: id})
		}
		for _, id := range byName(fresh, fn.Children) {
			c.emit(Change{Path: filepath.Join(d.Scope, fresh.Get(id).Name), Kind: Added, fresh: id, parent: liveID})
		}
		d.Changes = c.changes
		return d
	}
	if lm.Size != fm.Size || !lm.ModTime.Equal(fm.ModTime) {
		c.emit(Change{Path: d.Scope, Kind: Updated, live: liveID, fresh: fresh.Root()})
	}
	if ln.Aggregates() {
		c.dir(d.Scope, liveID, fresh.Root())
	}
	d.Changes = c.changes
	return d
}

type differ struct {
	live    *tree.Tree
	fresh   *tree.Tree
	changes []Change
}

func (c *differ) emit(ch Change) {
	c.changes = append(c.changes, ch)
}

// dir compares the entries of two directories that exist on both sides.
func (c *differ) dir(path string, liveDir, freshDir tree.NodeID) {
	ls := byName(c.live, c.live.Get(liveDir).Children)
	fs := byName(c.fresh, c.fresh.Get(freshDir).Children)

	i, j := 0, 0
	for i < len(ls) || j < len(fs) {
		var cmp int
		switch {
		case i == len(ls):
			cmp = 1
		case j == len(fs):
			cmp = -1
		default:
			cmp = strings.Compare(c.live.Get(ls[i]).Name, c.fresh.Get(fs[j]).Name)
		}

		switch {
		case cmp < 0:
			c.emit(Change{Path: filepath.Join(path, c.live.Get(ls[i]).Name), Kind: Removed, live: ls[i]})
			i++
		case cmp > 0:
			c.emit(Change{Path: filepath.Join(path, c.fresh.Get(fs[j]).Name), Kind: Added, fresh: fs[j], parent: liveDir})
			j++
		default:
			c.entry(filepath.Join(path, c.live.Get(ls[i]).Name), ls[i], fs[j])
			i++
			j++
		}
	}
}

// entry compares one entry present on both sides.
func (c *differ) entry(path string, l, f tree.NodeID) {
	if c.live.Digest(l) == c.fresh.Digest(f) {
		return
	}
	ln, fn := c.live.Get(l), c.fresh.Get(f)
	lm, fm := ln.Meta(), fn.Meta()

	if !sameShape(lm, fm) {
		c.emit(Change{Path: path, Kind: Removed, live: l})
		c.emit(Change{Path: path, Kind: Added, fresh: f, parent: ln.Parent})
		return
	}
	if lm.Size != fm.Size || !lm.ModTime.Equal(fm.ModTime) {
		c.emit(Change{Path: path, Kind: Updated, live: l, fresh: f})
	}
	if ln.Aggregates() {
		c.dir(path, l, f)
	}
}

// sameShape reports whether two entries can be updated in place: anything
// that changes whether or how an entry holds children is a replacement.
func sameShape(a, b tree.Meta) bool {
	return a.Kind == b.Kind &&
		a.Reason == b.Reason &&
		a.Followed == b.Followed &&
		a.Truncated == b.Truncated
}

func byName(t *tree.Tree, ids []tree.NodeID) []tree.NodeID {
	out := slices.Clone(ids)
	slices.SortFunc(out, func(a, b tree.NodeID) int {
		return strings.Compare(t.Get(a).Name, t.Get(b).Name)
	})
	return out
}

// Apply merges the diff into live, which must be the tree Compute was given
// and must not have changed since. Only directories on the path from a
// changed entry to the root are recomputed.
func (d Diff) Apply(live *tree.Tree) error {
	if d.Empty() {
		return nil
	}
	if !live.Contains(d.live) {
		return common.ErrNodeNotFound
	}

	dirty := make(map[tree.NodeID]struct{})
	markDirty := func(id tree.NodeID) {
		for id != tree.NoNode {
			if _, ok := dirty[id]; ok {
				return
			}
			dirty[id] = struct{}{}
			id = live.Get(id).Parent
		}
	}

	for _, ch := range d.Changes {
		if ch.Kind != Removed {
			continue
		}
		parent := live.Get(ch.live).Parent
		if err := live.Detach(ch.live); err != nil {
			return err
		}
		markDirty(parent)
	}
	for _, ch := range d.Changes {
		if ch.Kind != Updated {
			continue
		}
		live.SetMeta(ch.live, d.fresh.Get(ch.fresh).Meta())
		markDirty(ch.live)
	}
	for _, ch := range d.Changes {
		if ch.Kind != Added {
			continue
		}
		live.Graft(ch.parent, d.fresh, ch.fresh)
		markDirty(ch.parent)
	}

	order := make([]tree.NodeID, 0, len(dirty))
	depth := make(map[tree.NodeID]int, len(dirty))
	for id := range dirty {
		order = append(order, id)
		depth[id] = live.Depth(id)
	}
	slices.SortFunc(order, func(a, b tree.NodeID) int {
		return depth[b] - depth[a]
	})
	for _, id := range order {
		live.Finalize(id)
	}
	return nil
}
