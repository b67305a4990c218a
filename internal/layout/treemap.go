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

// Package layout computes slice-and-dice treemaps.
//
// Layout is a pure function of a tree and a rectangle. Coordinates stay in
// float64 throughout; snapping to pixels is left to the caller.
package layout

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"diskmap/internal/tree"
)

// Rect is an axis-aligned rectangle.
type Rect struct {
	X, Y, W, H float64
}

// Area returns W*H
func (r Rect) Area() float64 {
	return r.W * r.H
}

func (r Rect) String() string {
	return fmt.Sprintf("(%g,%g %gx%g)", r.X, r.Y, r.W, r.H)
}

// Tile is one placed rectangle. Tiles that stand for several merged small
// siblings have ID tree.NoNode and Merged > 0.
type Tile struct {
	ID     tree.NodeID
	Parent tree.NodeID
	Depth  int // relative to the laid-out node
	Rect   Rect
	Size   uint64
	Merged int
}

// IsOther returns true for a merged "other" bucket
func (t Tile) IsOther() bool {
	return t.Merged > 0
}

// Options bound the recursion.
type Options struct {
	// MinTileArea and MinTileSide stop subdivision of rectangles that are
	// smaller; zero disables the respective check.
	MinTileArea float64
	MinTileSide float64
	// MaxDepth limits the depth of emitted tiles below the laid-out node;
	// zero is unlimited.
	MaxDepth int
	// MergeSmall collapses the run of children whose slices fall under the
	// thresholds into one "other" tile instead of emitting each of them.
	MergeSmall bool
	// Include selects the children that take part; nil includes all.
	Include func(*tree.Node) bool
}

// Layout places id and its descendants into r. Tiles are returned in
// pre-order, a directory before its children, children in presentation
// order. Repeated calls with the same inputs return identical results.
func Layout(t *tree.Tree, id tree.NodeID, r Rect, opts Options) []Tile {
	if t.Get(id) == nil {
		return nil
	}
	p := placer{t: t, opts: opts}
	p.place(id, tree.NoNode, r, 0)
	return p.out
}

// Concurrent is Layout with the top-level children laid out in parallel.
// The result is identical to Layout's.
func Concurrent(ctx context.Context, t *tree.Tree, id tree.NodeID, r Rect, opts Options) ([]Tile, error) {
	n := t.Get(id)
	if n == nil {
		return nil, nil
	}
	root := placer{t: t, opts: opts}
	self := root.tile(id, tree.NoNode, r, 0)
	slots := root.split(id, r, 0)

	parts := make([][]Tile, len(slots))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, s := range slots {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p := placer{t: t, opts: opts}
			if s.other != nil {
				p.out = append(p.out, *s.other)
			} else {
				p.place(s.id, id, s.rect, 1)
			}
			parts[i] = p.out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []Tile{self}
	for _, part := range parts {
		out = append(out, part...)
	}
	return out, nil
}

type placer struct {
	t    *tree.Tree
	opts Options
	out  []Tile
}

// slot is a child placement: a node, or a merged bucket.
type slot struct {
	id    tree.NodeID
	rect  Rect
	other *Tile
}

func (p *placer) tile(id, parent tree.NodeID, r Rect, depth int) Tile {
	return Tile{ID: id, Parent: parent, Depth: depth, Rect: r, Size: p.t.Get(id).Size}
}

func (p *placer) place(id, parent tree.NodeID, r Rect, depth int) {
	p.out = append(p.out, p.tile(id, parent, r, depth))
	for _, s := range p.split(id, r, depth) {
		if s.other != nil {
			p.out = append(p.out, *s.other)
			continue
		}
		p.place(s.id, id, s.rect, depth+1)
	}
}

func (p *placer) tooSmall(r Rect) bool {
	if p.opts.MinTileArea > 0 && r.Area() < p.opts.MinTileArea {
		return true
	}
	return p.opts.MinTileSide > 0 && min(r.W, r.H) < p.opts.MinTileSide
}

// split divides r among the included children of id along r's longer side.
// Ties slice along x.
func (p *placer) split(id tree.NodeID, r Rect, depth int) []slot {
	n := p.t.Get(id)
	if len(n.Children) == 0 || p.tooSmall(r) {
		return nil
	}
	if p.opts.MaxDepth > 0 && depth >= p.opts.MaxDepth {
		return nil
	}

	children := make([]tree.NodeID, 0, len(n.Children))
	var total uint64
	for _, c := range n.Children {
		cn := p.t.Get(c)
		if p.opts.Include != nil && !p.opts.Include(cn) {
			continue
		}
		children = append(children, c)
		total += cn.Size
	}
	if len(children) == 0 {
		return nil
	}

	horizontal := r.W >= r.H
	length := r.H
	if horizontal {
		length = r.W
	}

	slots := make([]slot, 0, len(children))
	offset := 0.0
	for i, c := range children {
		var share float64
		if total == 0 {
			share = 1 / float64(len(children))
		} else {
			share = float64(p.t.Get(c).Size) / float64(total)
		}
		extent := share * length
		if i == len(children)-1 {
			extent = length - offset
		}
		cr := sliceOf(r, horizontal, offset, extent)

		if p.opts.MergeSmall && i > 0 && p.tooSmall(cr) {
			// Children are in size-descending order, so every later slice
			// is at most as large: the rest shares one bucket.
			other := &Tile{
				ID:     tree.NoNode,
				Parent: id,
				Depth:  depth + 1,
				Rect:   sliceOf(r, horizontal, offset, length-offset),
				Merged: len(children) - i,
			}
			for _, rest := range children[i:] {
				other.Size += p.t.Get(rest).Size
			}
			if other.Merged == 1 {
				slots = append(slots, slot{id: c, rect: other.Rect})
			} else {
				slots = append(slots, slot{other: other})
			}
			return slots
		}

		slots = append(slots, slot{id: c, rect: cr})
		offset += extent
	}
	return slots
}

func sliceOf(r Rect, horizontal bool, offset, extent float64) Rect {
	if horizontal {
		return Rect{X: r.X + offset, Y: r.Y, W: extent, H: r.H}
	}
	return Rect{X: r.X, Y: r.Y + offset, W: r.W, H: extent}
}
