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

package layout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskmap/internal/tree"
)

var epoch = time.Unix(1_700_000_000, 0)

func file(t *tree.Tree, parent tree.NodeID, name string, size uint64) tree.NodeID {
	return t.AddChild(parent, tree.Node{Name: name, Kind: tree.KindFile, Size: size, ModTime: epoch})
}

func dir(t *tree.Tree, parent tree.NodeID, name string) tree.NodeID {
	return t.AddChild(parent, tree.Node{Name: name, Kind: tree.KindDirectory, ModTime: epoch})
}

// abc builds a root holding A=10, B=30, C=60.
func abc() *tree.Tree {
	t := tree.New("/r", tree.KindDirectory, epoch)
	file(t, t.Root(), "A", 10)
	file(t, t.Root(), "B", 30)
	file(t, t.Root(), "C", 60)
	t.FinalizeAll()
	return t
}

func nested() *tree.Tree {
	t := tree.New("/r", tree.KindDirectory, epoch)
	sub := dir(t, t.Root(), "sub")
	file(t, sub, "x", 40)
	file(t, sub, "y", 20)
	deep := dir(t, sub, "deep")
	file(t, deep, "z", 5)
	file(t, deep, "w", 15)
	file(t, t.Root(), "big", 70)
	file(t, t.Root(), "small", 3)
	file(t, t.Root(), "zero", 0)
	t.FinalizeAll()
	return t
}

func name(t *tree.Tree, tile Tile) string {
	if tile.IsOther() {
		return "<other>"
	}
	return t.Get(tile.ID).Name
}

func TestLayoutProportionalSlices(t *testing.T) {
	tr := abc()
	tiles := Layout(tr, tr.Root(), Rect{W: 100, H: 100}, Options{})
	require.Len(t, tiles, 4)

	assert.Equal(t, tr.Root(), tiles[0].ID)
	assert.Equal(t, Rect{W: 100, H: 100}, tiles[0].Rect)

	wantNames := []string{"C", "B", "A"}
	wantX := []float64{0, 60, 90}
	wantW := []float64{60, 30, 10}
	for i, tile := range tiles[1:] {
		assert.Equal(t, wantNames[i], name(tr, tile))
		assert.Equal(t, 1, tile.Depth)
		assert.Equal(t, tr.Root(), tile.Parent)
		assert.InDelta(t, wantX[i], tile.Rect.X, 1e-9)
		assert.InDelta(t, wantW[i], tile.Rect.W, 1e-9)
		assert.Equal(t, 0.0, tile.Rect.Y)
		assert.Equal(t, 100.0, tile.Rect.H)
	}
}

func TestLayoutSlicesAlongLongerSide(t *testing.T) {
	tr := abc()
	tiles := Layout(tr, tr.Root(), Rect{X: 5, Y: 7, W: 50, H: 100}, Options{})
	require.Len(t, tiles, 4)

	c := tiles[1]
	assert.Equal(t, "C", name(tr, c))
	assert.Equal(t, 5.0, c.Rect.X)
	assert.Equal(t, 50.0, c.Rect.W)
	assert.InDelta(t, 7.0, c.Rect.Y, 1e-9)
	assert.InDelta(t, 60.0, c.Rect.H, 1e-9)
	assert.InDelta(t, 67.0, tiles[2].Rect.Y, 1e-9)
}

func TestLayoutTopLevelAreaIsPreserved(t *testing.T) {
	tr := nested()
	r := Rect{W: 640, H: 480}
	tiles := Layout(tr, tr.Root(), r, Options{})

	var area float64
	for _, tile := range tiles {
		if tile.Depth == 1 {
			area += tile.Rect.Area()
		}
	}
	assert.InDelta(t, r.Area(), area, 1e-6)

	// Every directory's children exactly cover it as well.
	byParent := map[tree.NodeID]float64{}
	rects := map[tree.NodeID]Rect{}
	for _, tile := range tiles {
		rects[tile.ID] = tile.Rect
		if tile.Parent != tree.NoNode {
			byParent[tile.Parent] += tile.Rect.Area()
		}
	}
	for parent, sum := range byParent {
		assert.InDelta(t, rects[parent].Area(), sum, 1e-6, tr.Path(parent))
	}
}

func TestLayoutIsDeterministic(t *testing.T) {
	tr := nested()
	r := Rect{W: 333.3, H: 121.7}
	first := Layout(tr, tr.Root(), r, Options{MinTileArea: 10})
	for range 5 {
		assert.Equal(t, first, Layout(tr, tr.Root(), r, Options{MinTileArea: 10}))
	}
}

func TestLayoutPreOrder(t *testing.T) {
	tr := nested()
	tiles := Layout(tr, tr.Root(), Rect{W: 100, H: 100}, Options{})

	var names []string
	for _, tile := range tiles {
		names = append(names, name(tr, tile))
	}
	assert.Equal(t, []string{"/r", "sub", "x", "deep", "w", "z", "y", "big", "small", "zero"}, names)

	// sub is taller than wide, so its children stack vertically.
	assert.Equal(t, "x", name(tr, tiles[2]))
	assert.InDelta(t, tiles[1].Rect.W, tiles[2].Rect.W, 1e-9)
	assert.Less(t, tiles[2].Rect.H, tiles[1].Rect.H)
}

func TestLayoutZeroSizedDirectorySplitsEqually(t *testing.T) {
	tr := tree.New("/r", tree.KindDirectory, epoch)
	file(tr, tr.Root(), "a", 0)
	file(tr, tr.Root(), "b", 0)
	tr.AddChild(tr.Root(), tree.Node{Name: "c", Kind: tree.KindInaccessible, Reason: tree.ReasonPermissionDenied, ModTime: epoch})
	file(tr, tr.Root(), "d", 0)
	tr.FinalizeAll()

	tiles := Layout(tr, tr.Root(), Rect{W: 100, H: 20}, Options{})
	require.Len(t, tiles, 5)
	for _, tile := range tiles[1:] {
		assert.InDelta(t, 25.0, tile.Rect.W, 1e-9)
		assert.Equal(t, 20.0, tile.Rect.H)
	}
}

func TestLayoutStopsBelowThreshold(t *testing.T) {
	tr := nested()
	tiles := Layout(tr, tr.Root(), Rect{W: 100, H: 100}, Options{MinTileSide: 20})

	for _, tile := range tiles {
		if tile.Parent == tree.NoNode {
			continue
		}
		parent := tiles[0].Rect
		for _, p := range tiles {
			if p.ID == tile.Parent {
				parent = p.Rect
			}
		}
		assert.GreaterOrEqual(t, min(parent.W, parent.H), 20.0, "parent of %s was subdivided", name(tr, tile))
	}
}

func TestLayoutMergeSmall(t *testing.T) {
	tr := tree.New("/r", tree.KindDirectory, epoch)
	file(tr, tr.Root(), "a", 90)
	file(tr, tr.Root(), "b", 5)
	file(tr, tr.Root(), "c", 3)
	file(tr, tr.Root(), "d", 2)
	tr.FinalizeAll()

	tiles := Layout(tr, tr.Root(), Rect{W: 100, H: 10}, Options{MinTileSide: 6, MergeSmall: true})
	require.Len(t, tiles, 3)
	assert.Equal(t, "a", name(tr, tiles[1]))

	other := tiles[2]
	assert.True(t, other.IsOther())
	assert.Equal(t, tree.NoNode, other.ID)
	assert.Equal(t, 3, other.Merged)
	assert.Equal(t, uint64(10), other.Size)
	assert.InDelta(t, 90.0, other.Rect.X, 1e-9)
	assert.InDelta(t, 10.0, other.Rect.W, 1e-9)
}

func TestLayoutMaxDepthAndInclude(t *testing.T) {
	tr := nested()
	tiles := Layout(tr, tr.Root(), Rect{W: 100, H: 100}, Options{MaxDepth: 1})
	require.Len(t, tiles, 5)
	for _, tile := range tiles {
		assert.LessOrEqual(t, tile.Depth, 1)
	}

	tiles = Layout(tr, tr.Root(), Rect{W: 100, H: 100}, Options{
		MaxDepth: 1,
		Include:  func(n *tree.Node) bool { return n.Name != "big" },
	})
	require.Len(t, tiles, 4)
	assert.Equal(t, "sub", name(tr, tiles[1]))
	assert.InDelta(t, 100*80.0/83.0, tiles[1].Rect.W, 1e-9)
}

func TestLayoutMissingNode(t *testing.T) {
	tr := abc()
	assert.Nil(t, Layout(tr, 999, Rect{W: 1, H: 1}, Options{}))
}

func TestConcurrentMatchesLayout(t *testing.T) {
	tr := nested()
	r := Rect{W: 1024, H: 768}
	for _, opts := range []Options{{}, {MinTileSide: 30, MergeSmall: true}, {MaxDepth: 2}} {
		got, err := Concurrent(context.Background(), tr, tr.Root(), r, opts)
		require.NoError(t, err)
		assert.Equal(t, Layout(tr, tr.Root(), r, opts), got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Concurrent(ctx, tr, tr.Root(), r, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
