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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskmap/internal/scan"
	"diskmap/internal/tree"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
}

func walk(t *testing.T, dir string) *tree.Tree {
	t.Helper()
	tr, _, err := scan.NewWalker().Walk(context.Background(), scan.ScanRequest{Root: dir})
	require.NoError(t, err)
	return tr
}

func TestComputeUnchangedIsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), 10)
	writeFile(t, filepath.Join(dir, "sub", "b"), 20)

	live := walk(t, dir)
	d := Compute(live, live.Root(), walk(t, dir))
	assert.True(t, d.Empty())
	assert.Equal(t, dir, d.Scope)
	assert.NoError(t, d.Apply(live))
}

func TestDiffApplyMatchesFreshWalk(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), 10)
	writeFile(t, filepath.Join(dir, "b"), 30)
	writeFile(t, filepath.Join(dir, "sub", "c"), 60)
	writeFile(t, filepath.Join(dir, "sub", "d"), 5)
	writeFile(t, filepath.Join(dir, "sub", "inner", "e"), 1)
	writeFile(t, filepath.Join(dir, "keep", "k"), 9)

	live := walk(t, dir)
	keepID, _ := live.Lookup("keep")
	keepDigest := live.Digest(keepID)

	require.NoError(t, os.Remove(filepath.Join(dir, "b")))
	writeFile(t, filepath.Join(dir, "sub", "c"), 70)
	writeFile(t, filepath.Join(dir, "sub", "new"), 7)
	writeFile(t, filepath.Join(dir, "newdir", "f"), 3)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "sub", "inner")))

	fresh := walk(t, dir)
	d := Compute(live, live.Root(), fresh)

	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "b"),
		filepath.Join(dir, "sub", "inner"),
	}, d.Paths(Removed))
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "newdir"),
		filepath.Join(dir, "sub", "new"),
	}, d.Paths(Added))
	assert.Contains(t, d.Paths(Updated), filepath.Join(dir, "sub", "c"))
	assert.Contains(t, d.Paths(Updated), filepath.Join(dir, "sub"))
	assert.NotContains(t, d.Paths(Updated), filepath.Join(dir, "keep"))

	require.NoError(t, d.Apply(live))
	require.NoError(t, live.Validate())
	assert.NoError(t, tree.Equivalent(live, live.Root(), fresh, fresh.Root()))
	assert.Equal(t, fresh.Digest(fresh.Root()), live.Digest(live.Root()))
	assert.Equal(t, uint64(10+70+5+7+3+9), live.Get(live.Root()).Size)

	// Untouched subtrees keep their nodes.
	id, _ := live.Lookup("keep")
	assert.Equal(t, keepID, id)
	assert.Equal(t, keepDigest, live.Digest(keepID))
}

func TestDiffRemovedFileShrinksDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "A"), 10)
	writeFile(t, filepath.Join(dir, "B"), 30)

	live := walk(t, dir)
	require.Equal(t, uint64(40), live.Get(live.Root()).Size)

	require.NoError(t, os.Remove(filepath.Join(dir, "B")))
	d := Compute(live, live.Root(), walk(t, dir))
	_, removed, _ := d.Counts()
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{filepath.Join(dir, "B")}, d.Paths(Removed))

	require.NoError(t, d.Apply(live))
	assert.Equal(t, uint64(10), live.Get(live.Root()).Size)
	require.NoError(t, live.Validate())
}

func TestDiffKindChangeIsReplacement(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "x"), 4)

	live := walk(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "x")))
	writeFile(t, filepath.Join(dir, "x", "y"), 8)
	fresh := walk(t, dir)

	d := Compute(live, live.Root(), fresh)
	x := filepath.Join(dir, "x")
	assert.Equal(t, []string{x}, d.Paths(Removed))
	assert.Equal(t, []string{x}, d.Paths(Added))

	require.NoError(t, d.Apply(live))
	require.NoError(t, live.Validate())
	assert.NoError(t, tree.Equivalent(live, live.Root(), fresh, fresh.Root()))
	id, ok := live.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, tree.KindDirectory, live.Get(id).Kind)
}

func TestDiffScopedToSubtree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top"), 1)
	writeFile(t, filepath.Join(dir, "sub", "a"), 10)
	w := scan.NewWalker()
	req := scan.ScanRequest{Root: dir}

	live := walk(t, dir)
	subID, _ := live.Lookup("sub")

	writeFile(t, filepath.Join(dir, "sub", "b"), 25)
	part, _, err := w.WalkSubtree(context.Background(), req, filepath.Join(dir, "sub"))
	require.NoError(t, err)

	d := Compute(live, subID, part)
	assert.Equal(t, filepath.Join(dir, "sub"), d.Scope)
	assert.Equal(t, []string{filepath.Join(dir, "sub", "b")}, d.Paths(Added))

	require.NoError(t, d.Apply(live))
	require.NoError(t, live.Validate())
	full := walk(t, dir)
	assert.NoError(t, tree.Equivalent(live, live.Root(), full, full.Root()))
	assert.Equal(t, uint64(36), live.Get(live.Root()).Size)
}

func TestDiffScopeRootReplaced(t *testing.T) {
	epoch := time.Unix(1_700_000_000, 0)
	live := tree.New("/data", tree.KindDirectory, epoch)
	sub := live.AddChild(live.Root(), tree.Node{Name: "sub", Kind: tree.KindDirectory, ModTime: epoch})
	live.AddChild(sub, tree.Node{Name: "f", Kind: tree.KindFile, Size: 50, ModTime: epoch})
	live.AddChild(live.Root(), tree.Node{Name: "g", Kind: tree.KindFile, Size: 5, ModTime: epoch})
	live.FinalizeAll()

	fresh := tree.New("/data/sub", tree.KindInaccessible, epoch)
	fresh.SetMeta(fresh.Root(), tree.Meta{Kind: tree.KindInaccessible, Reason: tree.ReasonPermissionDenied, ModTime: epoch})

	d := Compute(live, sub, fresh)
	assert.Equal(t, []string{"/data/sub"}, d.Paths(Updated))
	assert.Equal(t, []string{"/data/sub/f"}, d.Paths(Removed))

	require.NoError(t, d.Apply(live))
	require.NoError(t, live.Validate())
	n := live.Get(sub)
	assert.Equal(t, tree.KindInaccessible, n.Kind)
	assert.Empty(t, n.Children)
	assert.Equal(t, uint64(5), live.Get(live.Root()).Size)
}

func TestChangeKindString(t *testing.T) {
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "removed", Removed.String())
	assert.Equal(t, "updated", Updated.String())
}
