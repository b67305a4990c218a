package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskmap/internal/common"
)

var epoch = time.Unix(1700000000, 0)

// buildSample creates:
//
//	/data
//	├── a (10)
//	├── b (30)
//	└── sub/
//	    ├── c (60)
//	    └── d (5)
func buildSample(t *testing.T) (*Tree, map[string]NodeID) {
	t.Helper()
	tr := New("/data", KindDirectory, epoch)
	ids := map[string]NodeID{}
	ids["a"] = tr.AddChild(tr.Root(), Node{Name: "a", Kind: KindFile, Size: 10, ModTime: epoch})
	ids["b"] = tr.AddChild(tr.Root(), Node{Name: "b", Kind: KindFile, Size: 30, ModTime: epoch})
	ids["sub"] = tr.AddChild(tr.Root(), Node{Name: "sub", Kind: KindDirectory, ModTime: epoch})
	ids["c"] = tr.AddChild(ids["sub"], Node{Name: "c", Kind: KindFile, Size: 60, ModTime: epoch})
	ids["d"] = tr.AddChild(ids["sub"], Node{Name: "d", Kind: KindFile, Size: 5, ModTime: epoch})
	tr.FinalizeAll()
	require.NoError(t, tr.Validate())
	return tr, ids
}

func names(tr *Tree, id NodeID) []string {
	var out []string
	for _, c := range tr.Get(id).Children {
		out = append(out, tr.Get(c).Name)
	}
	return out
}

func TestKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  Kind
		str   string
		isDir bool
	}{
		{KindFile, "file", false},
		{KindDirectory, "dir", true},
		{KindSymlinkFile, "symlink", false},
		{KindSymlinkDirectory, "symlink-dir", true},
		{KindInaccessible, "inaccessible", false},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.str, tt.kind.String())
			assert.Equal(t, tt.isDir, tt.kind.IsDir())
		})
	}
}

func TestReasonErr(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ReasonNone.Err())
	assert.ErrorIs(t, ReasonPermissionDenied.Err(), common.ErrPermissionDenied)
	assert.ErrorIs(t, ReasonSymlinkCycle.Err(), common.ErrSymlinkCycle)
	assert.EqualError(t, ReasonIOError.Err(), ReasonIOError.String())
}

func TestFinalizeAggregatesAndOrders(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	assert.Equal(t, uint64(65), tr.Get(ids["sub"]).Size)
	assert.Equal(t, uint64(105), tr.Get(tr.Root()).Size)
	assert.Equal(t, []string{"sub", "b", "a"}, names(tr, tr.Root()))
	assert.Equal(t, []string{"c", "d"}, names(tr, ids["sub"]))
	assert.Equal(t, 6, tr.Len())
}

func TestOrderingTiesBrokenByName(t *testing.T) {
	t.Parallel()
	tr := New("/r", KindDirectory, epoch)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		tr.AddChild(tr.Root(), Node{Name: name, Kind: KindFile, Size: 7})
	}
	tr.FinalizeAll()
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names(tr, tr.Root()))
}

func TestUnfollowedSymlinkDirKeepsOwnSize(t *testing.T) {
	t.Parallel()
	tr := New("/r", KindDirectory, epoch)
	link := tr.AddChild(tr.Root(), Node{Name: "l", Kind: KindSymlinkDirectory, Size: 12})
	tr.FinalizeAll()

	assert.Equal(t, uint64(12), tr.Get(link).Size)
	assert.Equal(t, uint64(12), tr.Get(tr.Root()).Size)
	require.NoError(t, tr.Validate())
}

func TestPathAndLookup(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	assert.Equal(t, "/data", tr.Path(tr.Root()))
	assert.Equal(t, "/data/sub/c", tr.Path(ids["c"]))
	assert.Equal(t, "sub/c", tr.RelPath(ids["c"]))
	assert.Equal(t, "", tr.RelPath(tr.Root()))
	assert.Equal(t, 2, tr.Depth(ids["c"]))

	id, ok := tr.Lookup("sub/d")
	require.True(t, ok)
	assert.Equal(t, ids["d"], id)

	id, ok = tr.LookupPath("/data/sub")
	require.True(t, ok)
	assert.Equal(t, ids["sub"], id)

	_, ok = tr.Lookup("sub/missing")
	assert.False(t, ok)
	_, ok = tr.LookupPath("/elsewhere/sub")
	assert.False(t, ok)
}

func TestRemovePropagates(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	require.NoError(t, tr.Remove(ids["c"]))
	require.NoError(t, tr.Validate())
	assert.Equal(t, uint64(5), tr.Get(ids["sub"]).Size)
	assert.Equal(t, uint64(45), tr.Get(tr.Root()).Size)
	assert.Equal(t, []string{"b", "a", "sub"}, names(tr, tr.Root()))
	assert.Nil(t, tr.Get(ids["c"]))
	assert.Equal(t, 5, tr.Len())
}

func TestRemoveSubtreeFreesDescendants(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	require.NoError(t, tr.Remove(ids["sub"]))
	require.NoError(t, tr.Validate())
	assert.Equal(t, 3, tr.Len())
	assert.Nil(t, tr.Get(ids["d"]))

	// Freed slots are reused.
	id := tr.AddChild(tr.Root(), Node{Name: "e", Kind: KindFile, Size: 1})
	tr.Propagate(tr.Root())
	assert.Contains(t, []NodeID{ids["sub"], ids["c"], ids["d"]}, id)
	require.NoError(t, tr.Validate())
}

func TestRemoveRoot(t *testing.T) {
	t.Parallel()
	tr, _ := buildSample(t)
	assert.ErrorIs(t, tr.Remove(tr.Root()), common.ErrCannotDeleteRoot)
	assert.ErrorIs(t, tr.Remove(NodeID(999)), common.ErrNodeNotFound)
}

func TestSetMetaAndPropagate(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	before := tr.Digest(tr.Root())
	tr.SetMeta(ids["a"], Meta{Kind: KindFile, Size: 100, ModTime: epoch.Add(time.Second)})
	tr.Propagate(tr.Get(ids["a"]).Parent)

	require.NoError(t, tr.Validate())
	assert.Equal(t, uint64(195), tr.Get(tr.Root()).Size)
	assert.Equal(t, []string{"a", "sub", "b"}, names(tr, tr.Root()))
	assert.NotEqual(t, before, tr.Digest(tr.Root()))
}

func TestGraftAndSubtree(t *testing.T) {
	t.Parallel()
	src, srcIDs := buildSample(t)

	dst := New("/other", KindDirectory, epoch)
	id := dst.Graft(dst.Root(), src, srcIDs["sub"])
	dst.Propagate(dst.Root())

	require.NoError(t, dst.Validate())
	assert.Equal(t, uint64(65), dst.Get(dst.Root()).Size)
	assert.Equal(t, []string{"c", "d"}, names(dst, id))
	assert.Equal(t, src.Digest(srcIDs["sub"]), dst.Digest(id))

	sub := src.Subtree(srcIDs["sub"])
	require.NoError(t, sub.Validate())
	assert.Equal(t, "/data/sub", sub.Path(sub.Root()))
	assert.Equal(t, "/data/sub/c", sub.Path(sub.Get(sub.Root()).Children[0]))
	require.NoError(t, Equivalent(src, srcIDs["sub"], sub, sub.Root()))
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	clone := tr.Clone()
	require.NoError(t, tr.Remove(ids["sub"]))

	require.NoError(t, clone.Validate())
	assert.Equal(t, uint64(105), clone.Get(clone.Root()).Size)
	assert.NotNil(t, clone.Get(ids["c"]))
}

func TestClearChildren(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	tr.ClearChildren(ids["sub"])
	tr.Propagate(ids["sub"])
	require.NoError(t, tr.Validate())
	assert.Equal(t, uint64(0), tr.Get(ids["sub"]).Size)
	assert.Equal(t, 4, tr.Len())
}

func TestWalkSkipsChildren(t *testing.T) {
	t.Parallel()
	tr, _ := buildSample(t)

	var visited []string
	tr.Walk(tr.Root(), func(id NodeID, n *Node, depth int) bool {
		visited = append(visited, n.Name)
		return n.Name != "sub"
	})
	assert.Equal(t, []string{"/data", "sub", "b", "a"}, visited)
}

func TestValidateDetectsBrokenAggregate(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	// 64 keeps sub ahead of b, so only the sums are wrong.
	tr.nodes[ids["sub"]].Size = 64
	err := tr.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum of children")
}

func TestValidateDetectsBrokenOrder(t *testing.T) {
	t.Parallel()
	tr, ids := buildSample(t)

	root := &tr.nodes[tr.Root()]
	root.Children[0], root.Children[1] = ids["b"], ids["sub"]
	err := tr.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "children out of order")
}

func TestEquivalent(t *testing.T) {
	t.Parallel()
	a, _ := buildSample(t)
	b, bIDs := buildSample(t)

	require.NoError(t, Equivalent(a, a.Root(), b, b.Root()))

	b.SetMeta(bIDs["d"], Meta{Kind: KindFile, Size: 6, ModTime: epoch})
	b.Propagate(bIDs["sub"])
	assert.Error(t, Equivalent(a, a.Root(), b, b.Root()))
}

func TestDigestStableAcrossBuilds(t *testing.T) {
	t.Parallel()
	a, _ := buildSample(t)
	b, _ := buildSample(t)
	assert.Equal(t, a.Digest(a.Root()), b.Digest(b.Root()))
}

func TestMatchStateVisible(t *testing.T) {
	t.Parallel()
	assert.True(t, MatchNone.Visible())
	assert.True(t, MatchDirect.Visible())
	assert.True(t, MatchAncestor.Visible())
	assert.True(t, MatchContext.Visible())
	assert.False(t, MatchUnmatched.Visible())
}
