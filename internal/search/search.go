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

// Package search annotates a tree with the result of a name query.
package search

import (
	"path/filepath"
	"strings"

	"diskmap/internal/tree"
)

// Predicate tests one node given its base name and full path.
type Predicate func(name, path string) bool

// Substring matches names (or full paths when matchPath is set) containing
// query, ignoring case. An empty query matches everything.
func Substring(query string, matchPath bool) Predicate {
	q := strings.ToLower(query)
	return func(name, path string) bool {
		if q == "" {
			return true
		}
		subject := name
		if matchPath {
			subject = path
		}
		return strings.Contains(strings.ToLower(subject), q)
	}
}

// Options tunes annotation.
type Options struct {
	// IncludeDescendants marks the contents of a directly matching
	// directory as MatchContext instead of MatchUnmatched.
	IncludeDescendants bool
}

// Result summarizes one Match call.
type Result struct {
	Direct    int
	Ancestors int
	Context   int
	Unmatched int
	// Matches lists direct hits in pre-order.
	Matches []tree.NodeID
}

// Visible returns the number of nodes that stay shown when non-matching
// nodes are hidden.
func (r Result) Visible() int {
	return r.Direct + r.Ancestors + r.Context
}

// Match annotates every node of t. A directory is MatchAncestor when any
// descendant matches, so hits stay reachable with non-matching nodes hidden.
// Sizes and structure are never touched; calling Match again overwrites the
// previous annotation.
func Match(t *tree.Tree, pred Predicate, opts Options) Result {
	m := &matcher{t: t, pred: pred, opts: opts}
	root := t.Root()
	path := t.Path(root)
	m.visit(root, filepath.Base(path), path, false)
	return m.res
}

type matcher struct {
	t    *tree.Tree
	pred Predicate
	opts Options
	res  Result
}

func (m *matcher) visit(id tree.NodeID, name, path string, inHit bool) bool {
	n := m.t.Get(id)
	direct := m.pred(name, path)
	if direct {
		m.res.Matches = append(m.res.Matches, id)
	}

	found := false
	for _, c := range n.Children {
		cn := m.t.Get(c).Name
		if m.visit(c, cn, filepath.Join(path, cn), inHit || direct) {
			found = true
		}
	}

	var state tree.MatchState
	switch {
	case direct:
		state = tree.MatchDirect
		m.res.Direct++
	case found:
		state = tree.MatchAncestor
		m.res.Ancestors++
	case inHit && m.opts.IncludeDescendants:
		state = tree.MatchContext
		m.res.Context++
	default:
		state = tree.MatchUnmatched
		m.res.Unmatched++
	}
	m.t.SetMatch(id, state)
	return direct || found
}

// Clear resets every annotation to MatchNone.
func Clear(t *tree.Tree) {
	t.Walk(t.Root(), func(id tree.NodeID, _ *tree.Node, _ int) bool {
		t.SetMatch(id, tree.MatchNone)
		return true
	})
}

// Visible is a layout filter keeping nodes that are not MatchUnmatched.
func Visible(n *tree.Node) bool {
	return n.Match.Visible()
}
