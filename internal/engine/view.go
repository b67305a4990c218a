package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"diskmap/internal/common"
	"diskmap/internal/layout"
	"diskmap/internal/scan"
	"diskmap/internal/search"
	"diskmap/internal/tree"
)

// Snapshot is a read-only copy of the engine state. Node IDs in Tree are
// the IDs of the live tree at Version.
type Snapshot struct {
	ScanID   uuid.UUID
	Root     string
	Tree     *tree.Tree
	View     tree.NodeID
	ViewPath string
	Stats    scan.Statistics
	Version  uint64

	Query           string
	HideNonMatching bool
	MonitorStopped  bool
}

// Frame is a laid-out snapshot. Tile IDs refer to Snapshot.Tree.
type Frame struct {
	*Snapshot
	Rect  layout.Rect
	Tiles []layout.Tile
}

// snapshot copies the live state. Actor only.
func (e *Engine) snapshot() *Snapshot {
	st := &e.st
	view, _ := st.tree.LookupPath(st.viewPath)
	return &Snapshot{
		ScanID:          st.scanID,
		Root:            st.req.Root,
		Tree:            st.tree.Clone(),
		View:            view,
		ViewPath:        st.viewPath,
		Stats:           st.stats,
		Version:         st.version,
		Query:           st.query,
		HideNonMatching: st.hide,
		MonitorStopped:  st.monitorStopped,
	}
}

// Snapshot returns a copy of the live tree and view.
func (e *Engine) Snapshot() (*Snapshot, error) {
	var snap *Snapshot
	var err error
	if callErr := e.call(func() {
		if e.st.tree == nil {
			err = common.ErrNoTree
			return
		}
		snap = e.snapshot()
	}); callErr != nil {
		return nil, callErr
	}
	return snap, err
}

// NavigateInto makes the directory at path the view. Relative paths are
// resolved against the current view. The tree is not rescanned; a
// view-scoped monitor follows the view.
func (e *Engine) NavigateInto(path string) (string, error) {
	return e.navigate(func(st *state) (string, error) {
		target := e.resolve(path)
		id, ok := st.tree.LookupPath(target)
		if !ok {
			return "", fmt.Errorf("%w: %s", common.ErrNodeNotFound, target)
		}
		if !st.tree.Get(id).Aggregates() {
			return "", fmt.Errorf("%w: %s", common.ErrNotDirectory, target)
		}
		return st.tree.Path(id), nil
	})
}

// NavigateUp makes the parent of the view the view.
func (e *Engine) NavigateUp() (string, error) {
	return e.navigate(func(st *state) (string, error) {
		id, _ := st.tree.LookupPath(st.viewPath)
		if id == st.tree.Root() {
			return "", common.ErrAtRoot
		}
		return st.tree.Path(st.tree.Get(id).Parent), nil
	})
}

// ResetToRoot makes the scan root the view.
func (e *Engine) ResetToRoot() (string, error) {
	return e.navigate(func(st *state) (string, error) {
		return st.tree.Path(st.tree.Root()), nil
	})
}

func (e *Engine) navigate(pick func(st *state) (string, error)) (string, error) {
	var view string
	var err error
	if callErr := e.call(func() {
		st := &e.st
		if st.tree == nil {
			err = common.ErrNoTree
			return
		}
		view, err = pick(st)
		if err != nil {
			return
		}
		if view != st.viewPath {
			e.logger().Debugf("[Engine] view %s -> %s", st.viewPath, view)
			st.viewPath = view
			st.version++
			e.scopeMonitor()
		}
	}); callErr != nil {
		return "", callErr
	}
	return view, err
}

// Search annotates the tree with matches of query (case-insensitive
// substring of the name, or of the path when MatchPath is set). An empty
// query clears the annotation. The search is re-applied after every change
// until cleared. hideNonMatching makes Layout drop unmatched nodes.
func (e *Engine) Search(query string, hideNonMatching bool) (search.Result, error) {
	var res search.Result
	var err error
	if callErr := e.call(func() {
		st := &e.st
		st.query, st.hide = query, hideNonMatching
		if st.tree == nil {
			err = common.ErrNoTree
			return
		}
		st.version++
		if query == "" {
			search.Clear(st.tree)
			return
		}
		res = search.Match(st.tree, search.Substring(query, e.opts.MatchPath), e.opts.Search)
	}); callErr != nil {
		return search.Result{}, callErr
	}
	return res, err
}

// Layout lays out the current view into r. Identical concurrent requests
// for the same tree version share one computation; the returned frame is
// shared and must not be modified. ctx only bounds the wait of this caller.
func (e *Engine) Layout(ctx context.Context, r layout.Rect) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var key string
	var snap *Snapshot
	var err error
	if callErr := e.call(func() {
		st := &e.st
		if st.tree == nil {
			err = common.ErrNoTree
			return
		}
		key = fmt.Sprintf("%d|%s|%s", st.version, st.viewPath, r)
		snap = e.snapshot()
	}); callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}

	ch := e.layouts.DoChan(key, func() (any, error) {
		opts := e.opts.Layout
		if snap.HideNonMatching && snap.Query != "" {
			opts.Include = search.Visible
		}
		tiles, err := layout.Concurrent(e.ctx, snap.Tree, snap.View, r, opts)
		if err != nil {
			return nil, err
		}
		return &Frame{Snapshot: snap, Rect: r, Tiles: tiles}, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Frame), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
