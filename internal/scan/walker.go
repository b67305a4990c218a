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

// Package scan builds node trees from a directory on disk.
//
// A Walker lists directories through a billy.Filesystem, so the same code
// runs against the OS and against in-memory file systems in tests. Walks
// never touch a tree they did not create; callers merge or swap results.
package scan

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"

	"diskmap/internal/common"
	"diskmap/internal/tree"
)

// errVanished marks a directory that disappeared between listing its parent
// and reading it.
var errVanished = errors.New("directory vanished during scan")

const readDirAttempts = 3

// Walker scans directory trees. A Walker is stateless between walks and may
// run several walks concurrently.
type Walker struct {
	fs billy.Filesystem
}

// WalkerOption configures a Walker
type WalkerOption func(*Walker)

// WithFilesystem replaces the OS file system, mainly for tests.
func WithFilesystem(fs billy.Filesystem) WalkerOption {
	return func(w *Walker) {
		if fs != nil {
			w.fs = fs
		}
	}
}

// NewWalker creates a walker over the OS file system unless overridden.
func NewWalker(opts ...WalkerOption) *Walker {
	w := &Walker{fs: OSFilesystem()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OSFilesystem returns a billy view of the whole OS file system. Absolute
// paths are passed through unchanged.
func OSFilesystem() billy.Filesystem {
	return osfs.New(string(filepath.Separator))
}

// Filesystem returns the file system the walker reads.
func (w *Walker) Filesystem() billy.Filesystem {
	return w.fs
}

// CheckRoot verifies that path exists, is a directory and can be listed.
func (w *Walker) CheckRoot(path string) error {
	root, err := common.CleanRoot(path)
	if err != nil {
		return &ScanError{Root: path, Err: common.ErrRootNotFound, Cause: err}
	}
	info, err := w.fs.Stat(root)
	if err != nil {
		return &ScanError{Root: root, Err: common.ErrRootNotFound, Cause: err}
	}
	if !info.IsDir() {
		return &ScanError{Root: root, Err: common.ErrRootNotADirectory}
	}
	if _, err := w.fs.ReadDir(root); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return &ScanError{Root: root, Err: common.ErrPermissionDenied, Cause: err}
		}
		return &ScanError{Root: root, Err: common.ErrRootNotFound, Cause: err}
	}
	return nil
}

// Walk scans req.Root and returns a finalized tree whose root is named by
// the cleaned absolute root path. Unreadable entries become inaccessible
// nodes; the walk only fails when the root itself is unusable or ctx ends.
func (w *Walker) Walk(ctx context.Context, req ScanRequest) (*tree.Tree, Statistics, error) {
	root, err := common.CleanRoot(req.Root)
	if err != nil {
		return nil, Statistics{}, &ScanError{Root: req.Root, Err: common.ErrRootNotFound, Cause: err}
	}
	req.Root = root
	start := time.Now()

	info, err := w.fs.Stat(root)
	if err != nil {
		return nil, Statistics{}, &ScanError{Root: root, Err: common.ErrRootNotFound, Cause: err}
	}
	if !info.IsDir() {
		return nil, Statistics{}, &ScanError{Root: root, Err: common.ErrRootNotADirectory}
	}

	log.Debugf("[Walker] scanning %s (max_depth=%d, follow_symlinks=%v)", root, req.MaxDepth, req.FollowSymlinks)

	s := w.newState(ctx, req)
	s.tree = tree.New(root, tree.KindDirectory, info.ModTime())
	s.stats.DirsScanned++

	key := s.identity(root, info)
	s.ancestors[key] = struct{}{}
	err = s.listDir(s.tree.Root(), root, 0)
	if errors.Is(err, errVanished) {
		return nil, Statistics{}, &ScanError{Root: root, Err: common.ErrRootNotFound}
	}
	if err != nil {
		return nil, Statistics{}, err
	}
	s.tree.Finalize(s.tree.Root())

	s.stats.Elapsed = time.Since(start)
	log.Debugf("[Walker] scanned %s: %d files, %d dirs, %d skipped in %v",
		root, s.stats.FilesScanned, s.stats.DirsScanned, s.stats.Skipped(), s.stats.Elapsed)
	return s.tree, s.stats, nil
}

// WalkSubtree rescans subPath, a directory below req.Root, as if it were
// reached by a full walk of req.Root: the depth limit counts from req.Root
// and the directories between req.Root and subPath are treated as ancestors
// for cycle detection. The returned tree's root is named by subPath.
func (w *Walker) WalkSubtree(ctx context.Context, req ScanRequest, subPath string) (*tree.Tree, Statistics, error) {
	root, err := common.CleanRoot(req.Root)
	if err != nil {
		return nil, Statistics{}, &ScanError{Root: req.Root, Err: common.ErrRootNotFound, Cause: err}
	}
	req.Root = root
	sub := filepath.Clean(subPath)
	rel, ok := common.RelativeTo(root, sub)
	if !ok {
		return nil, Statistics{}, &ScanError{Root: sub, Err: common.ErrRootNotFound,
			Cause: errors.New("path is outside the scan root")}
	}
	if rel == "" {
		return w.Walk(ctx, req)
	}
	start := time.Now()

	linfo, err := w.fs.Lstat(sub)
	if err != nil {
		return nil, Statistics{}, &ScanError{Root: sub, Err: common.ErrRootNotFound, Cause: err}
	}
	info := linfo
	followed := false
	if linfo.Mode()&os.ModeSymlink != 0 {
		if !req.FollowSymlinks {
			return nil, Statistics{}, &ScanError{Root: sub, Err: common.ErrRootNotADirectory}
		}
		if info, err = w.fs.Stat(sub); err != nil {
			return nil, Statistics{}, &ScanError{Root: sub, Err: common.ErrRootNotFound, Cause: err}
		}
		followed = true
	}
	if !info.IsDir() {
		return nil, Statistics{}, &ScanError{Root: sub, Err: common.ErrRootNotADirectory}
	}

	s := w.newState(ctx, req)

	// Seed the ancestor chain root..parent(sub) the way a full walk would
	// have built it on the way down.
	prefix := root
	if pinfo, err := w.fs.Stat(prefix); err == nil {
		s.ancestors[s.identity(prefix, pinfo)] = struct{}{}
	}
	parts := common.SplitPath(rel)
	for _, part := range parts[:len(parts)-1] {
		prefix = w.fs.Join(prefix, part)
		if pinfo, err := w.fs.Stat(prefix); err == nil {
			s.ancestors[s.identity(prefix, pinfo)] = struct{}{}
		}
	}

	kind := tree.KindDirectory
	if followed {
		kind = tree.KindSymlinkDirectory
	}
	s.tree = tree.New(sub, kind, linfo.ModTime())
	if followed {
		s.tree.SetMeta(s.tree.Root(), tree.Meta{Kind: kind, ModTime: linfo.ModTime(), Followed: true})
	}
	s.stats.DirsScanned++

	key := s.identity(sub, info)
	if _, cycle := s.ancestors[key]; cycle {
		s.stats.SymlinkCycles++
		s.tree.SetMeta(s.tree.Root(), tree.Meta{Kind: tree.KindInaccessible, Reason: tree.ReasonSymlinkCycle, ModTime: linfo.ModTime()})
		s.stats.Elapsed = time.Since(start)
		return s.tree, s.stats, nil
	}
	s.ancestors[key] = struct{}{}
	err = s.listDir(s.tree.Root(), sub, len(parts))
	if errors.Is(err, errVanished) {
		return nil, Statistics{}, &ScanError{Root: sub, Err: common.ErrRootNotFound}
	}
	if err != nil {
		return nil, Statistics{}, err
	}
	s.tree.Finalize(s.tree.Root())
	s.stats.Elapsed = time.Since(start)
	log.Tracef("[Walker] rescanned %s in %v", sub, s.stats.Elapsed)
	return s.tree, s.stats, nil
}

// walkState is the per-walk mutable state. It is confined to the goroutine
// running the walk.
type walkState struct {
	ctx       context.Context
	fs        billy.Filesystem
	req       ScanRequest
	filter    Filter
	tree      *tree.Tree
	stats     Statistics
	ancestors map[string]struct{}
	linksSeen map[[2]uint64]struct{}
}

func (w *Walker) newState(ctx context.Context, req ScanRequest) *walkState {
	return &walkState{
		ctx:       ctx,
		fs:        w.fs,
		req:       req,
		filter:    BuildFilter(req.Root, req.Excludes, req.SkipSystemDirs),
		ancestors: make(map[string]struct{}),
		linksSeen: make(map[[2]uint64]struct{}),
	}
}

// identity returns the key used for cycle detection: device and inode when
// the platform exposes them, otherwise the fully resolved path.
func (s *walkState) identity(path string, info os.FileInfo) string {
	if st := getStatInfo(info); st.ok {
		return strconv.FormatUint(st.dev, 10) + ":" + strconv.FormatUint(st.inode, 10)
	}
	return "path:" + s.resolve(path)
}

// resolve follows symlinks in the final element of path, up to a fixed
// number of hops.
func (s *walkState) resolve(path string) string {
	for range 40 {
		info, err := s.fs.Lstat(path)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			break
		}
		target, err := s.fs.Readlink(path)
		if err != nil {
			break
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = filepath.Clean(target)
	}
	return path
}

func (s *walkState) atDepthLimit(depth int) bool {
	return s.req.MaxDepth > 0 && depth >= int(s.req.MaxDepth)
}

// listDir populates the directory node id, found at path and depth, with its
// entries and finalizes their subtrees. It does not finalize id itself.
func (s *walkState) listDir(id tree.NodeID, path string, depth int) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if s.atDepthLimit(depth) {
		m := s.tree.Get(id).Meta()
		m.Truncated = true
		s.tree.SetMeta(id, m)
		return nil
	}

	infos, err := s.readDir(path)
	if err != nil {
		switch {
		case errors.Is(err, errVanished):
			return errVanished
		case errors.Is(err, fs.ErrPermission):
			s.markInaccessible(id, tree.ReasonPermissionDenied)
			s.stats.PermissionDenied++
			if len(s.stats.DeniedPaths) < maxDeniedPaths {
				s.stats.DeniedPaths = append(s.stats.DeniedPaths, path)
			}
			log.Tracef("[Walker] permission denied: %s", path)
		default:
			s.markInaccessible(id, tree.ReasonIOError)
			s.stats.Errors++
			log.Debugf("[Walker] cannot read %s: %v", path, err)
		}
		return nil
	}
	slices.SortFunc(infos, func(a, b os.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})

	for _, info := range infos {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		childPath := s.fs.Join(path, info.Name())
		if s.filter != nil {
			isDir := info.IsDir()
			if rel, ok := common.RelativeTo(s.req.Root, childPath); ok && !s.filter(rel, isDir) {
				s.stats.Excluded++
				continue
			}
		}
		if err := s.visit(id, childPath, info, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// readDir lists path. A listing fails as a whole when a single entry
// disappears while it is read, so not-exist errors are retried as long as the
// directory itself is still there.
func (s *walkState) readDir(path string) ([]os.FileInfo, error) {
	var (
		infos []os.FileInfo
		err   error
	)
	for range readDirAttempts {
		infos, err = s.fs.ReadDir(path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return infos, err
		}
		if _, lerr := s.fs.Lstat(path); lerr != nil {
			return nil, errVanished
		}
	}
	return nil, err
}

func (s *walkState) markInaccessible(id tree.NodeID, reason tree.Reason) {
	n := s.tree.Get(id)
	s.tree.ClearChildren(id)
	s.tree.SetMeta(id, tree.Meta{Kind: tree.KindInaccessible, Reason: reason, ModTime: n.ModTime})
}

// visit adds one entry, described by its lstat info, under parent.
func (s *walkState) visit(parent tree.NodeID, path string, info os.FileInfo, depth int) error {
	name := info.Name()
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return s.visitSymlink(parent, path, info, depth)

	case info.IsDir():
		s.stats.DirsScanned++
		id := s.tree.AddChild(parent, tree.Node{Name: name, Kind: tree.KindDirectory, ModTime: info.ModTime()})
		return s.descend(id, path, info, depth)

	default:
		s.stats.FilesScanned++
		s.tree.AddChild(parent, tree.Node{
			Name:    name,
			Kind:    tree.KindFile,
			Size:    s.fileSize(info),
			ModTime: info.ModTime(),
		})
		return nil
	}
}

func (s *walkState) visitSymlink(parent tree.NodeID, path string, linfo os.FileInfo, depth int) error {
	name := linfo.Name()
	target, statErr := s.fs.Stat(path)
	targetIsDir := statErr == nil && target.IsDir()

	if !s.req.FollowSymlinks || statErr != nil {
		// Dangling links are still listed at their own size.
		kind := tree.KindSymlinkFile
		if targetIsDir {
			kind = tree.KindSymlinkDirectory
		}
		s.stats.FilesScanned++
		s.tree.AddChild(parent, tree.Node{Name: name, Kind: kind, Size: uint64(max(linfo.Size(), 0)), ModTime: linfo.ModTime()})
		return nil
	}

	if !targetIsDir {
		s.stats.FilesScanned++
		s.tree.AddChild(parent, tree.Node{Name: name, Kind: tree.KindSymlinkFile, Size: s.fileSize(target), ModTime: linfo.ModTime()})
		return nil
	}

	if _, cycle := s.ancestors[s.identity(path, target)]; cycle {
		s.stats.SymlinkCycles++
		log.Debugf("[Walker] symlink cycle at %s", path)
		s.tree.AddChild(parent, tree.Node{
			Name:    name,
			Kind:    tree.KindInaccessible,
			Reason:  tree.ReasonSymlinkCycle,
			ModTime: linfo.ModTime(),
		})
		return nil
	}

	s.stats.DirsScanned++
	id := s.tree.AddChild(parent, tree.Node{
		Name:     name,
		Kind:     tree.KindSymlinkDirectory,
		Followed: true,
		ModTime:  linfo.ModTime(),
	})
	return s.descend(id, path, target, depth)
}

// descend lists a directory node while it is on the ancestor chain, then
// finalizes it. A directory that vanished is dropped from the tree.
func (s *walkState) descend(id tree.NodeID, path string, info os.FileInfo, depth int) error {
	key := s.identity(path, info)
	s.ancestors[key] = struct{}{}
	err := s.listDir(id, path, depth)
	delete(s.ancestors, key)

	if errors.Is(err, errVanished) {
		s.stats.DirsScanned--
		return s.tree.Detach(id)
	}
	if err != nil {
		return err
	}
	s.tree.Finalize(id)
	return nil
}

// fileSize applies the hard link policy to a regular file.
func (s *walkState) fileSize(info os.FileInfo) uint64 {
	size := uint64(max(info.Size(), 0))
	if s.req.HardLinks != HardLinksOnce {
		return size
	}
	st := getStatInfo(info)
	if !st.ok || st.nlink <= 1 {
		return size
	}
	key := [2]uint64{st.dev, st.inode}
	if _, seen := s.linksSeen[key]; seen {
		s.stats.HardLinksDeduped++
		return 0
	}
	s.linksSeen[key] = struct{}{}
	return size
}
