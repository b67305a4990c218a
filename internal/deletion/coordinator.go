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

// Package deletion removes entries from disk and reconciles the tree.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	log "github.com/sirupsen/logrus"

	"diskmap/internal/common"
	"diskmap/internal/tree"
	"diskmap/internal/util"
)

// Failure is one entry that could not be removed.
type Failure struct {
	Path string
	Err  error
}

// Report describes the outcome of one Delete. Failures only name the entries
// that caused a problem, not the directories left non-empty because of them.
type Report struct {
	Target     string
	Removed    int    // entries removed from disk
	FreedBytes uint64 // size of the nodes detached from the tree
	Failures   []Failure
}

// OK returns true if every entry was removed
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// FailedPaths lists the paths of all failures.
func (r Report) FailedPaths() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Path
	}
	return out
}

// DeleteError is returned when at least one entry could not be removed.
// Entries that were removed are still reflected in the tree.
type DeleteError struct {
	Report Report
}

func (e *DeleteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "delete %s: %d entries could not be removed", e.Report.Target, len(e.Report.Failures))
	for i, f := range e.Report.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Report.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.Path, f.Err)
	}
	return b.String()
}

func (e *DeleteError) Unwrap() []error {
	errs := make([]error, len(e.Report.Failures))
	for i, f := range e.Report.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Coordinator deletes tree entries from a file system.
type Coordinator struct {
	fs           billy.Filesystem
	retryOptions func(context.Context) []retry.Option
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithRetryOptions replaces the retry policy applied to each removal.
func WithRetryOptions(fn func(context.Context) []retry.Option) Option {
	return func(c *Coordinator) {
		c.retryOptions = fn
	}
}

// New creates a coordinator over fs, or over the OS file system when fs is
// nil.
func New(fs billy.Filesystem, opts ...Option) *Coordinator {
	if fs == nil {
		fs = osfs.New(string(filepath.Separator))
	}
	c := &Coordinator{
		fs:           fs,
		retryOptions: util.FileSystemRetryOptions,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delete removes the entry of node id from disk, recursively for
// directories and without following symlinks, then detaches whatever was
// removed from t and recomputes the affected aggregates. The tree root
// cannot be deleted.
func (c *Coordinator) Delete(ctx context.Context, t *tree.Tree, id tree.NodeID) (Report, error) {
	if id == t.Root() {
		return Report{Target: t.Path(id)}, common.ErrCannotDeleteRoot
	}
	n := t.Get(id)
	if n == nil {
		return Report{}, common.ErrNodeNotFound
	}
	target := t.Path(id)
	log.Debugf("[Deletion] deleting %s", target)

	r := &remover{
		ctx:     ctx,
		fs:      c.fs,
		opts:    c.retryOptions(ctx),
		removed: make(map[string]struct{}),
	}
	gone := r.remove(target)

	report := Report{
		Target:   target,
		Removed:  r.count,
		Failures: r.failures,
	}
	if gone {
		report.FreedBytes = n.Size
		if err := t.Remove(id); err != nil {
			return report, err
		}
	} else {
		report.FreedBytes = reconcile(t, id, r.removed)
	}

	if !report.OK() {
		log.Warnf("[Deletion] %s: %d removed, %d failed", target, report.Removed, len(report.Failures))
		return report, &DeleteError{Report: report}
	}
	log.Infof("[Deletion] removed %s (%d entries, %s)", target, report.Removed, common.FormatSize(report.FreedBytes))
	return report, nil
}

// reconcile detaches the topmost removed descendants of id and returns the
// bytes they accounted for.
func reconcile(t *tree.Tree, id tree.NodeID, removed map[string]struct{}) uint64 {
	if len(removed) == 0 {
		return 0
	}
	var detach []tree.NodeID
	t.Walk(id, func(cid tree.NodeID, _ *tree.Node, _ int) bool {
		if cid == id {
			return true
		}
		if _, ok := removed[t.Path(cid)]; ok {
			detach = append(detach, cid)
			return false
		}
		return true
	})

	var freed uint64
	parents := make([]tree.NodeID, 0, len(detach))
	for _, cid := range detach {
		n := t.Get(cid)
		freed += n.Size
		parents = append(parents, n.Parent)
		_ = t.Detach(cid)
	}
	for _, p := range parents {
		t.Propagate(p)
	}
	return freed
}

type remover struct {
	ctx       context.Context
	fs        billy.Filesystem
	opts      []retry.Option
	removed   map[string]struct{}
	count     int
	failures  []Failure
	cancelled bool
}

func (r *remover) fail(path string, err error) {
	r.failures = append(r.failures, Failure{Path: path, Err: err})
	log.Debugf("[Deletion] cannot remove %s: %v", path, err)
}

// remove deletes path post-order and returns true if it no longer exists.
func (r *remover) remove(path string) bool {
	if err := r.ctx.Err(); err != nil {
		if !r.cancelled {
			r.cancelled = true
			r.fail(path, err)
		}
		return false
	}
	info, err := r.fs.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		r.fail(path, err)
		return false
	}

	if info.IsDir() {
		entries, err := util.RetryWithResult(r.ctx, func() ([]os.FileInfo, error) {
			return r.fs.ReadDir(path)
		}, r.opts...)
		if err != nil {
			r.fail(path, err)
			return false
		}
		empty := true
		for _, e := range entries {
			if !r.remove(r.fs.Join(path, e.Name())) {
				empty = false
			}
		}
		if !empty {
			return false
		}
	}

	err = util.Retry(r.ctx, func() error {
		return r.fs.Remove(path)
	}, r.opts...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.fail(path, err)
		return false
	}
	r.removed[path] = struct{}{}
	r.count++
	return true
}
