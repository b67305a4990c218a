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

// Package engine owns the live tree of one scan root.
//
// All tree mutations (installing a scan, merging monitor diffs, deletions,
// search annotation) run on a single actor goroutine. Callers issue
// commands through Engine methods and observe results through Events;
// read access goes through copies returned by Snapshot and Layout.
package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"diskmap/internal/common"
	"diskmap/internal/deletion"
	"diskmap/internal/metrics"
	"diskmap/internal/monitor"
	"diskmap/internal/scan"
	"diskmap/internal/search"
	"diskmap/internal/tree"
)

// state is owned by the actor goroutine.
type state struct {
	tree     *tree.Tree
	scanID   uuid.UUID
	req      scan.ScanRequest
	stats    scan.Statistics
	viewPath string

	// generation changes when the tree is replaced or mutated by anything
	// other than a monitoring diff; cycles walked under an older generation
	// are dropped.
	generation uint64
	// version changes on every mutation.
	version uint64

	query string
	hide  bool

	monitorStopped bool
}

// Engine coordinates walker, monitor, search, layout and deletion around
// one live tree.
type Engine struct {
	opts    Options
	walker  *scan.Walker
	deleter *deletion.Coordinator

	ctx    context.Context // monitor lifetime
	cancel context.CancelFunc

	cmds      chan func()
	emitCh    chan Event
	events    chan Event
	done      chan struct{}
	actorDone chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once

	st state

	monMu    sync.Mutex
	mon      *monitor.Monitor
	paused   bool
	interval time.Duration

	scanMu     sync.Mutex // serializes StartScan
	pendingMu  sync.Mutex
	cancelScan context.CancelFunc

	layouts singleflight.Group
}

// New creates an engine and starts its actor. Close releases it.
func New(opts Options) *Engine {
	if opts.Walker == nil {
		opts.Walker = scan.NewWalker()
	}
	if opts.Deleter == nil {
		opts.Deleter = deletion.New(opts.Walker.Filesystem())
	}
	if opts.Monitor.Interval <= 0 {
		opts.Monitor.Interval = monitor.DefaultInterval
	}
	if opts.Monitor.Scope == "" {
		opts.Monitor.Scope = ScopeView
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:      opts,
		walker:    opts.Walker,
		deleter:   opts.Deleter,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func()),
		emitCh:    make(chan Event),
		events:    make(chan Event),
		done:      make(chan struct{}),
		actorDone: make(chan struct{}),
		pumpDone:  make(chan struct{}),
		paused:    !opts.Monitor.Enabled,
		interval:  opts.Monitor.Interval,
	}
	go e.loop()
	go e.pump()
	return e
}

// Events returns the event stream. Events are buffered without bound so the
// engine never waits for a slow reader; the channel is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Close stops monitoring, cancels a running StartScan and shuts the actor
// down. Methods called afterwards return common.ErrEngineClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.pendingMu.Lock()
		if e.cancelScan != nil {
			e.cancelScan()
		}
		e.pendingMu.Unlock()

		close(e.done)
		<-e.actorDone
		// The actor may have started a monitor while shutting down; it is
		// gone now, so nothing can start another.
		e.stopMonitor()
		e.cancel()
		<-e.pumpDone
		log.Debugf("[Engine] closed")
	})
	return nil
}

func (e *Engine) loop() {
	defer close(e.actorDone)
	for {
		select {
		case fn := <-e.cmds:
			fn()
		case <-e.done:
			return
		}
	}
}

// pump forwards events from the actor to the reader through an unbounded
// queue.
func (e *Engine) pump() {
	defer close(e.pumpDone)
	defer close(e.events)

	var queue []Event
	for {
		var out chan Event
		var next Event
		if len(queue) > 0 {
			out = e.events
			next = queue[0]
		}
		select {
		case ev := <-e.emitCh:
			queue = append(queue, ev)
		case out <- next:
			queue[0] = nil
			queue = queue[1:]
		case <-e.actorDone:
			return
		}
	}
}

// submit hands fn to the actor. fn runs if and only if submit returns nil.
func (e *Engine) submit(fn func()) error {
	select {
	case <-e.done:
		return common.ErrEngineClosed
	default:
	}
	select {
	case e.cmds <- fn:
		return nil
	case <-e.done:
		return common.ErrEngineClosed
	}
}

// call runs fn on the actor and waits for it.
func (e *Engine) call(fn func()) error {
	reply := make(chan struct{})
	if err := e.submit(func() {
		defer close(reply)
		fn()
	}); err != nil {
		return err
	}
	<-reply
	return nil
}

// emit must only be called by the actor.
func (e *Engine) emit(ev Event) {
	e.emitCh <- ev
}

func (e *Engine) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"scan_id": e.st.scanID.String(),
		"root":    e.st.req.Root,
	})
}

// StartScan walks path and, on success, replaces the live tree with the
// result. Any running monitor is stopped first and a StartScan still in
// progress is cancelled. On failure the previous tree, if any, stays live.
func (e *Engine) StartScan(ctx context.Context, path string, maxDepth uint, followSymlinks bool) (*Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.pendingMu.Lock()
	if e.cancelScan != nil {
		e.cancelScan()
	}
	e.cancelScan = cancel
	e.pendingMu.Unlock()

	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	select {
	case <-e.done:
		return nil, common.ErrEngineClosed
	default:
	}
	e.stopMonitor()

	req := e.opts.Defaults
	req.Root = path
	req.MaxDepth = maxDepth
	req.FollowSymlinks = followSymlinks
	req.Excludes = append([]string(nil), e.opts.Defaults.Excludes...)

	id := uuid.New()
	entry := log.WithFields(log.Fields{"scan_id": id.String(), "root": path})
	entry.Infof("[Engine] scan started (max_depth=%d, follow_symlinks=%v)", maxDepth, followSymlinks)

	start := time.Now()
	var t *tree.Tree
	var stats scan.Statistics
	err := e.walker.CheckRoot(path)
	if err == nil {
		t, stats, err = e.walker.Walk(ctx, req)
	}
	metrics.ScanDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		status := "failed"
		if ctx.Err() != nil {
			status = "cancelled"
			entry.Debugf("[Engine] scan cancelled")
		} else {
			entry.Warnf("[Engine] scan failed: %v", err)
		}
		metrics.ScansTotal.WithLabelValues(status).Inc()
		if callErr := e.call(func() {
			e.startMonitor()
			if status == "failed" {
				e.emit(ScanFailed{ScanID: id, Root: path, Err: err})
			}
		}); callErr != nil {
			return nil, callErr
		}
		return nil, err
	}

	metrics.ScansTotal.WithLabelValues("ok").Inc()
	metrics.SkippedEntries.WithLabelValues("permission_denied").Add(float64(stats.PermissionDenied))
	metrics.SkippedEntries.WithLabelValues("symlink_cycle").Add(float64(stats.SymlinkCycles))
	metrics.SkippedEntries.WithLabelValues("io_error").Add(float64(stats.Errors))
	entry.WithFields(log.Fields{
		"files":   stats.FilesScanned,
		"dirs":    stats.DirsScanned,
		"skipped": stats.Skipped(),
		"elapsed": stats.Elapsed,
	}).Infof("[Engine] scan completed")

	req.Root = t.Path(t.Root())
	var snap *Snapshot
	if err := e.call(func() { snap = e.install(id, req, t, stats) }); err != nil {
		return nil, err
	}
	return snap, nil
}

// install replaces the live tree. Actor only.
func (e *Engine) install(id uuid.UUID, req scan.ScanRequest, t *tree.Tree, stats scan.Statistics) *Snapshot {
	prev := e.st
	e.st = state{
		tree:       t,
		scanID:     id,
		req:        req,
		stats:      stats,
		viewPath:   t.Path(t.Root()),
		generation: prev.generation + 1,
		version:    prev.version + 1,
		query:      prev.query,
		hide:       prev.hide,
	}
	e.afterMutation()
	e.startMonitor()

	snap := e.snapshot()
	e.emit(ScanCompleted{ScanID: id, Tree: snap.Tree, Statistics: stats})
	return snap
}

// afterMutation restores derived state once the tree has changed. Actor only.
func (e *Engine) afterMutation() {
	st := &e.st
	e.fixView()
	if st.query != "" {
		search.Match(st.tree, search.Substring(st.query, e.opts.MatchPath), e.opts.Search)
	}
	metrics.TreeNodes.Set(float64(st.tree.Len()))
	metrics.TreeBytes.Set(float64(st.tree.Get(st.tree.Root()).Size))
}

// applyCycle merges one monitoring walk into the live tree. Actor only.
func (e *Engine) applyCycle(c monitor.Cycle) {
	st := &e.st
	if st.tree == nil || c.Generation != st.generation {
		metrics.MonitorCyclesTotal.WithLabelValues("stale").Inc()
		return
	}
	if c.Err != nil {
		metrics.MonitorCyclesTotal.WithLabelValues("failed").Inc()
		e.logger().Warnf("[Engine] monitoring stopped: %v", c.Err)
		st.monitorStopped = true
		e.emit(MonitorStopped{ScanID: st.scanID, Reason: c.Err})
		return
	}

	id, ok := st.tree.LookupPath(c.Scope)
	if !ok {
		metrics.MonitorCyclesTotal.WithLabelValues("stale").Inc()
		return
	}
	if c.Scope == st.req.Root {
		st.stats = c.Stats
	}

	diff := monitor.Compute(st.tree, id, c.Fresh)
	if diff.Empty() {
		metrics.MonitorCyclesTotal.WithLabelValues("unchanged").Inc()
		return
	}
	if err := diff.Apply(st.tree); err != nil {
		// Apply may have stopped half way; the next cycle repairs the
		// entries, the aggregates are repaired now.
		metrics.MonitorCyclesTotal.WithLabelValues("stale").Inc()
		e.logger().Warnf("[Engine] failed to apply diff of %s: %v", c.Scope, err)
		st.tree.FinalizeAll()
		st.version++
		e.afterMutation()
		return
	}
	st.version++

	added, removed, updated := diff.Counts()
	metrics.MonitorCyclesTotal.WithLabelValues("changed").Inc()
	metrics.DiffChangesTotal.WithLabelValues(monitor.Added.String()).Add(float64(added))
	metrics.DiffChangesTotal.WithLabelValues(monitor.Removed.String()).Add(float64(removed))
	metrics.DiffChangesTotal.WithLabelValues(monitor.Updated.String()).Add(float64(updated))
	e.logger().Debugf("[Engine] %s changed: +%d -%d ~%d", c.Scope, added, removed, updated)

	e.afterMutation()
	e.emit(TreeChanged{ScanID: st.scanID, Diff: diff, Version: st.version})
}

// fixView moves the view up to the nearest directory still in the tree.
// Actor only.
func (e *Engine) fixView() {
	st := &e.st
	rootPath := st.tree.Path(st.tree.Root())
	path := st.viewPath
	for {
		if !common.IsWithin(rootPath, path) {
			path = rootPath
			break
		}
		if id, ok := st.tree.LookupPath(path); ok && st.tree.Get(id).Aggregates() {
			break
		}
		if path == rootPath {
			break
		}
		path = filepath.Dir(path)
	}
	if path != st.viewPath {
		e.logger().Debugf("[Engine] view %s is gone, showing %s", st.viewPath, path)
		st.viewPath = path
		e.scopeMonitor()
	}
}

// Delete removes the entry at path from disk and from the tree. Relative
// paths are resolved against the current view. The view directory and its
// ancestors cannot be deleted. A DeletionCompleted event follows every call.
func (e *Engine) Delete(ctx context.Context, path string) (deletion.Report, error) {
	var report deletion.Report
	var derr error
	if err := e.call(func() {
		report, derr = e.delete(ctx, path)
		e.emit(DeletionCompleted{Report: report, Err: derr})
	}); err != nil {
		return deletion.Report{}, err
	}
	return report, derr
}

func (e *Engine) delete(ctx context.Context, path string) (deletion.Report, error) {
	st := &e.st
	if st.tree == nil {
		return deletion.Report{Target: path}, common.ErrNoTree
	}
	target := e.resolve(path)
	if common.IsWithin(target, st.viewPath) {
		metrics.DeletionsTotal.WithLabelValues("refused").Inc()
		return deletion.Report{Target: target}, common.ErrCannotDeleteRoot
	}
	id, ok := st.tree.LookupPath(target)
	if !ok {
		metrics.DeletionsTotal.WithLabelValues("refused").Inc()
		return deletion.Report{Target: target}, common.ErrNodeNotFound
	}

	// Walks that overlap the removal may have listed the entry; both
	// invalidations drop them.
	e.invalidate()
	report, err := e.deleter.Delete(ctx, st.tree, id)
	e.invalidate()
	st.version++
	e.afterMutation()
	metrics.DeletedBytesTotal.Add(float64(report.FreedBytes))

	var de *deletion.DeleteError
	switch {
	case err == nil:
		metrics.DeletionsTotal.WithLabelValues("ok").Inc()
	case errors.As(err, &de):
		metrics.DeletionsTotal.WithLabelValues("partial").Inc()
	default:
		metrics.DeletionsTotal.WithLabelValues("failed").Inc()
	}
	return report, err
}

// invalidate starts a new generation. Actor only.
func (e *Engine) invalidate() {
	e.st.generation++
	gen := e.st.generation
	e.withMonitor(func(m *monitor.Monitor) { m.Invalidate(gen) })
}

// resolve turns a path relative to the view into an absolute one. Actor only.
func (e *Engine) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.st.viewPath, path)
}
