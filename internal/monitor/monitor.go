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

// Package monitor keeps a live tree in step with the disk.
//
// A Monitor re-walks its scope on a timer and hands each fresh walk to a
// Sink. The owner of the live tree diffs the result with Compute and merges
// it with Diff.Apply; the monitor itself never touches the live tree.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"diskmap/internal/common"
	"diskmap/internal/scan"
	"diskmap/internal/tree"
)

// DefaultInterval is used when Options.Interval is not positive.
const DefaultInterval = 5 * time.Second

// Cycle is the outcome of one monitoring walk.
type Cycle struct {
	Scope      string // absolute path that was walked
	Generation uint64 // generation current when the walk started
	Fresh      *tree.Tree
	Stats      scan.Statistics
	Err        error // wraps common.ErrRootUnavailable; the monitor has stopped
}

// Sink receives cycles on the monitor goroutine. It must not call Stop or
// CancelInFlight.
type Sink func(Cycle)

// Options configures a Monitor.
type Options struct {
	Request  scan.ScanRequest
	Interval time.Duration
	Scope    string // defaults to Request.Root
	Paused   bool
}

// Monitor periodically re-walks a directory. At most one walk is in flight;
// a walk that is cancelled never reaches the sink.
type Monitor struct {
	walker *scan.Walker
	sink   Sink

	mu         sync.Mutex
	req        scan.ScanRequest
	scope      string
	generation uint64
	interval   time.Duration
	paused     bool
	rescan     bool
	started    bool
	cancelWalk context.CancelFunc
	walkDone   chan struct{}

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a stopped monitor.
func New(walker *scan.Walker, sink Sink, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Scope == "" {
		opts.Scope = opts.Request.Root
	}
	return &Monitor{
		walker:   walker,
		sink:     sink,
		req:      opts.Request,
		scope:    opts.Scope,
		interval: opts.Interval,
		paused:   opts.Paused,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the monitoring goroutine. It runs until Stop is called, ctx
// ends or the root becomes unavailable.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	log.Debugf("[Monitor] started for %s (interval=%v)", m.req.Root, m.interval)
	go m.run(ctx)
}

// Stop cancels any in-flight walk and waits for the monitor goroutine to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.cancel()

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// Done is closed when the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// SetInterval changes the tick interval; the next tick is rescheduled.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
	m.poke()
}

// Interval returns the current tick interval
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Pause stops periodic walks and cancels the one in flight.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.cancel()
}

// Resume restarts periodic walks.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.poke()
}

// Paused returns true while periodic walks are suspended
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Rescan cancels the in-flight walk and runs a new one immediately, even
// while paused.
func (m *Monitor) Rescan() {
	m.mu.Lock()
	m.rescan = true
	m.mu.Unlock()
	m.cancel()
	m.poke()
}

// SetScope narrows (or widens) the walked directory. The in-flight walk, if
// any, covered the old scope and is cancelled.
func (m *Monitor) SetScope(path string) {
	m.mu.Lock()
	changed := m.scope != path
	m.scope = path
	m.mu.Unlock()
	if changed {
		m.cancel()
	}
}

// Scope returns the configured scope. With HardLinksOnce every cycle walks
// the whole root regardless.
func (m *Monitor) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scope
}

// Invalidate records a new generation of the live tree. Walks started under
// an older generation are cancelled; cycles already delivered carry their
// generation so the owner can discard them.
func (m *Monitor) Invalidate(generation uint64) {
	m.mu.Lock()
	m.generation = generation
	m.mu.Unlock()
	m.cancel()
}

// CancelInFlight cancels the running walk, if any, and waits until it has
// been abandoned. After it returns no cycle from that walk reaches the sink.
func (m *Monitor) CancelInFlight() {
	m.mu.Lock()
	cancel, done := m.cancelWalk, m.walkDone
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) cancel() {
	m.mu.Lock()
	if m.cancelWalk != nil {
		m.cancelWalk()
	}
	m.mu.Unlock()
}

func (m *Monitor) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(m.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return

		case <-m.wake:
			m.mu.Lock()
			rescan := m.rescan
			m.rescan = false
			interval := m.interval
			m.mu.Unlock()
			if rescan && !m.cycle(ctx) {
				return
			}
			resetTimer(timer, interval)

		case <-timer.C:
			if !m.Paused() && !m.cycle(ctx) {
				return
			}
			timer.Reset(m.Interval())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// cycle runs one walk and delivers it. It returns false when the monitor must
// stop.
func (m *Monitor) cycle(ctx context.Context) bool {
	m.mu.Lock()
	select {
	case <-m.stop:
		m.mu.Unlock()
		return false
	default:
	}
	req, scope, generation := m.req, m.scope, m.generation
	if req.HardLinks == scan.HardLinksOnce {
		// A scoped walk cannot know which links were already counted
		// outside the scope.
		scope = req.Root
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancelWalk, m.walkDone = cancel, done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cancelWalk, m.walkDone = nil, nil
		m.mu.Unlock()
		cancel()
		close(done)
	}()

	start := time.Now()
	fresh, stats, err := m.walker.WalkSubtree(wctx, req, scope)
	if err != nil && wctx.Err() == nil && scope != req.Root && scan.IsScanError(err) {
		// The scoped directory is gone; fall back to the whole root.
		log.Debugf("[Monitor] scope %s unavailable, rescanning %s", scope, req.Root)
		scope = req.Root
		m.mu.Lock()
		if m.scope != req.Root {
			m.scope = req.Root
		}
		m.mu.Unlock()
		fresh, stats, err = m.walker.Walk(wctx, req)
	}

	if wctx.Err() != nil {
		log.Tracef("[Monitor] walk of %s cancelled", scope)
		return ctx.Err() == nil
	}
	if err != nil {
		log.Warnf("[Monitor] root %s unavailable: %v", req.Root, err)
		m.sink(Cycle{
			Scope:      scope,
			Generation: generation,
			Err:        fmt.Errorf("%w: %w", common.ErrRootUnavailable, err),
		})
		return false
	}

	log.Tracef("[Monitor] walked %s in %v", scope, time.Since(start))
	m.sink(Cycle{Scope: scope, Generation: generation, Fresh: fresh, Stats: stats})
	return true
}

// IsRootUnavailable returns true if err reports a lost monitoring root
func IsRootUnavailable(err error) bool {
	return errors.Is(err, common.ErrRootUnavailable)
}
