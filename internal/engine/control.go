package engine

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"diskmap/internal/common"
	"diskmap/internal/monitor"
)

// startMonitor starts monitoring the live tree unless a monitor already
// runs. When monitoring is disabled the monitor starts paused so Rescan
// still works. Actor only.
func (e *Engine) startMonitor() {
	st := &e.st
	if st.tree == nil {
		return
	}
	scope := st.req.Root
	if e.opts.Monitor.Scope == ScopeView {
		scope = st.viewPath
	}

	e.monMu.Lock()
	if e.mon != nil {
		e.monMu.Unlock()
		return
	}
	m := monitor.New(e.walker, e.sink, monitor.Options{
		Request:  st.req,
		Interval: e.interval,
		Scope:    scope,
		Paused:   e.paused,
	})
	m.Invalidate(st.generation)
	e.mon = m
	e.monMu.Unlock()

	st.monitorStopped = false
	m.Start(e.ctx)
}

// stopMonitor stops and forgets the monitor. It waits for the monitor
// goroutine, so it must never run on the actor.
func (e *Engine) stopMonitor() {
	e.monMu.Lock()
	m := e.mon
	e.mon = nil
	e.monMu.Unlock()
	if m != nil {
		m.Stop()
	}
}

// withMonitor calls fn with the current monitor, if any. fn must not block.
func (e *Engine) withMonitor(fn func(m *monitor.Monitor)) {
	e.monMu.Lock()
	defer e.monMu.Unlock()
	if e.mon != nil {
		fn(e.mon)
	}
}

// scopeMonitor points a view-scoped monitor at the current view. Actor only.
func (e *Engine) scopeMonitor() {
	if e.opts.Monitor.Scope != ScopeView {
		return
	}
	view := e.st.viewPath
	e.withMonitor(func(m *monitor.Monitor) { m.SetScope(view) })
}

// sink runs on the monitor goroutine and forwards cycles to the actor.
func (e *Engine) sink(c monitor.Cycle) {
	if err := e.submit(func() { e.applyCycle(c) }); err != nil {
		log.Tracef("[Engine] dropping cycle of %s: %v", c.Scope, err)
	}
}

func (e *Engine) checkOpen() error {
	select {
	case <-e.done:
		return common.ErrEngineClosed
	default:
		return nil
	}
}

// SetMonitorInterval changes the time between monitoring cycles.
func (e *Engine) SetMonitorInterval(d time.Duration) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("invalid monitor interval %v: must be positive", d)
	}
	e.monMu.Lock()
	e.interval = d
	if e.mon != nil {
		e.mon.SetInterval(d)
	}
	e.monMu.Unlock()
	return nil
}

// PauseMonitor suspends periodic cycles and cancels the one in flight. The
// setting carries over to later scans.
func (e *Engine) PauseMonitor() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.monMu.Lock()
	e.paused = true
	if e.mon != nil {
		e.mon.Pause()
	}
	e.monMu.Unlock()
	return nil
}

// ResumeMonitor restarts periodic cycles.
func (e *Engine) ResumeMonitor() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.monMu.Lock()
	e.paused = false
	if e.mon != nil {
		e.mon.Resume()
	}
	e.monMu.Unlock()
	return nil
}

// Rescan cancels the cycle in flight and runs a new one immediately, even
// while paused. Changes arrive as a TreeChanged event.
func (e *Engine) Rescan() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.monMu.Lock()
	defer e.monMu.Unlock()
	if e.mon == nil {
		return common.ErrNoTree
	}
	select {
	case <-e.mon.Done():
		return common.ErrRootUnavailable
	default:
	}
	e.mon.Rescan()
	return nil
}
