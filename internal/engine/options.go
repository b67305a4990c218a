package engine

import (
	"fmt"
	"time"

	"diskmap/internal/deletion"
	"diskmap/internal/layout"
	"diskmap/internal/scan"
	"diskmap/internal/search"
)

// MonitorScope selects what a monitoring cycle re-walks.
type MonitorScope string

const (
	// ScopeView re-walks the directory currently being viewed
	ScopeView MonitorScope = "view"
	// ScopeRoot always re-walks the whole scan root
	ScopeRoot MonitorScope = "root"
)

// ParseMonitorScope validates a scope name. Empty selects ScopeView.
func ParseMonitorScope(s string) (MonitorScope, error) {
	switch MonitorScope(s) {
	case "", ScopeView:
		return ScopeView, nil
	case ScopeRoot:
		return ScopeRoot, nil
	default:
		return "", fmt.Errorf("unknown monitor scope %q (want view or root)", s)
	}
}

type MonitorOptions struct {
	Enabled  bool
	Interval time.Duration
	Scope    MonitorScope
}

// Options configures an Engine.
type Options struct {
	// Walker and Deleter default to the OS file system. When only Walker is
	// set, the deleter uses the walker's file system.
	Walker  *scan.Walker
	Deleter *deletion.Coordinator

	// Defaults supplies the walk settings StartScan does not take as
	// arguments: exclusions, hard-link policy and system-directory skipping.
	Defaults scan.ScanRequest

	Monitor   MonitorOptions
	Layout    layout.Options
	Search    search.Options
	MatchPath bool
}
