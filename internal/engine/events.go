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

package engine

import (
	"github.com/google/uuid"

	"diskmap/internal/deletion"
	"diskmap/internal/monitor"
	"diskmap/internal/scan"
	"diskmap/internal/tree"
)

// Event is a state change reported by the engine
type Event interface {
	isEvent()
}

// ScanCompleted is emitted when StartScan installs a new tree. Tree is a
// read-only copy.
type ScanCompleted struct {
	ScanID     uuid.UUID
	Tree       *tree.Tree
	Statistics scan.Statistics
}

func (ScanCompleted) isEvent() {}

// ScanFailed is emitted when StartScan cannot walk its root
type ScanFailed struct {
	ScanID uuid.UUID
	Root   string
	Err    error
}

func (ScanFailed) isEvent() {}

// TreeChanged is emitted after a non-empty monitoring diff was applied
type TreeChanged struct {
	ScanID  uuid.UUID
	Diff    monitor.Diff
	Version uint64 // tree version after the diff
}

func (TreeChanged) isEvent() {}

// MonitorStopped is emitted when monitoring ends on its own, e.g. because
// the root disappeared.
type MonitorStopped struct {
	ScanID uuid.UUID
	Reason error
}

func (MonitorStopped) isEvent() {}

// DeletionCompleted is emitted after every Delete, successful or not
type DeletionCompleted struct {
	Report deletion.Report
	Err    error
}

func (DeletionCompleted) isEvent() {}
