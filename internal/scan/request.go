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

package scan

import (
	"errors"
	"fmt"
	"time"
)

// HardLinkPolicy controls how files with several hard links under one root
// are counted.
type HardLinkPolicy string

const (
	// HardLinksCount counts every link at the file's full size
	HardLinksCount HardLinkPolicy = "count"
	// HardLinksOnce counts the first link seen; later links contribute 0
	HardLinksOnce HardLinkPolicy = "once"
)

// ParseHardLinkPolicy validates a policy name. Empty selects HardLinksCount.
func ParseHardLinkPolicy(s string) (HardLinkPolicy, error) {
	switch HardLinkPolicy(s) {
	case "", HardLinksCount:
		return HardLinksCount, nil
	case HardLinksOnce:
		return HardLinksOnce, nil
	default:
		return "", fmt.Errorf("unknown hard link policy %q (want count or once)", s)
	}
}

// ScanRequest configures one walk. It must not change while a walk runs.
type ScanRequest struct {
	Root           string
	MaxDepth       uint // 0 = unlimited
	FollowSymlinks bool
	HardLinks      HardLinkPolicy
	Excludes       []string // gitignore patterns relative to Root
	SkipSystemDirs bool
}

// maxDeniedPaths caps the per-walk list of denied paths kept for display.
const maxDeniedPaths = 256

// Statistics is the immutable summary of one walk.
type Statistics struct {
	FilesScanned     uint64
	DirsScanned      uint64
	PermissionDenied uint64
	SymlinkCycles    uint64
	Errors           uint64
	Excluded         uint64
	HardLinksDeduped uint64
	DeniedPaths      []string // first maxDeniedPaths denied entries
	Elapsed          time.Duration
}

// Skipped returns the number of entries shown as inaccessible.
func (s Statistics) Skipped() uint64 {
	return s.PermissionDenied + s.SymlinkCycles + s.Errors
}

// ScanError is returned when a walk cannot start at its root.
type ScanError struct {
	Root  string
	Err   error // common.ErrRootNotFound or common.ErrRootNotADirectory
	Cause error // underlying file-system error, if any
}

func (e *ScanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("scan %s: %v: %v", e.Root, e.Err, e.Cause)
	}
	return fmt.Sprintf("scan %s: %v", e.Root, e.Err)
}

func (e *ScanError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// IsScanError returns true if err is (or wraps) a ScanError
func IsScanError(err error) bool {
	var se *ScanError
	return errors.As(err, &se)
}
