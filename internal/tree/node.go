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

package tree

import (
	"errors"
	"time"

	"diskmap/internal/common"
)

// NodeID addresses a node in a Tree's flat table. IDs are stable while the
// node is attached; freed IDs may be reused by later insertions.
type NodeID int32

// NoNode is the parent of the root and the result of failed lookups.
const NoNode NodeID = -1

// Kind represents the type of a file-system entry
type Kind uint8

const (
	// KindFile is a regular file (or any non-directory entry)
	KindFile Kind = iota
	// KindDirectory is a directory
	KindDirectory
	// KindSymlinkFile is a symbolic link to a non-directory (or a dangling link)
	KindSymlinkFile
	// KindSymlinkDirectory is a symbolic link to a directory
	KindSymlinkDirectory
	// KindInaccessible is an entry that could not be read
	KindInaccessible
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "dir"
	case KindSymlinkFile:
		return "symlink"
	case KindSymlinkDirectory:
		return "symlink-dir"
	case KindInaccessible:
		return "inaccessible"
	default:
		return "unknown"
	}
}

// IsDir returns true for directories and symlinks to directories
func (k Kind) IsDir() bool {
	return k == KindDirectory || k == KindSymlinkDirectory
}

// Reason explains why a node is Inaccessible.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonPermissionDenied
	ReasonSymlinkCycle
	ReasonIOError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonPermissionDenied:
		return "permission denied"
	case ReasonSymlinkCycle:
		return "symlink cycle"
	case ReasonIOError:
		return "i/o error"
	default:
		return "unknown"
	}
}

var errIO = errors.New("i/o error")

// Err returns the error matching r, or nil for ReasonNone.
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonPermissionDenied:
		return common.ErrPermissionDenied
	case ReasonSymlinkCycle:
		return common.ErrSymlinkCycle
	default:
		return errIO
	}
}

// MatchState is the transient search annotation of a node.
type MatchState uint8

const (
	// MatchNone means no search is active
	MatchNone MatchState = iota
	// MatchDirect means the node itself satisfies the predicate
	MatchDirect
	// MatchAncestor means a descendant satisfies the predicate
	MatchAncestor
	// MatchContext means an ancestor directory matched directly
	MatchContext
	// MatchUnmatched means neither the node nor any descendant matches
	MatchUnmatched
)

// Visible reports whether the node should stay visible when non-matching
// nodes are hidden.
func (m MatchState) Visible() bool {
	return m != MatchUnmatched
}

// Node is one file-system entry. Paths are not stored; they are rebuilt from
// parent links (see Tree.Path).
type Node struct {
	Name    string
	Kind    Kind
	Reason  Reason
	Size    uint64
	ModTime time.Time

	// Followed is set on symlink directories whose target was descended into.
	// Their size is the aggregate of their children, like a directory.
	Followed bool
	// Truncated is set on directories that were not listed because the
	// maximum scan depth was reached.
	Truncated bool

	Parent   NodeID
	Children []NodeID // size descending, ties by name

	Match MatchState

	digest uint64
	live   bool
}

// Aggregates reports whether the node's size is the sum of its children.
func (n *Node) Aggregates() bool {
	return n.Kind == KindDirectory || (n.Kind == KindSymlinkDirectory && n.Followed)
}

// Meta is the per-entry metadata that the monitor compares and updates.
type Meta struct {
	Kind      Kind
	Reason    Reason
	Size      uint64
	ModTime   time.Time
	Followed  bool
	Truncated bool
}

// Meta returns the node's comparable metadata.
func (n *Node) Meta() Meta {
	return Meta{
		Kind:      n.Kind,
		Reason:    n.Reason,
		Size:      n.Size,
		ModTime:   n.ModTime,
		Followed:  n.Followed,
		Truncated: n.Truncated,
	}
}
