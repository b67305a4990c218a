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

package common

import "errors"

// Root-level failures abort the operation that hit them. Per-entry failures
// (permission, symlink cycles) are recorded on the node and in the scan
// statistics instead of being returned.
var (
	ErrRootNotFound      = errors.New("root not found")
	ErrRootNotADirectory = errors.New("root is not a directory")
	ErrRootUnavailable   = errors.New("root unavailable")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrSymlinkCycle      = errors.New("symlink cycle detected")
	ErrCannotDeleteRoot  = errors.New("cannot delete root")
	ErrNotDirectory      = errors.New("not a directory")
	ErrNodeNotFound      = errors.New("node not found")
	ErrAtRoot            = errors.New("already at root")
	ErrEngineClosed      = errors.New("engine closed")
	ErrNoTree            = errors.New("no tree loaded")
)
