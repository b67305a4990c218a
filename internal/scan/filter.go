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
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// Filter decides whether an entry is kept. relPath is slash separated and
// relative to the scan root.
type Filter func(relPath string, isDir bool) bool

// systemNames are skipped at any depth.
var systemNames = map[string]struct{}{
	"$Recycle.Bin":              {},
	"System Volume Information": {},
}

// rootSystemNames are skipped only directly under the file-system root.
var rootSystemNames = map[string]struct{}{
	"proc": {},
	"sys":  {},
	"dev":  {},
}

// BuildFilter creates a Filter that:
// 1. Skips system entries when skipSystemDirs is set
// 2. Applies gitignore-style exclude patterns relative to root
//
// Returns nil when nothing would ever be excluded.
func BuildFilter(root string, excludes []string, skipSystemDirs bool) Filter {
	var matcher *ignore.GitIgnore
	lines := make([]string, 0, len(excludes))
	for _, line := range excludes {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > 0 {
		matcher = ignore.CompileIgnoreLines(lines...)
		log.Debugf("[Filter] compiled %d exclude patterns for %s", len(lines), root)
	}
	if matcher == nil && !skipSystemDirs {
		return nil
	}
	atFSRoot := filepath.Clean(root) == string(filepath.Separator)

	return func(relPath string, isDir bool) bool {
		if skipSystemDirs {
			name := relPath
			if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
				name = relPath[i+1:]
			}
			if _, skip := systemNames[name]; skip {
				return false
			}
			if atFSRoot && name == relPath {
				if _, skip := rootSystemNames[name]; skip {
					return false
				}
			}
		}

		if matcher != nil {
			checkPath := relPath
			if isDir {
				checkPath = relPath + "/"
			}
			if matcher.MatchesPath(checkPath) {
				return false
			}
		}
		return true
	}
}
