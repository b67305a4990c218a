//go:build windows

package scan

import "os"

type statInfo struct {
	dev   uint64
	inode uint64
	nlink uint64
	ok    bool
}

// getStatInfo has no inode information to offer on this platform; cycle
// detection falls back to resolved paths and hard links are never merged.
func getStatInfo(os.FileInfo) statInfo {
	return statInfo{}
}
