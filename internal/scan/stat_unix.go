//go:build !windows

package scan

import (
	"os"
	"syscall"
)

// statInfo holds platform-specific file identity.
type statInfo struct {
	dev   uint64
	inode uint64
	nlink uint64
	ok    bool // true if platform stat was available
}

// getStatInfo extracts device, inode and link count from file info.
func getStatInfo(info os.FileInfo) statInfo {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok || stat == nil {
		return statInfo{}
	}
	return statInfo{
		dev:   uint64(stat.Dev),
		inode: uint64(stat.Ino),
		nlink: uint64(stat.Nlink),
		ok:    true,
	}
}
