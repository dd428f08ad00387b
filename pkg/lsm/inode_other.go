//go:build !linux

package lsm

import (
	"errors"
	"os"
)

// inodeOf has no portable equivalent outside Linux's Stat_t; platforms
// without it are out of scope for this local storage manager.
func inodeOf(sb os.FileInfo) (uint64, error) {
	return 0, errors.New("lsm: inode lookup unsupported on this platform")
}
