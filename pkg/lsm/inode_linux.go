//go:build linux

package lsm

import (
	"errors"
	"os"
	"syscall"
)

// inodeOf reads the kernel inode number backing sb, the identity the
// metadata server and filetab key on (§3's gfid derivation path).
func inodeOf(sb os.FileInfo) (uint64, error) {
	st, ok := sb.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, errors.New("lsm: stat_t unavailable for inode lookup")
	}
	return st.Ino, nil
}
