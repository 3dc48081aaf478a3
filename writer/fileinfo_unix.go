//go:build !windows

package writer

import (
	"io/fs"
	"syscall"
)

// rawIdentity extracts the raw (dev, inode, nlink, uid, gid) a Unix
// os.FileInfo carries in its Sys(), used for hardlink grouping and owner
// interning.
func rawIdentity(fi fs.FileInfo) (dev, ino uint64, nlink, uid, gid uint32, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, 0, 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), uint32(st.Nlink), st.Uid, st.Gid, true
}
