//go:build windows

package writer

import "io/fs"

// rawIdentity has no raw inode/uid/gid concept on this platform; every
// file is treated as not hardlinked and owned by uid/gid 0.
func rawIdentity(fi fs.FileInfo) (dev, ino uint64, nlink, uid, gid uint32, ok bool) {
	return 0, 0, 1, 0, 0, false
}
