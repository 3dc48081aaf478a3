//go:build fuse

// Package fuse provides a read-only FUSE mount over an open DwarFS image,
// gated behind the fuse build tag. The image is immutable, so every entry
// and attribute is handed to the kernel with a cache timeout and opens are
// tagged FOPEN_KEEP_CACHE.
package fuse

import (
	"context"
	"io/fs"
	"syscall"
	"time"

	gofs "github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/dwarfsgo/dwarfs/metadata"
	"github.com/dwarfsgo/dwarfs/reader"
)

// attrTimeout is the entry/attr validity handed to the kernel; the image
// never changes, so this is purely about kernel cache pressure.
const attrTimeout = time.Second

// node is one inode of the mounted image.
type node struct {
	gofs.Inode
	fsys *reader.Filesystem
	iv   metadata.InodeView
}

var _ = (gofs.NodeGetattrer)((*node)(nil))
var _ = (gofs.NodeLookuper)((*node)(nil))
var _ = (gofs.NodeReaddirer)((*node)(nil))
var _ = (gofs.NodeOpener)((*node)(nil))
var _ = (gofs.NodeReader)((*node)(nil))
var _ = (gofs.NodeReadlinker)((*node)(nil))
var _ = (gofs.NodeStatfser)((*node)(nil))

// pubIno shifts the image's inode numbers (root is 0) into FUSE's number
// space, where the root must be 1 and 0 is reserved.
func pubIno(n uint32) uint64 { return uint64(n) + 1 }

// unixMode converts an fs.FileMode into the raw S_IF* + permission bits
// the kernel expects.
func unixMode(m fs.FileMode) uint32 {
	mode := uint32(m.Perm())
	switch {
	case m.IsDir():
		mode |= syscall.S_IFDIR
	case m&fs.ModeSymlink != 0:
		mode |= syscall.S_IFLNK
	case m&fs.ModeCharDevice == fs.ModeCharDevice:
		mode |= syscall.S_IFCHR
	case m&fs.ModeDevice != 0:
		mode |= syscall.S_IFBLK
	case m&fs.ModeNamedPipe != 0:
		mode |= syscall.S_IFIFO
	case m&fs.ModeSocket != 0:
		mode |= syscall.S_IFSOCK
	default:
		mode |= syscall.S_IFREG
	}
	return mode
}

func (n *node) fillAttr(out *gofuse.Attr) {
	st := n.fsys.Getattr(n.iv)
	out.Ino = pubIno(st.Inode)
	out.Size = st.Size
	out.Blocks = (st.Size + 511) / 512
	out.Mode = unixMode(st.Mode)
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	atime, mtime, ctime := st.Atime, st.Mtime, st.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

func (n *node) Getattr(ctx context.Context, fh gofs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fillAttr(&out.Attr)
	out.SetTimeout(attrTimeout)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*gofs.Inode, syscall.Errno) {
	child, ok := n.fsys.MetadataView().FindChild(n.iv, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	cn := &node{fsys: n.fsys, iv: child}
	cn.fillAttr(&out.Attr)
	out.SetEntryTimeout(attrTimeout)
	out.SetAttrTimeout(attrTimeout)
	stable := gofs.StableAttr{Mode: unixMode(child.Mode()), Ino: pubIno(child.Num)}
	return n.NewInode(ctx, cn, stable), 0
}

func (n *node) Readdir(ctx context.Context) (gofs.DirStream, syscall.Errno) {
	entries, err := n.fsys.Opendir(n.iv, 0)
	if err != nil {
		return nil, syscall.ENOTDIR
	}
	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		iv, ok := n.fsys.FindInode(e.Inode)
		if !ok {
			continue
		}
		out = append(out, gofuse.DirEntry{
			Name: e.Name,
			Ino:  pubIno(e.Inode),
			Mode: unixMode(iv.Mode()),
		})
	}
	return gofs.NewListDirStream(out), 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofs.FileHandle, uint32, syscall.Errno) {
	if _, err := n.fsys.Open(n.iv); err != nil {
		return nil, 0, syscall.EINVAL
	}
	// the image is read-only, so the kernel may keep page cache across opens
	return nil, gofuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, fh gofs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, err := n.fsys.Read(ctx, reader.InodeHandle(n.iv.Num), off, int64(len(dest)))
	if err != nil {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(data), 0
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(n.iv)
	if err != nil {
		return nil, syscall.EINVAL
	}
	return []byte(target), 0
}

func (n *node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	sv := n.fsys.Statvfs()
	out.Bsize = sv.BlockSize
	out.Blocks = (sv.TotalFsSize + uint64(sv.BlockSize) - 1) / uint64(sv.BlockSize)
	out.Files = uint64(sv.InodeCount)
	return 0
}

// Mount mounts fsys read-only at mountpoint and returns the serving FUSE
// server; the caller Wait()s on it and Unmount()s when done.
func Mount(mountpoint string, fsys *reader.Filesystem, debug bool) (*gofuse.Server, error) {
	rootIV, ok := fsys.Find("/")
	if !ok {
		return nil, syscall.EINVAL
	}
	root := &node{fsys: fsys, iv: rootIV}

	opts := &gofs.Options{
		MountOptions: gofuse.MountOptions{
			Name:    "dwarfs",
			FsName:  "dwarfs",
			Debug:   debug,
			Options: []string{"ro"},
		},
	}
	timeout := attrTimeout
	opts.EntryTimeout = &timeout
	opts.AttrTimeout = &timeout

	return gofs.Mount(mountpoint, root, opts)
}
