//go:build !windows

package writer

import (
	"io/fs"
	"syscall"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

// statInfo is a FileInfo whose Sys() carries a raw stat, so the scanner's
// hardlink grouping can be exercised without touching a real filesystem
// (fstest.MapFS has no notion of link counts).
type statInfo struct {
	name string
	size int64
	sys  *syscall.Stat_t
}

func (i statInfo) Name() string       { return i.name }
func (i statInfo) Size() int64        { return i.size }
func (i statInfo) Mode() fs.FileMode  { return 0644 }
func (i statInfo) ModTime() time.Time { return time.Time{} }
func (i statInfo) IsDir() bool        { return false }
func (i statInfo) Sys() any           { return i.sys }

type statDirEntry struct{ info statInfo }

func (d statDirEntry) Name() string               { return d.info.name }
func (d statDirEntry) IsDir() bool                { return false }
func (d statDirEntry) Type() fs.FileMode          { return 0 }
func (d statDirEntry) Info() (fs.FileInfo, error) { return d.info, nil }

func addWithStat(t *testing.T, s *Scanner, fsys fs.FS, path string, st *syscall.Stat_t, size int64) {
	t.Helper()
	d := statDirEntry{info: statInfo{name: path, size: size, sys: st}}
	require.NoError(t, s.Add(fsys, path, d, nil))
}

func TestScannerGroupsHardlinksByRawInode(t *testing.T) {
	content := []byte("linked content")
	fsys := fstest.MapFS{
		"a/file": {Data: content},
		"c/link": {Data: content},
		"other":  {Data: []byte("something else!")},
	}

	s := NewScanner(XXH64)
	linked := &syscall.Stat_t{Nlink: 2, Ino: 42, Dev: 1}
	addWithStat(t, s, fsys, "a/file", linked, int64(len(content)))
	addWithStat(t, s, fsys, "c/link", linked, int64(len(content)))
	addWithStat(t, s, fsys, "other", &syscall.Stat_t{Nlink: 1, Ino: 43, Dev: 1}, 15)

	entries := s.Finalize()
	byPath := map[string]*Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}

	require.Equal(t, byPath["a/file"].Inode, byPath["c/link"].Inode)
	require.NotEqual(t, byPath["a/file"].Inode, byPath["other"].Inode)
}

// hash_algo=none still honors hardlinks: content dedup is off, but files
// sharing a raw inode number share exactly one image inode.
func TestScannerNilHashStillGroupsHardlinks(t *testing.T) {
	content := []byte("same bytes")
	fsys := fstest.MapFS{
		"x": {Data: content},
		"y": {Data: content},
		"z": {Data: content},
	}

	s := NewScanner(nil)
	linked := &syscall.Stat_t{Nlink: 2, Ino: 7, Dev: 3}
	addWithStat(t, s, fsys, "x", linked, int64(len(content)))
	addWithStat(t, s, fsys, "y", linked, int64(len(content)))
	addWithStat(t, s, fsys, "z", &syscall.Stat_t{Nlink: 1, Ino: 8, Dev: 3}, int64(len(content)))

	entries := s.Finalize()
	byPath := map[string]*Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}

	require.Equal(t, byPath["x"].Inode, byPath["y"].Inode)
	require.NotEqual(t, byPath["x"].Inode, byPath["z"].Inode)
}
