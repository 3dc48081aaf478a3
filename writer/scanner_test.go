package writer

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func walkAll(t *testing.T, s *Scanner, fsys fs.FS) {
	t.Helper()
	require.NoError(t, fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		return s.Add(fsys, path, d, err)
	}))
}

func TestScannerAssignsUniqueInodesByDefault(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt":     {Data: []byte("hello")},
		"dir/b.txt": {Data: []byte("world")},
	}
	s := NewScanner(XXH64)
	walkAll(t, s, fsys)

	entries := s.Finalize()
	seen := map[int]bool{}
	for _, e := range entries {
		require.False(t, seen[e.Inode], "inode %d reused", e.Inode)
		seen[e.Inode] = true
	}
}

func TestScannerDedupsIdenticalContent(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt": {Data: []byte("same content")},
		"b.txt": {Data: []byte("same content")},
		"c.txt": {Data: []byte("different")},
	}
	s := NewScanner(XXH64)
	walkAll(t, s, fsys)

	entries := s.Finalize()
	byPath := map[string]*Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}

	require.Equal(t, byPath["a.txt"].Inode, byPath["b.txt"].Inode)
	require.NotEqual(t, byPath["a.txt"].Inode, byPath["c.txt"].Inode)
}

func TestScannerDistinctSmallFilesGetDistinctInodes(t *testing.T) {
	// Same size, different content, both below startHashThreshold: dedup
	// must fall through to the tier-2 full hash and not collide.
	fsys := fstest.MapFS{
		"a.txt": {Data: []byte("aaaa")},
		"b.txt": {Data: []byte("bbbb")},
	}
	s := NewScanner(XXH64)
	walkAll(t, s, fsys)

	entries := s.Finalize()
	byPath := map[string]*Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	require.NotEqual(t, byPath["a.txt"].Inode, byPath["b.txt"].Inode)
}

func TestScannerNilHashDisablesDedup(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt": {Data: []byte("same")},
		"b.txt": {Data: []byte("same")},
	}
	s := NewScanner(nil)
	walkAll(t, s, fsys)

	entries := s.Finalize()
	byPath := map[string]*Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}
	require.NotEqual(t, byPath["a.txt"].Inode, byPath["b.txt"].Inode)
}

func TestScannerFinalizeOrdersUniqueByPathAndSharedByReversedPath(t *testing.T) {
	fsys := fstest.MapFS{
		"z.txt": {Data: []byte("shared")},
		"a.txt": {Data: []byte("shared")},
		"m.txt": {Data: []byte("unique-m")},
	}
	s := NewScanner(XXH64)
	walkAll(t, s, fsys)

	entries := s.Finalize()
	byPath := map[string]*Entry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}

	// "a.txt" sorts first lexically among the shared pair's content, so it
	// owns the shared inode; "z.txt" must resolve to the same inode.
	require.Equal(t, byPath["a.txt"].Inode, byPath["z.txt"].Inode)
	require.NotEqual(t, byPath["m.txt"].Inode, byPath["a.txt"].Inode)
}

func TestScannerSymlinkTargetResolvedViaReadLink(t *testing.T) {
	fsys := fstest.MapFS{
		"link": {Data: nil, Mode: fs.ModeSymlink},
	}
	s := NewScanner(XXH64)
	s.ReadLink = func(path string) (string, error) {
		return "/etc/passwd", nil
	}
	walkAll(t, s, fsys)

	entries := s.Finalize()
	require.Len(t, entries, 1)
	require.Equal(t, "/etc/passwd", entries[0].SymlinkTarget)
}

func TestScannerInvalidSymlinkReadMarksEntryInvalid(t *testing.T) {
	fsys := fstest.MapFS{
		"link": {Data: nil, Mode: fs.ModeSymlink},
	}
	s := NewScanner(XXH64)
	s.ReadLink = func(path string) (string, error) {
		return "", fs.ErrNotExist
	}
	walkAll(t, s, fsys)

	entries := s.Finalize()
	require.Len(t, entries, 1)
	require.True(t, entries[0].Invalid)
}
