package writer

import (
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs/metadata"
)

func scanAndFinalize(t *testing.T, fsys fs.FS) []*Entry {
	t.Helper()
	s := NewScanner(XXH64)
	require.NoError(t, fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		return s.Add(fsys, path, d, err)
	}))
	return s.Finalize()
}

func TestMetadataBuilderRootIsInodeZero(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt":     {Data: []byte("hello")},
		"dir/b.txt": {Data: []byte("world")},
	}
	entries := scanAndFinalize(t, fsys)

	var regularFiles []RegularFile
	for _, e := range entries {
		if e.isRegular {
			regularFiles = append(regularFiles, RegularFile{
				Entry:  e,
				Chunks: []metadata.Chunk{{Size: uint32(e.size)}},
			})
		}
	}

	mb := NewMetadataBuilder(BuilderOptions{BlockSize: 1 << 20})
	m, err := mb.Build(entries, regularFiles)
	require.NoError(t, err)

	require.Equal(t, uint32(0), m.RankBoundary[0])
	view := metadata.NewView(m)
	root, ok := view.Inode(0)
	require.True(t, ok)
	require.Equal(t, metadata.RankDirectory, root.Rank())
}

func TestMetadataBuilderDirEntriesSortedByName(t *testing.T) {
	fsys := fstest.MapFS{
		"zebra.txt": {Data: []byte("z")},
		"apple.txt": {Data: []byte("a")},
		"mango.txt": {Data: []byte("m")},
	}
	entries := scanAndFinalize(t, fsys)

	var regularFiles []RegularFile
	for _, e := range entries {
		if e.isRegular {
			regularFiles = append(regularFiles, RegularFile{Entry: e, Chunks: []metadata.Chunk{{Size: uint32(e.size)}}})
		}
	}

	mb := NewMetadataBuilder(BuilderOptions{BlockSize: 1 << 20})
	m, err := mb.Build(entries, regularFiles)
	require.NoError(t, err)

	view := metadata.NewView(m)
	root, ok := view.Inode(0)
	require.True(t, ok)
	names, err := view.Readdir(root, 0)
	require.NoError(t, err)

	var names2 []string
	for _, n := range names {
		if n.Name != "." && n.Name != ".." {
			names2 = append(names2, n.Name)
		}
	}
	require.Equal(t, []string{"apple.txt", "mango.txt", "zebra.txt"}, names2)
}

func TestMetadataBuilderSharedFilesTableFollowsDedup(t *testing.T) {
	fsys := fstest.MapFS{
		"a.txt": {Data: []byte("duplicate")},
		"b.txt": {Data: []byte("duplicate")},
	}
	entries := scanAndFinalize(t, fsys)

	var owner *Entry
	for _, e := range entries {
		if e.isRegular && e.sharesWith == nil {
			owner = e
		}
	}
	require.NotNil(t, owner)

	regularFiles := []RegularFile{
		{Entry: owner, Chunks: []metadata.Chunk{{Size: uint32(owner.size)}}},
	}

	mb := NewMetadataBuilder(BuilderOptions{BlockSize: 1 << 20})
	m, err := mb.Build(entries, regularFiles)
	require.NoError(t, err)

	// Both regular files must resolve to the same shared-files-table slot.
	require.Len(t, m.SharedFilesTable, 2)
	require.Equal(t, m.SharedFilesTable[0], m.SharedFilesTable[1])
}

func TestMetadataBuilderSizeCacheThreshold(t *testing.T) {
	fsys := fstest.MapFS{
		"big.bin": {Data: make([]byte, 10)},
	}
	entries := scanAndFinalize(t, fsys)

	var owner *Entry
	for _, e := range entries {
		if e.isRegular {
			owner = e
		}
	}
	require.NotNil(t, owner)

	chunks := []metadata.Chunk{{Size: 5}, {Size: 5}, {Size: 5}}
	regularFiles := []RegularFile{{Entry: owner, Chunks: chunks}}

	mb := NewMetadataBuilder(BuilderOptions{BlockSize: 1 << 20, SizeCacheThreshold: 2})
	m, err := mb.Build(entries, regularFiles)
	require.NoError(t, err)

	require.NotEmpty(t, m.RegFileSizeCache)
	for _, sz := range m.RegFileSizeCache {
		require.Equal(t, uint64(15), sz)
	}
}
