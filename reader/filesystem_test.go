package reader

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/metadata"
)

// buildImage assembles a tiny in-memory image: a root directory containing
// one regular file "hello.txt" whose content is stored uncompressed in a
// single BLOCK section, plus an uncompressed METADATA_V2 section.
func buildImage(t *testing.T, content []byte) []byte {
	t.Helper()

	m := &metadata.Metadata{
		BlockSize:   1 << 20,
		TotalFsSize: uint64(len(content)),
		Options:     metadata.Options{TimeResolutionSec: 1},
		Names:       []string{"hello.txt"},
		Modes:       []uint32{0040755, 0100644},
		Uids:        []uint32{0},
		Gids:        []uint32{0},
		DeviceIDs:   map[uint32]uint64{},
		Chunks:      []metadata.Chunk{{Block: 0, Offset: 0, Size: uint32(len(content))}},
		ChunkTable:  []uint32{0, 1},
		SharedFilesTable: []uint32{0},
		DwarfsVersion:    "test",
		Features:         []string{"none"},
	}
	m.RankBoundary = [5]uint32{0, 1, 1, 2, 2}
	m.Inodes = []metadata.InodeEntry{
		{ModeIndex: 0},
		{ModeIndex: 1},
	}
	m.DirEntries = []metadata.DirEntry{{NameIndex: 0, InodeNum: 1}}
	m.Directories = []metadata.Directory{
		{ParentEntry: 0, FirstEntry: 0, SelfEntry: 0},
		{FirstEntry: 1},
	}
	require.NoError(t, m.Validate())

	var metaBuf bytes.Buffer
	require.NoError(t, m.Encode(&metaBuf))

	var image bytes.Buffer
	sw := dwarfs.NewSectionWriter(&image)

	_, err := sw.WriteSection(dwarfs.BLOCK, dwarfs.CompNone, content)
	require.NoError(t, err)

	_, err = sw.WriteSection(dwarfs.METADATA_V2, dwarfs.CompNone, metaBuf.Bytes())
	require.NoError(t, err)

	require.NoError(t, sw.Finalize())

	return image.Bytes()
}

func TestFilesystemOpenFindReadGetattr(t *testing.T) {
	content := []byte("hello, dwarfs!")
	raw := buildImage(t, content)

	fs, err := Open(bytes.NewReader(raw), int64(len(raw)), Config{})
	require.NoError(t, err)
	defer fs.Close()

	iv, ok := fs.Find("/hello.txt")
	require.True(t, ok)
	assert.True(t, iv.IsRegular())

	st := fs.Getattr(iv)
	assert.Equal(t, uint64(len(content)), st.Size)

	h, err := fs.Open(iv)
	require.NoError(t, err)

	got, err := fs.Read(context.Background(), h, 0, int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	got, err = fs.Read(context.Background(), h, 7, 7)
	require.NoError(t, err)
	assert.Equal(t, content[7:14], got)
}

func TestFilesystemOpendirLeadsToSyntheticEntries(t *testing.T) {
	raw := buildImage(t, []byte("x"))
	fs, err := Open(bytes.NewReader(raw), int64(len(raw)), Config{})
	require.NoError(t, err)
	defer fs.Close()

	root, ok := fs.Find("/")
	require.True(t, ok)

	entries, err := fs.Opendir(root, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, "hello.txt", entries[2].Name)
}

func TestFilesystemCheckReportsNoFailuresForValidImage(t *testing.T) {
	raw := buildImage(t, []byte("checked payload"))
	fs, err := Open(bytes.NewReader(raw), int64(len(raw)), Config{})
	require.NoError(t, err)
	defer fs.Close()

	failed, err := fs.Check(context.Background(), dwarfs.CheckIntegrity, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, failed)
}

func TestFilesystemOpenFSReadsThroughStdlibFS(t *testing.T) {
	content := []byte("via io/fs")
	raw := buildImage(t, content)
	fs, err := Open(bytes.NewReader(raw), int64(len(raw)), Config{})
	require.NoError(t, err)
	defer fs.Close()

	f, err := fs.OpenFS("hello.txt")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, len(content))
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf[:n])
}

func TestFilesystemInfoAsJSONIncludesFeatures(t *testing.T) {
	raw := buildImage(t, []byte("z"))
	fsys, err := Open(bytes.NewReader(raw), int64(len(raw)), Config{})
	require.NoError(t, err)
	defer fsys.Close()

	info, err := fsys.InfoAsJSON()
	require.NoError(t, err)
	assert.Contains(t, string(info), `"none"`)
	assert.Contains(t, string(info), `"dwarfs_version": "test"`)
}

func TestFilesystemStatvfs(t *testing.T) {
	content := []byte("statvfs")
	raw := buildImage(t, content)
	fs, err := Open(bytes.NewReader(raw), int64(len(raw)), Config{})
	require.NoError(t, err)
	defer fs.Close()

	sv := fs.Statvfs()
	assert.True(t, sv.ReadOnly)
	assert.Equal(t, uint64(len(content)), sv.TotalFsSize)
}
