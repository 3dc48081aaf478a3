package rewriter_test

import (
	"bytes"
	"context"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/reader"
	"github.com/dwarfsgo/dwarfs/rewriter"
	"github.com/dwarfsgo/dwarfs/writer"
)

func buildImage(t *testing.T, fsys fs.FS, opts writer.Options) []byte {
	t.Helper()
	w := writer.New(opts)
	require.NoError(t, fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		return w.Add(fsys, path, d, err)
	}))
	var buf bytes.Buffer
	require.NoError(t, w.Write(context.Background(), fsys, &buf))
	return buf.Bytes()
}

func openImage(t *testing.T, image []byte) *reader.Filesystem {
	t.Helper()
	fsOut, err := reader.Open(bytes.NewReader(image), int64(len(image)), reader.Config{})
	require.NoError(t, err)
	t.Cleanup(fsOut.Close)
	return fsOut
}

func rewriteImage(t *testing.T, image []byte, opts rewriter.Options) []byte {
	t.Helper()
	fsIn := openImage(t, image)
	var out bytes.Buffer
	require.NoError(t, rewriter.Rewrite(context.Background(), fsIn, &out, opts))
	return out.Bytes()
}

func readAll(t *testing.T, fsOut *reader.Filesystem, path string, size int64) []byte {
	t.Helper()
	iv, ok := fsOut.Find(path)
	require.True(t, ok, "path %q not found", path)
	h, err := fsOut.Open(iv)
	require.NoError(t, err)
	data, err := fsOut.Read(context.Background(), h, 0, size)
	require.NoError(t, err)
	return data
}

var testTree = fstest.MapFS{
	"docs/readme.txt": {Data: bytes.Repeat([]byte("read me, please. "), 40)},
	"bin/blob":        {Data: bytes.Repeat([]byte{0xAB, 0xCD, 0xEF, 0x01}, 200)},
	"empty":           {Data: []byte{}},
}

func TestRewritePassthroughPreservesContent(t *testing.T) {
	image := buildImage(t, testTree, writer.Options{
		BlockSize:   256,
		Compression: codec.ZSTD,
		Workers:     2,
	})
	rewritten := rewriteImage(t, image, rewriter.Options{Compression: codec.ZSTD})

	fsOut := openImage(t, rewritten)
	require.Equal(t, testTree["docs/readme.txt"].Data, readAll(t, fsOut, "docs/readme.txt", 1<<20))
	require.Equal(t, testTree["bin/blob"].Data, readAll(t, fsOut, "bin/blob", 1<<20))

	failed, err := fsOut.Check(context.Background(), dwarfs.CheckIntegrity, 2)
	require.NoError(t, err)
	require.Zero(t, failed)
}

func TestRewriteRecompressesBlocks(t *testing.T) {
	image := buildImage(t, testTree, writer.Options{
		BlockSize:   256,
		Compression: codec.None,
		Workers:     1,
	})
	rewritten := rewriteImage(t, image, rewriter.Options{
		RecompressBlock:    true,
		RecompressMetadata: true,
		Compression:        codec.ZSTD,
	})

	fsOut := openImage(t, rewritten)
	for _, s := range fsOut.Sections() {
		if s.Header.Type == dwarfs.BLOCK {
			require.Equal(t, dwarfs.CompZSTD, s.Header.Compression)
		}
	}
	require.Equal(t, testTree["docs/readme.txt"].Data, readAll(t, fsOut, "docs/readme.txt", 1<<20))
	require.Equal(t, testTree["bin/blob"].Data, readAll(t, fsOut, "bin/blob", 1<<20))
}

func TestRewriteChangeBlockSizeSplits(t *testing.T) {
	image := buildImage(t, testTree, writer.Options{
		BlockSize:   256,
		Compression: codec.None,
		Workers:     1,
	})
	fsIn := openImage(t, image)
	oldBlocks := fsIn.NumBlocks()

	rewritten := rewriteImage(t, image, rewriter.Options{
		RecompressBlock:    true,
		RecompressMetadata: true,
		RebuildMetadata:    true,
		ChangeBlockSize:    64,
		Compression:        codec.None,
	})

	fsOut := openImage(t, rewritten)
	require.Greater(t, fsOut.NumBlocks(), oldBlocks)
	require.Equal(t, uint32(64), fsOut.Statvfs().BlockSize)
	require.Equal(t, testTree["docs/readme.txt"].Data, readAll(t, fsOut, "docs/readme.txt", 1<<20))
	require.Equal(t, testTree["bin/blob"].Data, readAll(t, fsOut, "bin/blob", 1<<20))
	require.Empty(t, readAll(t, fsOut, "empty", 16))
}

func TestRewriteChangeBlockSizeMerges(t *testing.T) {
	image := buildImage(t, testTree, writer.Options{
		BlockSize:   64,
		Compression: codec.None,
		Workers:     1,
	})
	fsIn := openImage(t, image)
	oldBlocks := fsIn.NumBlocks()

	rewritten := rewriteImage(t, image, rewriter.Options{
		RecompressBlock:    true,
		RecompressMetadata: true,
		RebuildMetadata:    true,
		ChangeBlockSize:    1024,
		Compression:        codec.None,
	})

	fsOut := openImage(t, rewritten)
	require.Less(t, fsOut.NumBlocks(), oldBlocks)
	require.Equal(t, testTree["docs/readme.txt"].Data, readAll(t, fsOut, "docs/readme.txt", 1<<20))
	require.Equal(t, testTree["bin/blob"].Data, readAll(t, fsOut, "bin/blob", 1<<20))
}

func TestRewriteAppendsHistory(t *testing.T) {
	image := buildImage(t, testTree, writer.Options{
		BlockSize:   256,
		Compression: codec.None,
		Workers:     1,
	})
	rewritten := rewriteImage(t, image, rewriter.Options{
		EnableHistory:        true,
		CommandLineArguments: []string{"mkdwarfs", "--rewrite"},
		Compression:          codec.None,
	})

	fsOut := openImage(t, rewritten)
	var histories int
	for _, s := range fsOut.Sections() {
		if s.Header.Type == dwarfs.HISTORY {
			histories++
			payload, err := s.Payload()
			require.NoError(t, err)
			require.Contains(t, string(payload), "mkdwarfs --rewrite")
		}
	}
	require.Equal(t, 1, histories)
}

func TestRewriteRejectsBadOptionCombos(t *testing.T) {
	image := buildImage(t, testTree, writer.Options{
		BlockSize:   256,
		Compression: codec.None,
		Workers:     1,
	})
	fsIn := openImage(t, image)

	var out bytes.Buffer
	err := rewriter.Rewrite(context.Background(), fsIn, &out, rewriter.Options{
		ChangeBlockSize: 64,
		Compression:     codec.None,
	})
	require.ErrorIs(t, err, rewriter.ErrBadOptions)

	err = rewriter.Rewrite(context.Background(), fsIn, &out, rewriter.Options{
		RecompressBlock:    true,
		RecompressMetadata: true,
		RebuildMetadata:    true,
		ChangeBlockSize:    100, // not a power of two
		Compression:        codec.None,
	})
	require.ErrorIs(t, err, rewriter.ErrBadOptions)
}
