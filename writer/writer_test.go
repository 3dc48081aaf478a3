package writer_test

import (
	"bytes"
	"context"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/reader"
	"github.com/dwarfsgo/dwarfs/writer"
)

func buildAndOpen(t *testing.T, fsys fs.FS, opts writer.Options) *reader.Filesystem {
	t.Helper()
	w := writer.New(opts)
	require.NoError(t, fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		return w.Add(fsys, path, d, err)
	}))

	var buf bytes.Buffer
	require.NoError(t, w.Write(context.Background(), fsys, &buf))

	image := bytes.NewReader(buf.Bytes())
	fsOut, err := reader.Open(image, int64(buf.Len()), reader.Config{})
	require.NoError(t, err)
	t.Cleanup(fsOut.Close)
	return fsOut
}

func TestWriterRoundTripsSingleFile(t *testing.T) {
	fsys := fstest.MapFS{
		"hello.txt": {Data: []byte("hello, dwarfs")},
	}
	fsOut := buildAndOpen(t, fsys, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.None,
		Workers:     2,
	})

	iv, ok := fsOut.Find("hello.txt")
	require.True(t, ok)

	h, err := fsOut.Open(iv)
	require.NoError(t, err)
	data, err := fsOut.Read(context.Background(), h, 0, 32)
	require.NoError(t, err)
	require.Equal(t, "hello, dwarfs", string(data))
}

func TestWriterDeduplicatesIdenticalFiles(t *testing.T) {
	content := bytes.Repeat([]byte("duplicate-me"), 100)
	fsys := fstest.MapFS{
		"a.bin": {Data: content},
		"b.bin": {Data: content},
	}
	fsOut := buildAndOpen(t, fsys, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.None,
		Workers:     4,
	})

	ivA, ok := fsOut.Find("a.bin")
	require.True(t, ok)
	ivB, ok := fsOut.Find("b.bin")
	require.True(t, ok)
	require.Equal(t, ivA.Num, ivB.Num)

	h, err := fsOut.Open(ivA)
	require.NoError(t, err)
	data, err := fsOut.Read(context.Background(), h, 0, int64(len(content)))
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestWriterSplitsLargeFileAcrossMultipleBlocks(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 10)
	fsys := fstest.MapFS{
		"big.bin": {Data: content},
	}
	fsOut := buildAndOpen(t, fsys, writer.Options{
		BlockSize:   4, // forces 3 chunks: 4 + 4 + 2 bytes
		Compression: codec.None,
		Workers:     1,
	})

	iv, ok := fsOut.Find("big.bin")
	require.True(t, ok)
	h, err := fsOut.Open(iv)
	require.NoError(t, err)
	data, err := fsOut.Read(context.Background(), h, 0, int64(len(content)))
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestWriterEmptyTreeProducesOpenableImage(t *testing.T) {
	fsys := fstest.MapFS{}
	fsOut := buildAndOpen(t, fsys, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.None,
		Workers:     1,
	})

	iv, ok := fsOut.Find("/")
	require.True(t, ok)
	st := fsOut.Getattr(iv)
	require.True(t, st.Mode.IsDir())
}

func TestWriterZeroLengthFileReadsEmpty(t *testing.T) {
	fsys := fstest.MapFS{
		"empty.txt": {Data: []byte{}},
	}
	fsOut := buildAndOpen(t, fsys, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.None,
		Workers:     1,
	})

	iv, ok := fsOut.Find("empty.txt")
	require.True(t, ok)
	h, err := fsOut.Open(iv)
	require.NoError(t, err)
	data, err := fsOut.Read(context.Background(), h, 0, 16)
	require.NoError(t, err)
	require.Empty(t, data)
}
