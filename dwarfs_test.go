package dwarfs_test

import (
	"bytes"
	"context"
	"io/fs"
	"math/rand"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/reader"
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

func openImage(t *testing.T, image []byte, cfg reader.Config) *reader.Filesystem {
	t.Helper()
	fsOut, err := reader.Open(bytes.NewReader(image), int64(len(image)), cfg)
	require.NoError(t, err)
	t.Cleanup(fsOut.Close)
	return fsOut
}

// Single large file, random read: build a 10 MiB pseudo-random file into a
// 1 MiB-block zstd image, then read a small range from the middle and
// verify both the bytes and the image's integrity.
func TestImageRandomAccessRead(t *testing.T) {
	const size = 10 << 20
	content := make([]byte, size)
	rng := rand.New(rand.NewSource(0xC0FFEE))
	rng.Read(content)

	image := buildImage(t, fstest.MapFS{
		"random.bin": {Data: content},
	}, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.ZSTD,
		Workers:     2,
	})

	fsOut := openImage(t, image, reader.Config{})

	iv, ok := fsOut.Find("random.bin")
	require.True(t, ok)
	h, err := fsOut.Open(iv)
	require.NoError(t, err)

	const offset = 5_242_881
	data, err := fsOut.Read(context.Background(), h, offset, 64)
	require.NoError(t, err)
	require.Equal(t, content[offset:offset+64], data)

	failed, err := fsOut.Check(context.Background(), dwarfs.CheckIntegrity, 4)
	require.NoError(t, err)
	require.Zero(t, failed)
}

// Duplicate files collapse to one inode and one copy of the data.
func TestImageDeduplicatesAcrossDirectories(t *testing.T) {
	content := bytes.Repeat([]byte{0xAA}, 1<<20)
	image := buildImage(t, fstest.MapFS{
		"a/file": {Data: content},
		"b/file": {Data: content},
	}, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.ZSTD,
		Workers:     2,
	})

	fsOut := openImage(t, image, reader.Config{})

	ivA, ok := fsOut.Find("a/file")
	require.True(t, ok)
	ivB, ok := fsOut.Find("b/file")
	require.True(t, ok)
	require.Equal(t, ivA.Num, ivB.Num)

	require.Equal(t, uint64(1<<20), fsOut.Statvfs().TotalFsSize)
}

// Full tree round trip through the stdlib fs surface.
func TestImageRoundTripsWholeTree(t *testing.T) {
	src := fstest.MapFS{
		"etc/hosts":           {Data: []byte("127.0.0.1 localhost\n")},
		"usr/lib/libfoo.so":   {Data: bytes.Repeat([]byte{1, 2, 3, 4, 5}, 777)},
		"usr/lib/libbar.so":   {Data: bytes.Repeat([]byte("bar"), 1000)},
		"usr/share/doc/note":  {Data: []byte("note")},
		"empty.d/placeholder": {Data: []byte{}},
	}

	image := buildImage(t, src, writer.Options{
		BlockSize:   1 << 12,
		Compression: codec.ZSTD,
		Workers:     4,
	})
	fsOut := openImage(t, image, reader.Config{})
	stdfs := fsOut.StdFS()

	for path, want := range src {
		got, err := fs.ReadFile(stdfs, path)
		require.NoError(t, err, path)
		require.Equal(t, want.Data, got, path)
	}

	// walking the image finds exactly the source's files
	var found []string
	require.NoError(t, fs.WalkDir(stdfs, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			found = append(found, path)
		}
		return nil
	}))
	require.Len(t, found, len(src))
}

// Building the same tree twice yields byte-identical images regardless of
// worker count — the merger pins the block order and the scanner sorts
// inode assignment.
func TestImageBuildIsDeterministic(t *testing.T) {
	src := fstest.MapFS{}
	rng := rand.New(rand.NewSource(42))
	for _, name := range []string{"a/1", "a/2", "b/3", "c/d/4", "c/d/5", "e"} {
		data := make([]byte, 3000+rng.Intn(5000))
		rng.Read(data)
		src[name] = &fstest.MapFile{Data: data}
	}

	opts := func(workers int) writer.Options {
		return writer.Options{
			BlockSize:   1 << 10,
			Compression: codec.ZSTD,
			Workers:     workers,
		}
	}

	first := buildImage(t, src, opts(1))
	again := buildImage(t, src, opts(1))
	require.Equal(t, first, again)

	parallel := buildImage(t, src, opts(8))
	require.Equal(t, first, parallel)
}

// A non-contiguous section number sequence is rejected at open time.
func TestImageRejectsBadSectionNumbers(t *testing.T) {
	src := fstest.MapFS{"f": {Data: []byte("payload")}}
	image := buildImage(t, src, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.None,
		Workers:     1,
	})

	// the first section's number field sits right after magic+version+
	// sha512+xxh64 in the v2 header
	image[48] = 9

	_, err := reader.Open(bytes.NewReader(image), int64(len(image)), reader.Config{})
	require.ErrorIs(t, err, dwarfs.ErrBadSectionNumber)
}

// An unknown section type inside the image is tolerated by Check but the
// image still opens and reads fine.
func TestImageToleratesUnknownSectionType(t *testing.T) {
	src := fstest.MapFS{"f": {Data: []byte("payload")}}
	image := buildImage(t, src, writer.Options{
		BlockSize:   1 << 20,
		Compression: codec.None,
		Workers:     1,
	})

	// splice an unknown-typed section before the index by rebuilding the
	// stream: parse all sections, re-emit with an extra one
	var out bytes.Buffer
	sw := dwarfs.NewSectionWriter(&out)
	r := bytes.NewReader(image)
	off := int64(0)
	for {
		s, err := dwarfs.ParseNext(r, off)
		if err != nil {
			break
		}
		off = s.PayloadOffset + int64(s.Header.Length)
		if s.Header.Type == dwarfs.SECTION_INDEX {
			break
		}
		payload, err := s.Payload()
		require.NoError(t, err)
		_, err = sw.WriteSection(s.Header.Type, s.Header.Compression, payload)
		require.NoError(t, err)
		if off >= int64(len(image)) {
			break
		}
	}
	_, err := sw.WriteSection(dwarfs.SectionType(42), dwarfs.CompNone, []byte("mystery"))
	require.NoError(t, err)
	require.NoError(t, sw.Finalize())

	fsOut := openImage(t, out.Bytes(), reader.Config{})
	data, err := fs.ReadFile(fsOut.StdFS(), "f")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}
