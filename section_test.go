package dwarfs_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dwarfsgo/dwarfs"
)

func writeTestImage(t *testing.T, payloads [][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	sw := dwarfs.NewSectionWriter(&buf)
	for i, p := range payloads {
		num, err := sw.WriteSection(dwarfs.BLOCK, dwarfs.CompNone, p)
		require.NoError(t, err)
		require.Equal(t, uint32(i), num)
	}
	require.NoError(t, sw.Finalize())
	return buf.Bytes()
}

func scanAll(t *testing.T, image []byte) []*dwarfs.Section {
	t.Helper()
	var sections []*dwarfs.Section
	r := bytes.NewReader(image)
	off := int64(0)
	for {
		s, err := dwarfs.ParseNext(r, off)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sections = append(sections, s)
		off = s.PayloadOffset + int64(s.Header.Length)
		if off >= int64(len(image)) {
			break
		}
	}
	return sections
}

func TestSectionWriterRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("first block"),
		{},
		bytes.Repeat([]byte{0x5A}, 4096),
	}
	image := writeTestImage(t, payloads)
	sections := scanAll(t, image)
	require.Len(t, sections, len(payloads)+1) // + section index

	for i, s := range sections {
		require.Equal(t, uint32(i), s.Header.Number)
		require.NoError(t, s.Verify(dwarfs.CheckIntegrity, nil), "section %d", i)
	}
	for i, p := range payloads {
		got, err := sections[i].Payload()
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	require.Equal(t, dwarfs.SECTION_INDEX, sections[len(sections)-1].Header.Type)
}

func TestSectionVerifyDetectsCorruption(t *testing.T) {
	image := writeTestImage(t, [][]byte{[]byte("some payload that will be corrupted")})
	s0 := scanAll(t, image)[0]
	require.NoError(t, s0.Verify(dwarfs.CheckIntegrity, nil))

	corrupt := append([]byte(nil), image...)
	corrupt[s0.PayloadOffset+3] ^= 0xFF
	c0 := scanAll(t, corrupt)[0]
	require.ErrorIs(t, c0.Verify(dwarfs.CheckChecksum, nil), dwarfs.ErrChecksumMismatch)
	require.ErrorIs(t, c0.Verify(dwarfs.CheckIntegrity, nil), dwarfs.ErrChecksumMismatch)
	// fast never touches the payload
	require.NoError(t, c0.Verify(dwarfs.CheckFast, nil))
}

func TestParseNextBadMagic(t *testing.T) {
	_, err := dwarfs.ParseNext(bytes.NewReader([]byte("NOTDWARFSDATA_AT_ALL_____")), 0)
	require.ErrorIs(t, err, dwarfs.ErrBadMagic)
}

func TestParseNextBadVersion(t *testing.T) {
	image := writeTestImage(t, [][]byte{[]byte("x")})
	image[6] = 9 // major version
	_, err := dwarfs.ParseNext(bytes.NewReader(image), 0)
	require.ErrorIs(t, err, dwarfs.ErrBadVersion)
}

func TestParseNextTruncatedPayload(t *testing.T) {
	image := writeTestImage(t, [][]byte{bytes.Repeat([]byte{1}, 100)})
	s := scanAll(t, image)[0]
	cut := image[:s.PayloadOffset+10]
	_, err := dwarfs.ParseNext(bytes.NewReader(cut), 0)
	require.ErrorIs(t, err, dwarfs.ErrTruncatedImage)
}

func TestParseNextAtEndOfImageReturnsEOF(t *testing.T) {
	image := writeTestImage(t, [][]byte{[]byte("x")})
	_, err := dwarfs.ParseNext(bytes.NewReader(image), int64(len(image)))
	require.ErrorIs(t, err, io.EOF)
}

func TestParseNextLegacyV1Header(t *testing.T) {
	// v1 layout: magic(6) major(1) minor(1) number(4) type(2) compression(2) length(8)
	payload := []byte("legacy payload")
	var buf bytes.Buffer
	buf.Write(dwarfs.Magic[:])
	buf.WriteByte(1) // major
	buf.WriteByte(0) // minor
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(dwarfs.BLOCK))
	binary.Write(&buf, binary.LittleEndian, uint16(dwarfs.CompNone))
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	buf.Write(payload)

	s, err := dwarfs.ParseNext(bytes.NewReader(buf.Bytes()), 0)
	require.NoError(t, err)
	require.True(t, s.Header.Legacy)
	require.Equal(t, dwarfs.BLOCK, s.Header.Type)
	got, err := s.Payload()
	require.NoError(t, err)
	require.Equal(t, payload, got)
	// legacy sections carry no integrity fields, so verification passes
	require.NoError(t, s.Verify(dwarfs.CheckIntegrity, nil))
}

// Every section reachable by scanning appears in the index, and every
// index entry resolves to a matching header.
func TestSectionIndexConsistency(t *testing.T) {
	image := writeTestImage(t, [][]byte{
		[]byte("block zero"),
		[]byte("block one"),
	})
	sections := scanAll(t, image)

	entries, err := dwarfs.ParseSectionIndex(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)
	require.Len(t, entries, len(sections))

	for i, e := range entries {
		require.Equal(t, sections[i].Header.Type, e.Type)
		require.Equal(t, sections[i].HeaderOffset, e.Offset)
	}

	// the index's own entry points at the index section itself
	last := entries[len(entries)-1]
	require.Equal(t, dwarfs.SECTION_INDEX, last.Type)
	require.Equal(t, sections[len(sections)-1].HeaderOffset, last.Offset)
}
