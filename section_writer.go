package dwarfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// SectionWriter appends sections to an image under construction. Section
// numbers are assigned in order starting at 0; Finalize appends the
// trailing section index and must be the last call made.
type SectionWriter struct {
	w      io.Writer
	offset int64
	next   uint32

	// index accumulates (type, offset) pairs for the trailing section
	// index, in write order.
	index []indexEntry
}

type indexEntry struct {
	typ    SectionType
	offset int64
}

// NewSectionWriter wraps w (which will receive a stream of sections) in a
// SectionWriter.
func NewSectionWriter(w io.Writer) *SectionWriter {
	return &SectionWriter{w: w}
}

// WriteSection compresses nothing itself — payload must already be in its
// final (possibly compressed) form — and appends a v2 section header plus
// payload, computing both integrity fields over it.
func (sw *SectionWriter) WriteSection(typ SectionType, comp CompressionType, payload []byte) (uint32, error) {
	number := sw.next
	sw.next++

	h := SectionHeader{
		Major:       verMajorV2,
		Minor:       verMinor,
		Number:      number,
		Type:        typ,
		Compression: comp,
		Length:      uint64(len(payload)),
	}
	h.XXH3 = xxh3SectionSum(h, payload)
	h.Checksum = sha512SectionSum(h, payload)

	buf := &bytes.Buffer{}
	buf.Write(Magic[:])
	buf.WriteByte(h.Major)
	buf.WriteByte(h.Minor)
	buf.Write(h.Checksum[:])
	binary.Write(buf, binary.LittleEndian, h.XXH3)
	binary.Write(buf, binary.LittleEndian, h.Number)
	binary.Write(buf, binary.LittleEndian, uint16(h.Type))
	binary.Write(buf, binary.LittleEndian, uint16(h.Compression))
	binary.Write(buf, binary.LittleEndian, h.Length)

	sectionOffset := sw.offset
	if _, err := sw.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := sw.w.Write(payload); err != nil {
			return 0, err
		}
	}
	sw.offset += int64(buf.Len()) + int64(len(payload))
	sw.index = append(sw.index, indexEntry{typ: typ, offset: sectionOffset})

	return number, nil
}

// packIndexEntry packs (type, offset) into one index word:
// type<<48 | offset_from_image_start. offset must fit in 48 bits, which
// holds for any image under 256 TiB.
func packIndexEntry(typ SectionType, offset int64) uint64 {
	return uint64(typ)<<48 | (uint64(offset) & 0xFFFFFFFFFFFF)
}

// Finalize appends the section index as the final section. The index's
// own entry points to itself.
func (sw *SectionWriter) Finalize() error {
	selfOffset := sw.offset
	entries := make([]uint64, 0, len(sw.index)+1)
	for _, e := range sw.index {
		entries = append(entries, packIndexEntry(e.typ, e.offset))
	}
	entries = append(entries, packIndexEntry(SECTION_INDEX, selfOffset))

	payload := make([]byte, 8*len(entries))
	for i, e := range entries {
		binary.LittleEndian.PutUint64(payload[i*8:], e)
	}

	_, err := sw.WriteSection(SECTION_INDEX, CompNone, payload)
	return err
}

// ParseSectionIndex reads an image's trailing section index and returns the
// decoded (type, offset) pairs in on-disk order.
func ParseSectionIndex(image io.ReaderAt, size int64) ([]IndexEntry, error) {
	// Walk sections from the start; the image format doesn't allow
	// locating the index without a linear scan unless the caller already
	// knows its offset. (reader.Open does its own scan of the sections and
	// does not call this function.)
	var last *Section
	off := int64(0)
	for {
		s, err := ParseNext(image, off)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		last = s
		off = s.PayloadOffset + int64(s.Header.Length)
		if off >= size {
			break
		}
	}
	if last == nil || last.Header.Type != SECTION_INDEX {
		return nil, ErrNoSectionIndex
	}
	payload, err := last.Payload()
	if err != nil {
		return nil, err
	}
	if len(payload)%8 != 0 {
		return nil, fmt.Errorf("%w: malformed section index", ErrTruncatedImage)
	}
	entries := make([]IndexEntry, len(payload)/8)
	for i := range entries {
		v := binary.LittleEndian.Uint64(payload[i*8:])
		entries[i] = IndexEntry{
			Type:   SectionType(v >> 48),
			Offset: int64(v & 0xFFFFFFFFFFFF),
		}
	}
	return entries, nil
}

// IndexEntry is one decoded entry of the trailing section index.
type IndexEntry struct {
	Type   SectionType
	Offset int64
}
