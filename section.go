// Package dwarfs implements the DwarFS image container: parsing, writing
// and verifying the section stream every image is made of, including the
// trailing section index. Higher layers live in the subpackages: metadata
// (frozen tables), cache (block cache), reader (read façade), writer
// (image building), rewriter (re-packing) and codec (compression registry).
package dwarfs

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Magic is the 6-byte signature that opens every DwarFS section header.
var Magic = [6]byte{'D', 'W', 'A', 'R', 'F', 'S'}

const (
	// headerSizeV2 is the byte size of section_header_v2: magic(6) +
	// major(1) + minor(1) + sha2_512_256(32) + xxh3_64(8) + number(4) +
	// type(2) + compression(2) + length(8).
	headerSizeV2 = 6 + 1 + 1 + 32 + 8 + 4 + 2 + 2 + 8
	// headerSizeV1 is the legacy, integrity-field-free layout: magic(6) +
	// major(1) + minor(1) + number(4) + type(2) + compression(2) + length(8).
	headerSizeV1 = 6 + 1 + 1 + 4 + 2 + 2 + 8

	verMajorLegacy = 1
	verMajorV2     = 2
	verMinor       = 0
)

// SectionHeader is the bit-exact, decoded form of a section's header.
type SectionHeader struct {
	Major       uint8
	Minor       uint8
	Checksum    [32]byte // sha2_512_256, zero for legacy (v1) sections
	XXH3        uint64   // xxh3_64 field, computed as XXH64; zero for legacy sections
	Number      uint32
	Type        SectionType
	Compression CompressionType
	Length      uint64

	Legacy bool
}

// Section is a parsed section: its header plus where its payload lives in
// the backing image.
type Section struct {
	Header        SectionHeader
	image         io.ReaderAt
	HeaderOffset  int64
	PayloadOffset int64
}

// ParseNext parses the section starting at offset. It returns io.EOF when
// offset is exactly at the end of the image (no more sections).
func ParseNext(image io.ReaderAt, offset int64) (*Section, error) {
	magicBuf := make([]byte, 8) // magic + major + minor
	n, err := image.ReadAt(magicBuf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short header read", ErrTruncatedImage)
		}
		return nil, err
	}

	if !bytes.Equal(magicBuf[:6], Magic[:]) {
		return nil, ErrBadMagic
	}

	major := magicBuf[6]
	minor := magicBuf[7]

	switch major {
	case verMajorV2:
		return parseSectionV2(image, offset, major, minor)
	case verMajorLegacy:
		return parseSectionV1(image, offset, major, minor)
	default:
		return nil, ErrBadVersion
	}
}

func parseSectionV2(image io.ReaderAt, offset int64, major, minor uint8) (*Section, error) {
	buf := make([]byte, headerSizeV2)
	if _, err := readFullAt(image, buf, offset); err != nil {
		return nil, err
	}

	h := SectionHeader{Major: major, Minor: minor}
	copy(h.Checksum[:], buf[8:40])
	h.XXH3 = binary.LittleEndian.Uint64(buf[40:48])
	h.Number = binary.LittleEndian.Uint32(buf[48:52])
	h.Type = SectionType(binary.LittleEndian.Uint16(buf[52:54]))
	h.Compression = CompressionType(binary.LittleEndian.Uint16(buf[54:56]))
	h.Length = binary.LittleEndian.Uint64(buf[56:64])

	payloadOff := offset + headerSizeV2
	if err := checkPayloadBounds(image, payloadOff, h.Length); err != nil {
		return nil, err
	}

	return &Section{
		Header:        h,
		image:         image,
		HeaderOffset:  offset,
		PayloadOffset: payloadOff,
	}, nil
}

func parseSectionV1(image io.ReaderAt, offset int64, major, minor uint8) (*Section, error) {
	buf := make([]byte, headerSizeV1)
	if _, err := readFullAt(image, buf, offset); err != nil {
		return nil, err
	}

	h := SectionHeader{Major: major, Minor: minor, Legacy: true}
	h.Number = binary.LittleEndian.Uint32(buf[8:12])
	h.Type = SectionType(binary.LittleEndian.Uint16(buf[12:14]))
	h.Compression = CompressionType(binary.LittleEndian.Uint16(buf[14:16]))
	h.Length = binary.LittleEndian.Uint64(buf[16:24])

	payloadOff := offset + headerSizeV1
	if err := checkPayloadBounds(image, payloadOff, h.Length); err != nil {
		return nil, err
	}

	return &Section{
		Header:        h,
		image:         image,
		HeaderOffset:  offset,
		PayloadOffset: payloadOff,
	}, nil
}

// checkPayloadBounds guards against a corrupt or hostile length field
// overflowing int64 arithmetic or claiming more bytes than the image has.
func checkPayloadBounds(image io.ReaderAt, payloadOff int64, length uint64) error {
	if length > uint64(1)<<62 {
		return fmt.Errorf("%w: implausible section length %d", ErrTruncatedImage, length)
	}
	end := payloadOff + int64(length)
	if end < payloadOff {
		return fmt.Errorf("%w: section length overflow", ErrTruncatedImage)
	}
	// probe the last byte to make sure it's actually there
	if length > 0 {
		probe := make([]byte, 1)
		if _, err := image.ReadAt(probe, end-1); err != nil {
			return fmt.Errorf("%w: payload extends past image end", ErrTruncatedImage)
		}
	}
	return nil
}

func readFullAt(image io.ReaderAt, buf []byte, offset int64) (int, error) {
	n, err := image.ReadAt(buf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) && n == len(buf) {
			return n, nil
		}
		return n, fmt.Errorf("%w: %v", ErrTruncatedImage, err)
	}
	return n, nil
}

// Access validates that the section's type and compression fall inside
// the closed sets. Unknown values are tolerated while scanning or checking
// an image, but accessing such a section's content is an error.
func (s *Section) Access() error {
	if !s.Header.Type.Known() {
		return fmt.Errorf("%w: %d", ErrUnknownSectionType, uint16(s.Header.Type))
	}
	if !s.Header.Compression.Known() {
		return fmt.Errorf("%w: %d", ErrUnknownCompressionType, uint16(s.Header.Compression))
	}
	return nil
}

// Payload reads and returns the section's raw (still-compressed) payload
// bytes.
func (s *Section) Payload() ([]byte, error) {
	buf := make([]byte, s.Header.Length)
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := readFullAt(s.image, buf, s.PayloadOffset); err != nil {
		return nil, err
	}
	return buf, nil
}

// Verify checks the section's integrity to the requested level.
// CheckFull additionally requires a decompress function (see codec
// package); callers that don't need CheckFull may pass nil.
func (s *Section) Verify(level CheckLevel, decompress func(CompressionType, []byte) ([]byte, error)) error {
	if level == CheckFast {
		return nil
	}
	if s.Header.Legacy {
		// legacy sections carry no integrity fields to check
		if level == CheckFull {
			return s.verifyFull(decompress)
		}
		return nil
	}

	payload, err := s.Payload()
	if err != nil {
		return err
	}

	if level >= CheckChecksum {
		sum := xxh3SectionSum(s.Header, payload)
		if sum != s.Header.XXH3 {
			return fmt.Errorf("%w: section %d xxh3", ErrChecksumMismatch, s.Header.Number)
		}
	}
	if level >= CheckIntegrity {
		got := sha512SectionSum(s.Header, payload)
		if got != s.Header.Checksum {
			return fmt.Errorf("%w: section %d sha2-512/256", ErrChecksumMismatch, s.Header.Number)
		}
	}
	if level >= CheckFull {
		return s.verifyFull(decompress)
	}
	return nil
}

func (s *Section) verifyFull(decompress func(CompressionType, []byte) ([]byte, error)) error {
	if decompress == nil {
		return nil
	}
	payload, err := s.Payload()
	if err != nil {
		return err
	}
	_, err = decompress(s.Header.Compression, payload)
	return err
}

// xxh3SectionSum computes the fast checksum over everything in the header
// following the xxh3_64 field (number..length) plus the payload. XXH64
// stands in for XXH3 here; both writer and reader use this same function,
// so images produced by this module verify consistently.
func xxh3SectionSum(h SectionHeader, payload []byte) uint64 {
	d := xxhash.New()
	writeChecksummedTail(d, h)
	d.Write(payload)
	return d.Sum64()
}

// sha512SectionSum computes SHA-2-512/256 over everything following the
// sha2_512_256 field (xxh3_64..payload_end).
func sha512SectionSum(h SectionHeader, payload []byte) [32]byte {
	d := sha512.New512_256()
	binary.Write(d, binary.LittleEndian, h.XXH3)
	writeChecksummedTail(d, h)
	d.Write(payload)
	var out [32]byte
	copy(out[:], d.Sum(nil))
	return out
}

func writeChecksummedTail(w io.Writer, h SectionHeader) {
	binary.Write(w, binary.LittleEndian, h.Number)
	binary.Write(w, binary.LittleEndian, uint16(h.Type))
	binary.Write(w, binary.LittleEndian, uint16(h.Compression))
	binary.Write(w, binary.LittleEndian, h.Length)
}
