package dwarfs

import "fmt"

// SectionType identifies the kind of payload a section carries. The set is
// closed: unknown values are tolerated while scanning an image but fail the
// moment the section is actually accessed.
type SectionType uint16

const (
	BLOCK              SectionType = 0
	METADATA_V2_SCHEMA SectionType = 1
	METADATA_V2        SectionType = 2
	HISTORY            SectionType = 3
	SECTION_INDEX      SectionType = 4
)

func (t SectionType) String() string {
	switch t {
	case BLOCK:
		return "BLOCK"
	case METADATA_V2_SCHEMA:
		return "METADATA_V2_SCHEMA"
	case METADATA_V2:
		return "METADATA_V2"
	case HISTORY:
		return "HISTORY"
	case SECTION_INDEX:
		return "SECTION_INDEX"
	default:
		return fmt.Sprintf("SectionType(%d)", uint16(t))
	}
}

// Known reports whether t is part of the closed section-type set.
func (t SectionType) Known() bool {
	return t <= SECTION_INDEX
}

// CompressionType identifies the codec used to compress a section's
// payload. The set is closed; see package codec for the registry that maps
// these values to compressors/decompressors.
type CompressionType uint16

const (
	CompNone   CompressionType = 0
	CompLZMA   CompressionType = 1
	CompZSTD   CompressionType = 2
	CompLZ4    CompressionType = 3
	CompLZ4HC  CompressionType = 4
	CompBrotli CompressionType = 5
	CompZlib   CompressionType = 6
	CompFLAC   CompressionType = 7
	CompRicepp CompressionType = 8
)

func (c CompressionType) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompLZMA:
		return "lzma"
	case CompZSTD:
		return "zstd"
	case CompLZ4:
		return "lz4"
	case CompLZ4HC:
		return "lz4hc"
	case CompBrotli:
		return "brotli"
	case CompZlib:
		return "zlib"
	case CompFLAC:
		return "flac"
	case CompRicepp:
		return "ricepp"
	default:
		return fmt.Sprintf("CompressionType(%d)", uint16(c))
	}
}

// Known reports whether c is part of the closed compression-type set.
func (c CompressionType) Known() bool {
	return c <= CompRicepp
}

// CheckLevel controls how thoroughly Filesystem.Check verifies an image.
type CheckLevel int

const (
	// CheckFast validates only that section headers are well-formed.
	CheckFast CheckLevel = iota
	// CheckChecksum additionally recomputes and compares the xxh3_64 field.
	CheckChecksum
	// CheckIntegrity additionally recomputes and compares the SHA-2-512/256 field.
	CheckIntegrity
	// CheckFull additionally decompresses every section's payload.
	CheckFull
)
