// Package metadata implements the frozen metadata data model: the packed
// inode/directory/chunk tables a built image carries in its METADATA_V2
// section, plus a read-only view over them used by the reader and writer
// packages alike.
package metadata

import "io/fs"

// Rank partitions the inode table: every inode of rank r sorts before every
// inode of rank r+1.
type Rank int

const (
	RankDirectory Rank = iota
	RankSymlink
	RankRegular
	RankDevice
	RankOther
	numRanks
)

func (r Rank) String() string {
	switch r {
	case RankDirectory:
		return "directory"
	case RankSymlink:
		return "symlink"
	case RankRegular:
		return "regular"
	case RankDevice:
		return "device"
	case RankOther:
		return "other"
	default:
		return "unknown"
	}
}

// InodeEntry is one row of the inodes table. Timestamps are
// offsets from the metadata's epoch base, in time_resolution_sec units.
type InodeEntry struct {
	ModeIndex   uint32
	OwnerIndex  uint32
	GroupIndex  uint32
	AtimeOffset int64
	MtimeOffset int64
	CtimeOffset int64
}

// DirEntry is one row of the dir_entries table.
type DirEntry struct {
	NameIndex uint32
	InodeNum  uint32
}

// Directory is one row of the directories table, indexed by directory
// inode number (relative to the first directory inode).
type Directory struct {
	ParentEntry uint32
	FirstEntry  uint32
	SelfEntry   uint32
}

// Chunk is one row of the chunks table: a byte range within one block.
type Chunk struct {
	Block  uint32
	Offset uint32
	Size   uint32
}

// Options carries the writer-controlled packing/feature knobs that affect
// how a Metadata value round-trips.
type Options struct {
	PackChunkTable         bool
	PackDirectories        bool
	PackSharedFilesTable   bool
	PackNames              bool
	PackSymlinks           bool
	TimeResolutionSec      int64
	PreferredPathSeparator byte
}

// Conversion between on-disk st_mode bits and fs.FileMode.
const (
	sIFMT   = 0xf000
	sIFREG  = 0x8000
	sIFDIR  = 0x4000
	sIFBLK  = 0x6000
	sIFCHR  = 0x2000
	sIFIFO  = 0x1000
	sIFLNK  = 0xa000
	sIFSOCK = 0xc000

	sISVTX = 0x200
	sISGID = 0x400
	sISUID = 0x800
)

func unixToFileMode(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)
	switch mode & sIFMT {
	case sIFCHR:
		res |= fs.ModeCharDevice | fs.ModeDevice
	case sIFBLK:
		res |= fs.ModeDevice
	case sIFDIR:
		res |= fs.ModeDir
	case sIFIFO:
		res |= fs.ModeNamedPipe
	case sIFLNK:
		res |= fs.ModeSymlink
	case sIFSOCK:
		res |= fs.ModeSocket
	}
	if mode&sISGID == sISGID {
		res |= fs.ModeSetgid
	}
	if mode&sISUID == sISUID {
		res |= fs.ModeSetuid
	}
	if mode&sISVTX == sISVTX {
		res |= fs.ModeSticky
	}
	return res
}

func rankOfFileMode(m fs.FileMode) Rank {
	switch {
	case m&fs.ModeDir != 0:
		return RankDirectory
	case m&fs.ModeSymlink != 0:
		return RankSymlink
	case m&(fs.ModeDevice|fs.ModeCharDevice) != 0:
		return RankDevice
	case m.IsRegular():
		return RankRegular
	default:
		return RankOther
	}
}
