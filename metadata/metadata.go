package metadata

import (
	"errors"
	"fmt"
	"sort"
)

// Errors returned by Validate, one per table invariant it checks.
var (
	ErrBlockSizeNotPow2      = errors.New("metadata: block_size is not a power of two")
	ErrRankNotMonotonic      = errors.New("metadata: inode rank partitioning is not monotonic")
	ErrDirectoryOutOfOrder   = errors.New("metadata: directory first_entry is not monotonic")
	ErrDirectoryInconsistent = errors.New("metadata: directory parent/self entry inconsistent")
	ErrChunkOutOfBounds      = errors.New("metadata: chunk offset/size exceeds block_size")
	ErrChunkTableNotMonotone = errors.New("metadata: chunk_table is not non-decreasing")
	ErrSharedTableBad        = errors.New("metadata: shared_files_table is not non-decreasing")
	ErrStringIndexOutOfRange = errors.New("metadata: name or symlink index out of range")
	ErrStringTooLong         = errors.New("metadata: packed string exceeds the maximum length")
)

const (
	maxNameLen    = 512
	maxSymlinkLen = 4096
)

// Metadata is the frozen, in-memory form of an image's packed tables.
// A Metadata value is built once (by the writer package's
// metadata builder) and never mutated afterwards; View wraps it for
// read-only traversal.
type Metadata struct {
	Options Options

	BlockSize   uint32
	TotalFsSize uint64

	// Inodes is ordered by Rank: all RankDirectory entries, then all
	// RankSymlink, then RankRegular, then RankDevice, then RankOther
	// RankBoundary[r] is the first inode number of rank r.
	Inodes       []InodeEntry
	RankBoundary [numRanks]uint32

	DirEntries  []DirEntry
	Directories []Directory // indexed by directory inode number

	Chunks     []Chunk
	ChunkTable []uint32 // len == number of regular-file inodes + 1

	// SharedFilesTable maps a regular-file inode's position (0-based,
	// within the regular-file rank) to the ChunkTable index that actually
	// owns its chunk list, for inodes that share chunks with an earlier
	// inode. An entry equal to its own index means "not shared".
	SharedFilesTable []uint32

	SymlinkTable []uint32 // indexed by symlink inode position -> Symlinks index
	Symlinks     []string

	Names []string // indexed by DirEntry.NameIndex

	Modes []uint32 // interned st_mode values, indexed by InodeEntry.ModeIndex
	Uids  []uint32 // interned uid values, indexed by InodeEntry.OwnerIndex
	Gids  []uint32 // interned gid values, indexed by InodeEntry.GroupIndex

	DeviceIDs map[uint32]uint64 // regular-file-rank-relative index -> rdev, for RankDevice inodes

	CategoryNames         []string
	BlockCategories       []uint16 // indexed by block number
	CategoryMetadataJSON  []string
	BlockCategoryMetadata map[uint32]string // block number -> json, when present

	RegFileSizeCache map[uint32]uint64 // regular-file-rank-relative index -> precomputed size

	DwarfsVersion   string
	CreateTimestamp int64
	HasCreateStamp  bool

	// Features is the closed set of strings declaring reader features this
	// image requires.
	Features []string
}

// RankOf returns the rank of inode number n.
func (m *Metadata) RankOf(n uint32) Rank {
	for r := numRanks - 1; r >= 0; r-- {
		if n >= m.RankBoundary[r] {
			return Rank(r)
		}
	}
	return RankDirectory
}

// regularFileIndex converts an absolute inode number into a 0-based index
// within the regular-file rank, or -1 if n isn't a regular file.
func (m *Metadata) regularFileIndex(n uint32) int {
	if m.RankOf(n) != RankRegular {
		return -1
	}
	return int(n - m.RankBoundary[RankRegular])
}

func (m *Metadata) symlinkIndex(n uint32) int {
	if m.RankOf(n) != RankSymlink {
		return -1
	}
	return int(n - m.RankBoundary[RankSymlink])
}

// Validate checks the structural invariants a well-formed image must
// satisfy. It's run once after a Metadata value is either built fresh or
// loaded from disk.
func (m *Metadata) Validate() error {
	if m.BlockSize == 0 || m.BlockSize&(m.BlockSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBlockSizeNotPow2, m.BlockSize)
	}

	for r := 1; r < int(numRanks); r++ {
		if m.RankBoundary[r] < m.RankBoundary[r-1] {
			return fmt.Errorf("%w: rank %s boundary %d < rank %s boundary %d",
				ErrRankNotMonotonic, Rank(r), m.RankBoundary[r], Rank(r-1), m.RankBoundary[r-1])
		}
	}
	if int(m.RankBoundary[numRanks-1]) > len(m.Inodes) {
		return fmt.Errorf("%w: final rank boundary exceeds inode count", ErrRankNotMonotonic)
	}

	var prevFirst uint32
	for i, d := range m.Directories {
		if i > 0 && d.FirstEntry < prevFirst {
			return fmt.Errorf("%w: directory %d first_entry %d < previous %d", ErrDirectoryOutOfOrder, i, d.FirstEntry, prevFirst)
		}
		prevFirst = d.FirstEntry
		// SelfEntry == len(DirEntries) is valid: it just means every
		// directory from i onward is empty, not only the trailing one.
		if int(d.SelfEntry) > len(m.DirEntries) {
			return fmt.Errorf("%w: directory %d self_entry %d out of range", ErrDirectoryInconsistent, i, d.SelfEntry)
		}
	}

	for i, c := range m.Chunks {
		if c.Offset >= m.BlockSize || uint64(c.Offset)+uint64(c.Size) > uint64(m.BlockSize) {
			return fmt.Errorf("%w: chunk %d offset=%d size=%d block_size=%d", ErrChunkOutOfBounds, i, c.Offset, c.Size, m.BlockSize)
		}
	}

	if !sort.SliceIsSorted(m.ChunkTable, func(i, j int) bool { return m.ChunkTable[i] <= m.ChunkTable[j] }) {
		return fmt.Errorf("%w", ErrChunkTableNotMonotone)
	}
	if len(m.ChunkTable) > 0 && int(m.ChunkTable[len(m.ChunkTable)-1]) != len(m.Chunks) {
		return fmt.Errorf("%w: final entry %d != len(chunks) %d", ErrChunkTableNotMonotone, m.ChunkTable[len(m.ChunkTable)-1], len(m.Chunks))
	}

	if !sort.SliceIsSorted(m.SharedFilesTable, func(i, j int) bool { return m.SharedFilesTable[i] <= m.SharedFilesTable[j] }) {
		return fmt.Errorf("%w", ErrSharedTableBad)
	}

	for i, e := range m.DirEntries {
		if int(e.NameIndex) >= len(m.Names) {
			return fmt.Errorf("%w: dir_entries[%d].name_index=%d", ErrStringIndexOutOfRange, i, e.NameIndex)
		}
		if len(m.Names[e.NameIndex]) > maxNameLen {
			return fmt.Errorf("%w: name %q length %d", ErrStringTooLong, m.Names[e.NameIndex], len(m.Names[e.NameIndex]))
		}
	}
	for i, idx := range m.SymlinkTable {
		if int(idx) >= len(m.Symlinks) {
			return fmt.Errorf("%w: symlink_table[%d]=%d", ErrStringIndexOutOfRange, i, idx)
		}
		if len(m.Symlinks[idx]) > maxSymlinkLen {
			return fmt.Errorf("%w: symlink length %d", ErrStringTooLong, len(m.Symlinks[idx]))
		}
	}

	return nil
}
