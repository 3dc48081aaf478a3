package metadata

import "sort"

// LegacyEntry is one row of a pre-2.2 entry_table_v2_2: unlike the modern
// dir_entries table, multiple entries may alias the same regular-file inode
// number when two files share identical content.
type LegacyEntry struct {
	ParentInode uint32
	NameIndex   uint32
	Inode       uint32
}

// LegacyMetadata is the pre-2.2 metadata shape: same inode/chunk/string
// tables as Metadata, but directory layout lives in a flat entry_table_v2_2
// instead of dir_entries+directories, and regular-file inode numbers may be
// shared between multiple entries.
type LegacyMetadata struct {
	Inodes       []InodeEntry
	RankBoundary [numRanks]uint32

	EntryTableV22 []LegacyEntry

	Chunks     []Chunk
	ChunkTable []uint32 // indexed by (legacy, possibly shared) regular-inode-rank-relative index

	Names        []string
	Symlinks     []string
	SymlinkTable []uint32

	Modes, Uids, Gids []uint32

	BlockSize uint32
	Options   Options
}

// UpgradeLegacy synthesizes a modern Metadata from a pre-2.2 image:
// every entry_table_v2_2 entry that references a shared regular-file
// inode is given its own, distinct inode number, with a chunk range copied
// from (and identical in content to) the original shared inode's range. On
// disk chunk order is preserved; directory and symlink inode numbers are
// unaffected since only the regular-file rank grows.
func UpgradeLegacy(lm *LegacyMetadata) (*Metadata, error) {
	numDirs := int(lm.RankBoundary[RankSymlink] - lm.RankBoundary[RankDirectory])
	numSymlinks := int(lm.RankBoundary[RankRegular] - lm.RankBoundary[RankSymlink])

	m := &Metadata{
		Options:   lm.Options,
		BlockSize: lm.BlockSize,
		Names:     lm.Names,
		Symlinks:  lm.Symlinks,
		Modes:     lm.Modes,
		Uids:      lm.Uids,
		Gids:      lm.Gids,
		DeviceIDs: map[uint32]uint64{},
	}

	// Directory and symlink inodes carry over unchanged; only the regular
	// rank is renumbered.
	m.Inodes = append(m.Inodes, lm.Inodes[:lm.RankBoundary[RankRegular]]...)
	m.SymlinkTable = append([]uint32(nil), lm.SymlinkTable...)

	m.RankBoundary[RankDirectory] = 0
	m.RankBoundary[RankSymlink] = uint32(numDirs)
	m.RankBoundary[RankRegular] = uint32(numDirs + numSymlinks)

	// legacyRegularStart/End bound the original regular rank in lm.Inodes.
	legacyRegularStart := lm.RankBoundary[RankRegular]
	legacyRegularEnd := lm.RankBoundary[RankDevice]

	// Map each distinct legacy regular inode number to its chunk range.
	legacyChunkRange := func(legacyIno uint32) (uint32, uint32) {
		idx := legacyIno - legacyRegularStart
		if int(idx)+1 >= len(lm.ChunkTable) {
			return 0, 0
		}
		return lm.ChunkTable[idx], lm.ChunkTable[idx+1]
	}

	// Walk entry_table_v2_2 grouped by parent directory, each group sorted
	// by name so the new dir_entries table supports the same per-directory
	// binary search the modern format relies on.
	entriesByParent := map[uint32][]LegacyEntry{}
	var parents []uint32
	for _, e := range lm.EntryTableV22 {
		if _, ok := entriesByParent[e.ParentInode]; !ok {
			parents = append(parents, e.ParentInode)
		}
		entriesByParent[e.ParentInode] = append(entriesByParent[e.ParentInode], e)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })
	for _, entries := range entriesByParent {
		sort.Slice(entries, func(i, j int) bool { return m.nameAt(lm, entries[i].NameIndex) < m.nameAt(lm, entries[j].NameIndex) })
	}

	// Pass 1: count how many entries reference the regular rank, so the
	// device/other rank boundary is known before any inode numbers are
	// assigned (an entry referencing a device may appear before, or
	// after, the regular-referencing entries in traversal order).
	numNewRegular := uint32(0)
	for _, e := range lm.EntryTableV22 {
		if e.Inode >= legacyRegularStart && e.Inode < legacyRegularEnd {
			numNewRegular++
		}
	}
	newRegularStart := m.RankBoundary[RankRegular]
	newDeviceStart := newRegularStart + numNewRegular

	// Pass 2: assign new inode numbers and build dir_entries/chunk_table.
	nextRegular := newRegularStart
	var newChunkTable []uint32
	newChunkTable = append(newChunkTable, 0)

	m.Directories = make([]Directory, numDirs+1) // +1 sentinel

	var allDirEntries []DirEntry
	dirEntryRanges := map[uint32][2]uint32{} // directory inode -> [first, end) into allDirEntries

	for _, parent := range parents {
		first := uint32(len(allDirEntries))
		for _, e := range entriesByParent[parent] {
			inoNum := e.Inode
			switch {
			case inoNum >= legacyRegularStart && inoNum < legacyRegularEnd:
				start, end := legacyChunkRange(inoNum)
				m.Chunks = append(m.Chunks, lm.Chunks[start:end]...)
				newStart := uint32(len(m.Chunks)) - (end - start)
				newChunkTable = append(newChunkTable, newStart+(end-start))

				newIno := nextRegular
				nextRegular++
				m.Inodes = append(m.Inodes, lm.Inodes[inoNum])
				inoNum = newIno
			case inoNum >= legacyRegularEnd:
				// device/other ranks shift down by however many extra
				// regular inodes the split minted beyond the legacy count.
				inoNum = newDeviceStart + (inoNum - legacyRegularEnd)
			}
			allDirEntries = append(allDirEntries, DirEntry{NameIndex: e.NameIndex, InodeNum: inoNum})
		}
		end := uint32(len(allDirEntries))
		dirEntryRanges[parent] = [2]uint32{first, end}
	}

	m.RankBoundary[RankDevice] = newDeviceStart
	devCount := len(lm.Inodes) - int(legacyRegularEnd)
	m.RankBoundary[RankOther] = newDeviceStart + uint32(devCount)
	m.Inodes = append(m.Inodes, lm.Inodes[legacyRegularEnd:]...)

	m.DirEntries = allDirEntries
	m.ChunkTable = newChunkTable
	m.SharedFilesTable = identitySharedTable(numNewRegular)

	for i := uint32(0); i < uint32(numDirs); i++ {
		rng, ok := dirEntryRanges[i]
		if !ok {
			rng = [2]uint32{uint32(len(allDirEntries)), uint32(len(allDirEntries))}
		}
		m.Directories[i] = Directory{ParentEntry: 0, FirstEntry: rng[0], SelfEntry: 0}
	}
	m.Directories[numDirs] = Directory{FirstEntry: uint32(len(allDirEntries))}

	m.TotalFsSize = 0
	for _, c := range m.Chunks {
		m.TotalFsSize += uint64(c.Size)
	}

	return m, nil
}

func (m *Metadata) nameAt(lm *LegacyMetadata, idx uint32) string {
	if int(idx) >= len(lm.Names) {
		return ""
	}
	return lm.Names[idx]
}

func identitySharedTable(n uint32) []uint32 {
	t := make([]uint32, n+1)
	for i := range t {
		t[i] = uint32(i)
	}
	return t
}
