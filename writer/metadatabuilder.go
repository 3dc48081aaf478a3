package writer

import (
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/dwarfsgo/dwarfs/metadata"
)

// RegularFile is what the filesystem writer hands the metadata builder
// for each regular-file Entry it has finished writing blocks for: the
// chunk list in file order.
type RegularFile struct {
	Entry  *Entry
	Chunks []metadata.Chunk
}

// BuilderOptions carries the metadata pack/feature knobs.
type BuilderOptions struct {
	PackDirectories      bool
	PackChunkTable       bool
	PackSharedFilesTable bool

	// PackNames/PackSymlinks request FSST-style string packing when a
	// packed form would be shorter than raw. This implementation always
	// stores names/symlinks as plain strings: the METADATA_V2 section is
	// itself compressed by the codec layer, which already captures the
	// redundancy FSST targets, so a second packing layer buys very little
	// on. The flags are copied into Metadata.Options, but Encode does not
	// write them and nothing else reads them.
	PackNames    bool
	PackSymlinks bool

	TimeResolutionSec      int64
	PreferredPathSeparator byte

	// ForceUid/ForceGid override every inode's owner/group with a fixed
	// value instead of the scanned one. Nil keeps the source values.
	ForceUid *uint32
	ForceGid *uint32

	BlockSize       uint32
	DwarfsVersion   string
	CreateTimestamp int64
	HasCreateStamp  bool
	Features        []string

	// SizeCacheThreshold builds a RegFileSizeCache entry for any regular
	// file with at least this many chunks, so Size() avoids walking a
	// long chunk list. 0 disables the cache.
	SizeCacheThreshold int
}

// MetadataBuilder assembles a frozen metadata.Metadata from the entries a
// Scanner produced plus the chunk lists the filesystem writer accumulated
// while compressing file data.
type MetadataBuilder struct {
	opts BuilderOptions
}

func NewMetadataBuilder(opts BuilderOptions) *MetadataBuilder {
	return &MetadataBuilder{opts: opts}
}

type treeNode struct {
	entry    *Entry
	children []*treeNode
}

// Build constructs the frozen Metadata. entries is every Entry the Scanner
// produced (directories, symlinks, devices, and regular files alike,
// including hardlink/content-dedup followers); regularFiles carries the
// chunk list the writer built for each *unique* regular-file inode (Entry
// owners only — followers share their owner's chunk list via
// SharedFilesTable).
func (b *MetadataBuilder) Build(entries []*Entry, regularFiles []RegularFile) (*metadata.Metadata, error) {
	root, byPath := buildTree(entries)
	for _, n := range byPath {
		sort.Slice(n.children, func(i, j int) bool {
			return path.Base(n.children[i].entry.Path) < path.Base(n.children[j].entry.Path)
		})
	}

	names := newInterner()
	symlinks := newInterner()
	modes := newUint32Interner()
	uids := newUint32Interner()
	gids := newUint32Interner()

	chunksByInode := map[int][]metadata.Chunk{}
	for _, rf := range regularFiles {
		chunksByInode[rf.Entry.Inode] = rf.Chunks
	}

	dirNodes, symlinkNodes, regularNodes, deviceNodes, otherNodes := partitionByRank(root)

	rankBoundary := [5]uint32{}
	rankBoundary[1] = uint32(len(dirNodes))
	rankBoundary[2] = rankBoundary[1] + uint32(len(symlinkNodes))
	rankBoundary[3] = rankBoundary[2] + uint32(len(regularNodes))
	rankBoundary[4] = rankBoundary[3] + uint32(len(deviceNodes))
	total := rankBoundary[4] + uint32(len(otherNodes))

	newNum := make(map[*treeNode]uint32, total)
	assign := func(list []*treeNode, base uint32) {
		for i, n := range list {
			newNum[n] = base + uint32(i)
		}
	}
	assign(dirNodes, rankBoundary[0])
	assign(symlinkNodes, rankBoundary[1])
	assign(regularNodes, rankBoundary[2])
	assign(deviceNodes, rankBoundary[3])
	assign(otherNodes, rankBoundary[4])

	m := &metadata.Metadata{
		Options: metadata.Options{
			PackChunkTable:         b.opts.PackChunkTable,
			PackDirectories:        b.opts.PackDirectories,
			PackSharedFilesTable:   b.opts.PackSharedFilesTable,
			PackNames:              b.opts.PackNames,
			PackSymlinks:           b.opts.PackSymlinks,
			TimeResolutionSec:      b.opts.TimeResolutionSec,
			PreferredPathSeparator: b.opts.PreferredPathSeparator,
		},
		BlockSize:       b.opts.BlockSize,
		RankBoundary:    rankBoundary,
		DwarfsVersion:   b.opts.DwarfsVersion,
		CreateTimestamp: b.opts.CreateTimestamp,
		HasCreateStamp:  b.opts.HasCreateStamp,
		Features:        b.opts.Features,
		DeviceIDs:       map[uint32]uint64{},
	}

	m.Inodes = make([]metadata.InodeEntry, total)
	res := timeResolution(b.opts.TimeResolutionSec)
	setInode := func(n *treeNode) {
		e := n.entry
		var mode uint32
		var mtime int64
		if e.Info != nil {
			mode = modeToUnixBits(e.Info)
			mtime = e.Info.ModTime().Unix()
		}
		uid, gid := e.uid, e.gid
		if b.opts.ForceUid != nil {
			uid = *b.opts.ForceUid
		}
		if b.opts.ForceGid != nil {
			gid = *b.opts.ForceGid
		}
		m.Inodes[newNum[n]] = metadata.InodeEntry{
			ModeIndex:   modes.intern(mode),
			OwnerIndex:  uids.intern(uid),
			GroupIndex:  gids.intern(gid),
			AtimeOffset: mtime / res,
			MtimeOffset: mtime / res,
			CtimeOffset: mtime / res,
		}
	}
	for _, n := range dirNodes {
		setInode(n)
	}
	for _, n := range symlinkNodes {
		setInode(n)
	}
	for _, n := range regularNodes {
		setInode(n)
	}
	for _, n := range deviceNodes {
		setInode(n)
	}
	for _, n := range otherNodes {
		setInode(n)
	}

	// Directories + DirEntries, in the same order dirNodes was assigned
	// inode numbers (root first), so directory-index == rank-relative
	// inode number (what view.go's directoryIndex assumes).
	dirOrder := dirNodes
	parentNum := map[*treeNode]uint32{}
	for _, n := range dirOrder {
		for _, c := range n.children {
			parentNum[c] = newNum[n]
		}
	}

	var dirEntries []metadata.DirEntry
	directories := make([]metadata.Directory, 0, len(dirOrder)+1)
	for _, n := range dirOrder {
		first := uint32(len(dirEntries))
		for _, c := range n.children {
			dirEntries = append(dirEntries, metadata.DirEntry{
				NameIndex: names.intern(path.Base(c.entry.Path)),
				InodeNum:  newNum[c],
			})
		}
		parent := parentNum[n]
		directories = append(directories, metadata.Directory{ParentEntry: parent, FirstEntry: first, SelfEntry: first})
	}
	directories = append(directories, metadata.Directory{FirstEntry: uint32(len(dirEntries))})
	m.Directories = directories
	m.DirEntries = dirEntries

	m.SymlinkTable = make([]uint32, len(symlinkNodes))
	for i, n := range symlinkNodes {
		m.SymlinkTable[i] = symlinks.intern(n.entry.SymlinkTarget)
	}
	m.Symlinks = symlinks.names

	m.ChunkTable = make([]uint32, len(regularNodes)+1)
	m.SharedFilesTable = make([]uint32, len(regularNodes))
	var chunks []metadata.Chunk
	// ownerListIndex maps a content owner's scanner inode number to the
	// first regularNodes position that claimed it. Directory entries sort
	// alphabetically by basename (above), which need not agree with the
	// scanner's owner-before-follower dedup order, so the *first entry
	// encountered here* -- not necessarily the literal dedup owner's own
	// tree node -- becomes the representative that holds the chunk list;
	// every other entry sharing the same content owner redirects to it via
	// SharedFilesTable, regardless of which one is the "real" owner.
	ownerListIndex := map[int]int{}
	for i, n := range regularNodes {
		ownerInode := chunkOwner(n.entry).Inode
		if li, ok := ownerListIndex[ownerInode]; ok {
			m.SharedFilesTable[i] = uint32(li)
			// ChunkTable[i] is never dereferenced for a shared entry --
			// Chunks() redirects through SharedFilesTable first -- but it
			// still has to hold a non-decreasing value of its own, since
			// Validate checks the whole table.
			m.ChunkTable[i] = uint32(len(chunks))
		} else {
			ownerListIndex[ownerInode] = i
			m.ChunkTable[i] = uint32(len(chunks))
			chunks = append(chunks, chunksByInode[ownerInode]...)
			m.SharedFilesTable[i] = uint32(i)
		}
		if b.opts.SizeCacheThreshold > 0 && len(chunksByInode[ownerInode]) >= b.opts.SizeCacheThreshold {
			var sz uint64
			for _, c := range chunksByInode[ownerInode] {
				sz += uint64(c.Size)
			}
			if m.RegFileSizeCache == nil {
				m.RegFileSizeCache = map[uint32]uint64{}
			}
			m.RegFileSizeCache[uint32(i)] = sz
		}
	}
	m.ChunkTable[len(regularNodes)] = uint32(len(chunks))
	m.Chunks = chunks

	m.Names = names.names
	m.Modes = modes.values
	m.Uids = uids.values
	m.Gids = gids.values

	var totalSize uint64
	for _, c := range chunks {
		totalSize += uint64(c.Size)
	}
	m.TotalFsSize = totalSize

	return m, nil
}

// chunkOwner follows sharesWith to the Entry that actually owns the chunk
// list (itself, if it isn't a hardlink/content-dedup follower).
func chunkOwner(e *Entry) *Entry {
	for e.sharesWith != nil {
		e = e.sharesWith
	}
	return e
}

// buildTree arranges entries (flat, path-keyed) into a tree rooted at ".".
func buildTree(entries []*Entry) (*treeNode, map[string]*treeNode) {
	byPath := make(map[string]*treeNode, len(entries))
	var root *treeNode
	for _, e := range entries {
		n := &treeNode{entry: e}
		byPath[e.Path] = n
		if e.Path == "." || e.Path == "" {
			root = n
		}
	}
	if root == nil {
		root = &treeNode{entry: &Entry{Path: ".", Inode: -1, Info: dirInfo{}}}
		byPath["."] = root
	}
	for _, e := range entries {
		n := byPath[e.Path]
		if n == root {
			continue
		}
		parent, ok := byPath[path.Dir(e.Path)]
		if !ok {
			parent = root
		}
		parent.children = append(parent.children, n)
	}
	return root, byPath
}

// partitionByRank splits every node of the tree, root included, into the
// five ranks, pre-order. The root directory is always the first element
// of dirs, so it becomes inode 0 (RankBoundary[0] == 0).
func partitionByRank(root *treeNode) (dirs, symlinks, regulars, devices, others []*treeNode) {
	dirs = append(dirs, root)
	var walk func(n *treeNode)
	walk = func(n *treeNode) {
		for _, c := range n.children {
			switch {
			case c.entry.Info.IsDir():
				dirs = append(dirs, c)
			case c.entry.Info.Mode()&fs.ModeSymlink != 0:
				symlinks = append(symlinks, c)
			case c.entry.Info.Mode().IsRegular():
				regulars = append(regulars, c)
			case c.entry.Info.Mode()&fs.ModeDevice != 0:
				devices = append(devices, c)
			default:
				others = append(others, c)
			}
			walk(c)
		}
	}
	walk(root)
	return
}

const (
	unixIFDIR  = 0040000
	unixIFREG  = 0100000
	unixIFLNK  = 0120000
	unixIFBLK  = 0060000
	unixIFCHR  = 0020000
	unixIFIFO  = 0010000
	unixIFSOCK = 0140000
)

// modeToUnixBits converts fi's Go fs.FileMode into the packed unix
// st_mode word the metadata table stores.
func modeToUnixBits(fi fs.FileInfo) uint32 {
	m := fi.Mode()
	perm := uint32(m.Perm())
	switch {
	case m.IsDir():
		return unixIFDIR | perm
	case m&fs.ModeSymlink != 0:
		return unixIFLNK | perm
	case m&fs.ModeCharDevice != 0:
		return unixIFCHR | perm
	case m&fs.ModeDevice != 0:
		return unixIFBLK | perm
	case m&fs.ModeNamedPipe != 0:
		return unixIFIFO | perm
	case m&fs.ModeSocket != 0:
		return unixIFSOCK | perm
	default:
		return unixIFREG | perm
	}
}

func timeResolution(sec int64) int64 {
	if sec <= 0 {
		return 1
	}
	return sec
}

// interner deduplicates strings into a dense, append-order table.
type interner struct {
	names []string
	index map[string]uint32
}

func newInterner() *interner {
	return &interner{index: map[string]uint32{}}
}

func (in *interner) intern(s string) uint32 {
	if idx, ok := in.index[s]; ok {
		return idx
	}
	idx := uint32(len(in.names))
	in.names = append(in.names, s)
	in.index[s] = idx
	return idx
}

type uint32Interner struct {
	values []uint32
	index  map[uint32]uint32
}

func newUint32Interner() *uint32Interner {
	return &uint32Interner{index: map[uint32]uint32{}}
}

func (in *uint32Interner) intern(v uint32) uint32 {
	if idx, ok := in.index[v]; ok {
		return idx
	}
	idx := uint32(len(in.values))
	in.values = append(in.values, v)
	in.index[v] = idx
	return idx
}

// dirInfo is a minimal synthetic fs.FileInfo for the implicit root
// directory, used only when the caller's entry list doesn't already
// include an explicit "." entry (fs.WalkDir always visits root, so this
// rarely triggers).
type dirInfo struct{}

func (dirInfo) Name() string      { return "." }
func (dirInfo) Size() int64       { return 0 }
func (dirInfo) Mode() fs.FileMode { return fs.ModeDir | 0755 }
func (dirInfo) ModTime() time.Time { return time.Time{} }
func (dirInfo) IsDir() bool       { return true }
func (dirInfo) Sys() any          { return nil }
