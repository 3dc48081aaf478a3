package metadata

import (
	"io/fs"
	"sort"
	"strings"
)

// View is the read-only, freely-shared traversal surface over a Metadata
// value. It never copies the underlying slices.
type View struct {
	m *Metadata
}

// NewView wraps m. Callers are expected to have already called m.Validate().
func NewView(m *Metadata) *View {
	return &View{m: m}
}

func (v *View) Metadata() *Metadata { return v.m }

// InodeView is a lightweight handle into one inode; cheap to copy, valid for
// the lifetime of the View it came from.
type InodeView struct {
	v   *View
	Num uint32
}

// Inode returns the view for inode number n in O(1), or ok=false if n is out
// of range.
func (v *View) Inode(n uint32) (InodeView, bool) {
	if int(n) >= len(v.m.Inodes) {
		return InodeView{}, false
	}
	return InodeView{v: v, Num: n}, true
}

func (iv InodeView) entry() InodeEntry { return iv.v.m.Inodes[iv.Num] }

func (iv InodeView) Rank() Rank { return iv.v.m.RankOf(iv.Num) }

func (iv InodeView) Mode() fs.FileMode {
	e := iv.entry()
	raw := uint32(0)
	if int(e.ModeIndex) < len(iv.v.m.Modes) {
		raw = iv.v.m.Modes[e.ModeIndex]
	}
	return unixToFileMode(raw)
}

func (iv InodeView) IsDir() bool     { return iv.Rank() == RankDirectory }
func (iv InodeView) IsSymlink() bool { return iv.Rank() == RankSymlink }
func (iv InodeView) IsRegular() bool { return iv.Rank() == RankRegular }

func (iv InodeView) Uid() uint32 {
	e := iv.entry()
	if int(e.OwnerIndex) < len(iv.v.m.Uids) {
		return iv.v.m.Uids[e.OwnerIndex]
	}
	return 0
}

func (iv InodeView) Gid() uint32 {
	e := iv.entry()
	if int(e.GroupIndex) < len(iv.v.m.Gids) {
		return iv.v.m.Gids[e.GroupIndex]
	}
	return 0
}

func (iv InodeView) Atime() int64 { return iv.entry().AtimeOffset * iv.v.m.Options.timeResolutionOrOne() }
func (iv InodeView) Mtime() int64 { return iv.entry().MtimeOffset * iv.v.m.Options.timeResolutionOrOne() }
func (iv InodeView) Ctime() int64 { return iv.entry().CtimeOffset * iv.v.m.Options.timeResolutionOrOne() }

func (o Options) timeResolutionOrOne() int64 {
	if o.TimeResolutionSec <= 0 {
		return 1
	}
	return o.TimeResolutionSec
}

// Size returns a regular file's size in bytes, by summing its chunk list
// (or consulting reg_file_size_cache when present).
func (iv InodeView) Size() uint64 {
	if iv.Rank() != RankRegular {
		if iv.Rank() == RankSymlink {
			return uint64(len(iv.Symlink()))
		}
		return 0
	}
	idx := iv.v.m.regularFileIndex(iv.Num)
	if sz, ok := iv.v.m.RegFileSizeCache[uint32(idx)]; ok {
		return sz
	}
	var total uint64
	for _, c := range iv.v.Chunks(iv) {
		total += uint64(c.Size)
	}
	return total
}

// NLink counts how many directory entries reference iv's inode number.
// Directories always report 1, as does an inode no entry references;
// legacy-upgraded files that were split into distinct inodes (see
// UpgradeLegacy) always come back as 1.
func (v *View) NLink(iv InodeView) int {
	if iv.IsDir() {
		return 1
	}
	n := 0
	for _, e := range v.m.DirEntries {
		if e.InodeNum == iv.Num {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return n
}

// Symlink returns a symlink's target string, or "" if iv isn't a symlink.
func (iv InodeView) Symlink() string {
	idx := iv.v.m.symlinkIndex(iv.Num)
	if idx < 0 || idx >= len(iv.v.m.SymlinkTable) {
		return ""
	}
	si := iv.v.m.SymlinkTable[idx]
	if int(si) >= len(iv.v.m.Symlinks) {
		return ""
	}
	return iv.v.m.Symlinks[si]
}

// Chunks returns iv's chunk list, resolving through shared_files_table
// first so files that share content share the same underlying slice.
func (v *View) Chunks(iv InodeView) []Chunk {
	idx := v.m.regularFileIndex(iv.Num)
	if idx < 0 {
		return nil
	}
	chunkListIndex := idx
	if idx < len(v.m.SharedFilesTable) {
		chunkListIndex = int(v.m.SharedFilesTable[idx])
	}
	if chunkListIndex+1 >= len(v.m.ChunkTable) {
		return nil
	}
	start := v.m.ChunkTable[chunkListIndex]
	end := v.m.ChunkTable[chunkListIndex+1]
	if end > uint32(len(v.m.Chunks)) || start > end {
		return nil
	}
	return v.m.Chunks[start:end]
}

// directoryIndex converts a directory inode number into an index into
// Directories. Directory inodes are rank 0, so the conversion is identity
// minus the (always zero) RankDirectory boundary, kept explicit for clarity.
func (v *View) directoryIndex(n uint32) int {
	if v.m.RankOf(n) != RankDirectory {
		return -1
	}
	return int(n - v.m.RankBoundary[RankDirectory])
}

// Readdir yields the (name, inode) pairs of directory dir starting at
// offset. Offsets 0 and 1 are the synthetic "." and ".." entries.
func (v *View) Readdir(dir InodeView, offset int) ([]DirEntryView, error) {
	if !dir.IsDir() {
		return nil, fs.ErrInvalid
	}
	di := v.directoryIndex(dir.Num)
	if di < 0 || di+1 >= len(v.m.Directories) {
		return nil, fs.ErrInvalid
	}
	d := v.m.Directories[di]
	next := v.m.Directories[di+1]

	var out []DirEntryView
	pos := 0
	emit := func(name string, ino uint32) {
		if pos >= offset {
			out = append(out, DirEntryView{Name: name, Inode: ino})
		}
		pos++
	}
	emit(".", dir.Num)
	emit("..", d.ParentEntry)

	for i := d.FirstEntry; i < next.FirstEntry; i++ {
		e := v.m.DirEntries[i]
		name := ""
		if int(e.NameIndex) < len(v.m.Names) {
			name = v.m.Names[e.NameIndex]
		}
		emit(name, e.InodeNum)
	}
	return out, nil
}

// DirEntryView is one entry yielded by Readdir.
type DirEntryView struct {
	Name  string
	Inode uint32
}

// Find resolves a path, starting at the root inode (0), into an InodeView.
// Components are split on the image's preferred path separator ('/' unless
// the metadata options set another). It takes paths only: lookup by inode
// number is Inode, and lookup of one name in a directory is FindChild.
func (v *View) Find(path string) (InodeView, bool) {
	root, ok := v.Inode(v.m.RankBoundary[RankDirectory])
	if !ok {
		return InodeView{}, false
	}
	path = strings.Trim(path, string(v.pathSeparator()))
	if path == "" || path == "." {
		// "." is what io/fs callers pass for the root
		return root, true
	}
	cur := root
	for _, part := range strings.Split(path, string(v.pathSeparator())) {
		if part == "" {
			continue
		}
		next, ok := v.FindChild(cur, part)
		if !ok {
			return InodeView{}, false
		}
		cur = next
	}
	return cur, true
}

func (v *View) pathSeparator() byte {
	if v.m.Options.PreferredPathSeparator == 0 {
		return '/'
	}
	return v.m.Options.PreferredPathSeparator
}

// FindChild looks up name within directory dir using binary search over
// dir_entries, which the builder keeps sorted by name per directory.
func (v *View) FindChild(dir InodeView, name string) (InodeView, bool) {
	if !dir.IsDir() {
		return InodeView{}, false
	}
	di := v.directoryIndex(dir.Num)
	if di < 0 || di+1 >= len(v.m.Directories) {
		return InodeView{}, false
	}
	d := v.m.Directories[di]
	next := v.m.Directories[di+1]
	entries := v.m.DirEntries[d.FirstEntry:next.FirstEntry]

	i := sort.Search(len(entries), func(i int) bool {
		return v.nameOf(entries[i].NameIndex) >= name
	})
	if i >= len(entries) || v.nameOf(entries[i].NameIndex) != name {
		return InodeView{}, false
	}
	return v.Inode(entries[i].InodeNum)
}

func (v *View) nameOf(idx uint32) string {
	if int(idx) >= len(v.m.Names) {
		return ""
	}
	return v.m.Names[idx]
}

// Walk visits the tree in pre-order, calling fn(path, iv) for every inode
// reachable from the root. Walking stops and returns fn's error if non-nil.
func (v *View) Walk(fn func(path string, iv InodeView) error) error {
	root, ok := v.Inode(v.m.RankBoundary[RankDirectory])
	if !ok {
		return fs.ErrInvalid
	}
	return v.walk("", root, fn)
}

func (v *View) walk(path string, iv InodeView, fn func(string, InodeView) error) error {
	if err := fn(path, iv); err != nil {
		return err
	}
	if !iv.IsDir() {
		return nil
	}
	entries, err := v.Readdir(iv, 2) // skip synthetic . and ..
	if err != nil {
		return err
	}
	for _, e := range entries {
		child, ok := v.Inode(e.Inode)
		if !ok {
			continue
		}
		childPath := e.Name
		if path != "" {
			childPath = path + "/" + e.Name
		}
		if err := v.walk(childPath, child, fn); err != nil {
			return err
		}
	}
	return nil
}

// WalkDataOrder visits every regular-file inode in the order its first
// chunk appears on disk (by block, then offset), the order that minimizes
// backward seeks when extracting sequentially.
func (v *View) WalkDataOrder(fn func(iv InodeView) error) error {
	type entry struct {
		ino   uint32
		block uint32
		off   uint32
	}
	var order []entry
	numRegular := int(v.m.RankBoundary[RankDevice]) - int(v.m.RankBoundary[RankRegular])
	for i := 0; i < numRegular; i++ {
		ino := v.m.RankBoundary[RankRegular] + uint32(i)
		iv, ok := v.Inode(ino)
		if !ok {
			continue
		}
		chunks := v.Chunks(iv)
		if len(chunks) == 0 {
			order = append(order, entry{ino: ino})
			continue
		}
		order = append(order, entry{ino: ino, block: chunks[0].Block, off: chunks[0].Offset})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].block != order[j].block {
			return order[i].block < order[j].block
		}
		return order[i].off < order[j].off
	})
	for _, e := range order {
		iv, _ := v.Inode(e.ino)
		if err := fn(iv); err != nil {
			return err
		}
	}
	return nil
}
