// Package writer implements the image-building side of the format:
// walking a source tree, deduplicating file content, building the frozen
// metadata tables, and emitting a section container through the
// multi-queue merger.
package writer

import (
	"io"
	"io/fs"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Hashing a 4 KiB prefix into the tier-1 key is only worth the cost of
// an extra read for files large enough that a size-only collision would
// otherwise be common.
const (
	startHashThreshold = 1 << 20
	startHashSize      = 4096
)

// HashFunc computes a content hash over r. A nil HashFunc disables dedup
// entirely: every file gets its own inode except hardlink-grouped ones.
type HashFunc func(r io.Reader) (uint64, error)

// XXH64 hashes r with the same algorithm the section checksums use, and
// is the full-content hash Writer uses when Options.HashAlgo is nil.
func XXH64(r io.Reader) (uint64, error) {
	h := xxhash.New()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Entry is one file (or directory/symlink/device) the Scanner has
// accepted. Inode is -1 until Finalize assigns it.
type Entry struct {
	Path string
	Info fs.FileInfo

	Inode   int
	Invalid bool // set when reading the file for hashing failed

	// SymlinkTarget is the link target, filled in by Add via the
	// Scanner's ReadLink callback when Info is a symlink.
	SymlinkTarget string

	isRegular bool
	size      int64

	dev, rawIno uint64
	nlink       uint32
	uid, gid    uint32
	hasIdentity bool

	// sharesWith points at the Entry this one's inode is shared with
	// (hardlink group leader, or tier-2 content-dedup hit). nil means
	// this Entry is itself the owner of a fresh inode.
	sharesWith *Entry
}

type hashKey struct {
	size      int64
	startHash uint64
}

// dedupGroup is the tier-1 bucket for one (size, start_hash) key: the
// first file seen under the key owns the inode and runs a background
// full-hash job; every subsequent file waits on that job via wg before
// consulting byHash.
type dedupGroup struct {
	wg      sync.WaitGroup
	first   *Entry
	byHash  map[uint64]*Entry
	mu      sync.Mutex
}

type devIno struct{ dev, ino uint64 }

// Scanner is the two-tier deduplicating file scan: files are bucketed by
// (size, start hash) first, and only bucket collisions pay for a full
// content hash. Add takes fsys followed by fs.WalkDirFunc's arguments, so
// a one-line fs.WalkDir callback can drive a Scanner.
type Scanner struct {
	hashAlgo HashFunc
	// ReadLink resolves a symlink entry's target. Left nil when scanning
	// an fs.FS that has no notion of links (e.g. fstest.MapFS in tests);
	// cmd/mkdwarfs wires this to os.Readlink for real trees.
	ReadLink func(path string) (string, error)

	mu        sync.Mutex
	entries   []*Entry
	tier1     map[hashKey]*dedupGroup
	hardlinks map[devIno]*Entry
}

// NewScanner constructs a Scanner using hashAlgo for tier-2 full-content
// hashing (nil disables content dedup; hardlink grouping still applies).
func NewScanner(hashAlgo HashFunc) *Scanner {
	return &Scanner{
		hashAlgo:  hashAlgo,
		tier1:     map[hashKey]*dedupGroup{},
		hardlinks: map[devIno]*Entry{},
	}
}

// Add takes fsys followed by fs.WalkDirFunc's arguments, so a one-line
// fs.WalkDir callback can drive it; fsys supplies file content for hashing
// regular files. A
// per-file I/O error marks the entry invalid and files it as an empty
// regular file with its own inode rather than aborting the walk.
func (s *Scanner) Add(fsys fs.FS, path string, d fs.DirEntry, err error) error {
	if err != nil {
		return err
	}
	info, err := d.Info()
	if err != nil {
		return err
	}

	e := &Entry{Path: path, Info: info, Inode: -1, isRegular: info.Mode().IsRegular(), size: info.Size()}
	if dev, ino, nlink, uid, gid, ok := rawIdentity(info); ok {
		e.dev, e.rawIno, e.nlink, e.uid, e.gid, e.hasIdentity = dev, ino, nlink, uid, gid, true
	}

	if info.Mode()&fs.ModeSymlink != 0 && s.ReadLink != nil {
		target, lerr := s.ReadLink(path)
		if lerr != nil {
			e.Invalid = true
		} else {
			e.SymlinkTarget = target
		}
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	if !e.isRegular {
		return nil
	}

	if e.hasIdentity && e.nlink > 1 {
		key := devIno{e.dev, e.rawIno}
		s.mu.Lock()
		if leader, ok := s.hardlinks[key]; ok {
			e.sharesWith = leader
			s.mu.Unlock()
			return nil
		}
		s.hardlinks[key] = e
		s.mu.Unlock()
	}

	if s.hashAlgo == nil {
		return nil
	}

	s.dedup(fsys, e)
	return nil
}

// dedup runs e through the tier-1/tier-2 algorithm, mutating e.sharesWith
// when e turns out to be a duplicate.
func (s *Scanner) dedup(fsys fs.FS, e *Entry) {
	var startHash uint64
	if e.size >= startHashThreshold {
		f, err := fsys.Open(e.Path)
		if err != nil {
			e.Invalid = true
			return
		}
		h, err := hashPrefix(f, startHashSize)
		f.Close()
		if err != nil {
			e.Invalid = true
			return
		}
		startHash = h
	}
	key := hashKey{size: e.size, startHash: startHash}

	s.mu.Lock()
	g, exists := s.tier1[key]
	if !exists {
		g = &dedupGroup{first: e, byHash: map[uint64]*Entry{}}
		g.wg.Add(1)
		s.tier1[key] = g
		s.mu.Unlock()

		full, err := s.fullHash(fsys, e)
		if err != nil {
			e.Invalid = true
		} else {
			g.mu.Lock()
			g.byHash[full] = e
			g.mu.Unlock()
		}
		g.wg.Done()
		return
	}
	s.mu.Unlock()

	g.wg.Wait()

	full, err := s.fullHash(fsys, e)
	if err != nil {
		e.Invalid = true
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if owner, ok := g.byHash[full]; ok {
		e.sharesWith = owner
		return
	}
	g.byHash[full] = e
}

func (s *Scanner) fullHash(fsys fs.FS, e *Entry) (uint64, error) {
	f, err := fsys.Open(e.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.hashAlgo(f)
}

func hashPrefix(r io.Reader, n int) (uint64, error) {
	h := xxhash.New()
	_, err := io.Copy(h, io.LimitReader(r, int64(n)))
	if err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Finalize resolves every Entry's Inode number in two passes: unique
// files first (contiguous low range, ordered by path for
// reproducibility), then non-unique files ordered by reversed path. It
// returns the full entry list, each with Inode filled in.
func (s *Scanner) Finalize() []*Entry {
	s.mu.Lock()
	entries := append([]*Entry(nil), s.entries...)
	s.mu.Unlock()

	// Resolve sharesWith chains (hardlink leader might itself share via
	// content dedup) to their ultimate owner.
	owner := func(e *Entry) *Entry {
		for e.sharesWith != nil {
			e = e.sharesWith
		}
		return e
	}

	var unique, shared []*Entry
	for _, e := range entries {
		if !e.isRegular || owner(e) == e {
			unique = append(unique, e)
		} else {
			shared = append(shared, e)
		}
	}

	sort.Slice(unique, func(i, j int) bool { return unique[i].Path < unique[j].Path })
	sort.Slice(shared, func(i, j int) bool {
		return reverseString(shared[i].Path) < reverseString(shared[j].Path)
	})

	next := 0
	for _, e := range unique {
		e.Inode = next
		next++
	}
	for _, e := range shared {
		e.Inode = owner(e).Inode
	}

	return entries
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
