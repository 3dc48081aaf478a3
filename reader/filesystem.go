package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/dwarfsgo/dwarfs"
	rootcache "github.com/dwarfsgo/dwarfs/cache"
	"github.com/dwarfsgo/dwarfs/metadata"
)

// Filesystem is the read-only reader façade: it owns the parsed section
// list, the frozen metadata view, the block cache, and the inode reader,
// and exposes the public read operations over them.
type Filesystem struct {
	image io.ReaderAt
	size  int64

	sections []*dwarfs.Section
	view     *metadata.View
	block    *rootcache.Cache
	source   *BlockSource
	ir       *InodeReader

	createTimestamp int64
}

// Config bundles the block-cache and inode-reader knobs.
type Config struct {
	Cache     rootcache.Config
	Readahead int64
	MaxIov    int
}

// Open parses image's section container, validates and decodes its
// metadata, and constructs a ready-to-use Filesystem.
func Open(image io.ReaderAt, size int64, cfg Config) (*Filesystem, error) {
	sections, err := scanSections(image, size)
	if err != nil {
		return nil, err
	}

	var metaSection, schemaSection *dwarfs.Section
	for _, s := range sections {
		switch s.Header.Type {
		case dwarfs.METADATA_V2:
			metaSection = s
		case dwarfs.METADATA_V2_SCHEMA:
			schemaSection = s
		}
	}
	if metaSection == nil {
		return nil, fmt.Errorf("dwarfs: image has no %s section", dwarfs.METADATA_V2)
	}

	// The schema section is optional on read (pre-schema images decode
	// fine), but when present it must describe a layout we understand.
	if schemaSection != nil {
		raw, err := schemaSection.Payload()
		if err != nil {
			return nil, err
		}
		doc, err := decompressSectionPayload(schemaSection.Header.Compression, raw)
		if err != nil {
			return nil, err
		}
		if err := metadata.CheckSchema(doc); err != nil {
			return nil, err
		}
	}

	payload, err := metaSection.Payload()
	if err != nil {
		return nil, err
	}
	decoded, err := decodeMetadataPayload(metaSection, payload)
	if err != nil {
		return nil, err
	}
	if err := decoded.Validate(); err != nil {
		return nil, err
	}

	view := metadata.NewView(decoded)
	src := NewBlockSource(image, sections, cfg.Cache.DisableBlockIntegrityCheck)
	bc := rootcache.New(src, cfg.Cache)

	irOpts := []Option{}
	if cfg.Readahead > 0 {
		irOpts = append(irOpts, WithReadahead(cfg.Readahead))
	}
	if cfg.MaxIov > 0 {
		irOpts = append(irOpts, WithMaxIov(cfg.MaxIov))
	}
	ir := NewInodeReader(view, bc, irOpts...)

	fsys := &Filesystem{
		image:           image,
		size:            size,
		sections:        sections,
		view:            view,
		block:           bc,
		source:          src,
		ir:              ir,
		createTimestamp: decoded.CreateTimestamp,
	}
	return fsys, nil
}

// Close releases the block cache's worker pool and tidy goroutine.
func (f *Filesystem) Close() { f.block.Close() }

// SetNumWorkers resizes the block cache's decompression pool at runtime.
func (f *Filesystem) SetNumWorkers(n int) { f.block.SetNumWorkers(n) }

// SetCacheTidyConfig reconfigures the block cache's tidy loop at runtime.
func (f *Filesystem) SetCacheTidyConfig(strategy rootcache.TidyStrategy, interval, expiry time.Duration) {
	f.block.SetTidy(strategy, interval, expiry)
}

// Sections returns the parsed section list in on-disk order. The rewriter
// walks this directly rather than through the metadata/inode surface,
// since it operates on whole sections and raw block streams.
func (f *Filesystem) Sections() []*dwarfs.Section { return f.sections }

// MetadataView exposes the frozen metadata view for tools, like the
// rewriter, that need to rebuild metadata rather than just traverse it.
func (f *Filesystem) MetadataView() *metadata.View { return f.view }

// NumBlocks reports how many BLOCK sections the image carries.
func (f *Filesystem) NumBlocks() int { return f.source.NumBlocks() }

// BlockUncompressedSize returns block's uncompressed size without
// decompressing its body.
func (f *Filesystem) BlockUncompressedSize(block int) (int, error) {
	return f.block.BlockSize(block)
}

// ReadRawBlock reads size bytes at offset from block's uncompressed stream,
// through the block cache, bypassing the inode/chunk layer entirely. The
// rewriter uses this to re-stream old blocks into new ones when changing
// the block size.
func (f *Filesystem) ReadRawBlock(ctx context.Context, block, offset, size int) ([]byte, error) {
	return f.block.Get(ctx, block, offset, size)
}

func scanSections(image io.ReaderAt, size int64) ([]*dwarfs.Section, error) {
	var sections []*dwarfs.Section
	off := int64(0)
	for {
		s, err := dwarfs.ParseNext(image, off)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if s.Header.Number != uint32(len(sections)) {
			return nil, fmt.Errorf("%w: section at offset %d has number %d, want %d",
				dwarfs.ErrBadSectionNumber, off, s.Header.Number, len(sections))
		}
		sections = append(sections, s)
		off = s.PayloadOffset + int64(s.Header.Length)
		if off >= size {
			break
		}
	}
	return sections, nil
}

// decodeMetadataPayload decompresses (if needed) and wire-decodes the
// METADATA_V2 section's payload.
func decodeMetadataPayload(s *dwarfs.Section, payload []byte) (*metadata.Metadata, error) {
	if err := s.Access(); err != nil {
		return nil, err
	}
	raw, err := decompressSectionPayload(s.Header.Compression, payload)
	if err != nil {
		return nil, err
	}
	return metadata.Decode(byteReader(raw))
}

// Check runs integrity verification across every section, in parallel
// across a worker pool, to the requested level. Individual section
// failures are counted, not returned as errors.
func (f *Filesystem) Check(ctx context.Context, level dwarfs.CheckLevel, workers int) (int, error) {
	if workers < 1 {
		workers = 1
	}
	decompress := func(t dwarfs.CompressionType, payload []byte) ([]byte, error) {
		return decompressSectionPayload(t, payload)
	}

	type result struct{ failed bool }
	jobs := make(chan *dwarfs.Section)
	results := make(chan result)

	for w := 0; w < workers; w++ {
		go func() {
			for s := range jobs {
				err := s.Verify(level, decompress)
				results <- result{failed: err != nil}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, s := range f.sections {
			select {
			case jobs <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	for range f.sections {
		r := <-results
		if r.failed {
			failed++
		}
	}
	return failed, nil
}

// Find resolves path (slash-separated, root-relative) to an InodeView.
func (f *Filesystem) Find(path string) (metadata.InodeView, bool) {
	return f.view.Find(path)
}

// FindInode returns inode n's view directly, bypassing path resolution.
func (f *Filesystem) FindInode(n uint32) (metadata.InodeView, bool) {
	return f.view.Inode(n)
}

// FileStat is the attribute bundle Getattr returns.
type FileStat struct {
	Inode   uint32
	Mode    fs.FileMode
	Size    uint64
	Uid     uint32
	Gid     uint32
	Nlink   int
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// Getattr returns iv's attributes.
func (f *Filesystem) Getattr(iv metadata.InodeView) FileStat {
	return FileStat{
		Inode: iv.Num,
		Mode:  iv.Mode(),
		Size:  iv.Size(),
		Uid:   iv.Uid(),
		Gid:   iv.Gid(),
		Nlink: f.view.NLink(iv),
		Atime: time.Unix(iv.Atime(), 0),
		Mtime: time.Unix(iv.Mtime(), 0),
		Ctime: time.Unix(iv.Ctime(), 0),
	}
}

// ErrNotSymlink is returned by Readlink for a non-symlink inode.
var ErrNotSymlink = fmt.Errorf("dwarfs: not a symlink")

// ErrNotRegular is returned by Open for a non-regular-file inode.
var ErrNotRegular = fmt.Errorf("dwarfs: not a regular file")

// Readlink returns iv's link target.
func (f *Filesystem) Readlink(iv metadata.InodeView) (string, error) {
	if !iv.IsSymlink() {
		return "", ErrNotSymlink
	}
	return iv.Symlink(), nil
}

// InodeHandle is the result of Open: just the inode number.
type InodeHandle uint32

// Open validates iv is a regular file and returns its handle.
func (f *Filesystem) Open(iv metadata.InodeView) (InodeHandle, error) {
	if !iv.IsRegular() {
		return 0, ErrNotRegular
	}
	return InodeHandle(iv.Num), nil
}

// Read reads size bytes at offset from h.
func (f *Filesystem) Read(ctx context.Context, h InodeHandle, offset, size int64) ([]byte, error) {
	iv, ok := f.view.Inode(uint32(h))
	if !ok {
		return nil, fmt.Errorf("dwarfs: invalid inode handle %d", h)
	}
	return f.ir.Read(ctx, iv, offset, size)
}

// Readv reads size bytes at offset from h, returned as one []byte per
// underlying chunk.
func (f *Filesystem) Readv(ctx context.Context, h InodeHandle, offset, size int64) ([][]byte, error) {
	iv, ok := f.view.Inode(uint32(h))
	if !ok {
		return nil, fmt.Errorf("dwarfs: invalid inode handle %d", h)
	}
	return f.ir.Readv(ctx, iv, offset, size)
}

// ReadvFutures reads size bytes at offset from h, returning one Future per
// underlying chunk. InodeReader.ReadvFutures waits for each batch of
// fetches before it returns, so the futures are already resolved.
func (f *Filesystem) ReadvFutures(ctx context.Context, h InodeHandle, offset, size int64) ([]*Future, error) {
	iv, ok := f.view.Inode(uint32(h))
	if !ok {
		return nil, fmt.Errorf("dwarfs: invalid inode handle %d", h)
	}
	return f.ir.ReadvFutures(ctx, iv, offset, size)
}

// Statvfs is the filesystem-level summary returned by its namesake.
type Statvfs struct {
	BlockSize   uint32
	TotalFsSize uint64
	InodeCount  int
	ReadOnly    bool
}

func (f *Filesystem) Statvfs() Statvfs {
	m := f.view.Metadata()
	return Statvfs{
		BlockSize:   m.BlockSize,
		TotalFsSize: m.TotalFsSize,
		InodeCount:  len(m.Inodes),
		ReadOnly:    true,
	}
}

// Walk visits every inode in directory (pre-order) order.
func (f *Filesystem) Walk(fn func(path string, iv metadata.InodeView) error) error {
	return f.view.Walk(fn)
}

// WalkDataOrder visits regular-file inodes in on-disk chunk order, the
// traversal order that minimizes backward seeks when extracting an image
// sequentially.
func (f *Filesystem) WalkDataOrder(fn func(iv metadata.InodeView) error) error {
	return f.view.WalkDataOrder(fn)
}

// Opendir returns dir's entries starting at offset, synthesizing "."/".."
// at offsets 0/1.
func (f *Filesystem) Opendir(dir metadata.InodeView, offset int) ([]metadata.DirEntryView, error) {
	return f.view.Readdir(dir, offset)
}

// InfoAsJSON renders a summary of the image's metadata as JSON.
func (f *Filesystem) InfoAsJSON() ([]byte, error) {
	m := f.view.Metadata()
	info := struct {
		BlockSize       uint32   `json:"block_size"`
		TotalFsSize     uint64   `json:"total_fs_size"`
		InodeCount      int      `json:"inode_count"`
		Sections        int      `json:"section_count"`
		DwarfsVersion   string   `json:"dwarfs_version"`
		CreateTimestamp int64    `json:"create_timestamp,omitempty"`
		Features        []string `json:"features,omitempty"`
	}{
		BlockSize:       m.BlockSize,
		TotalFsSize:     m.TotalFsSize,
		InodeCount:      len(m.Inodes),
		Sections:        len(f.sections),
		DwarfsVersion:   m.DwarfsVersion,
		CreateTimestamp: f.createTimestamp,
		Features:        m.Features,
	}
	return json.MarshalIndent(info, "", "  ")
}

// fsFile adapts an InodeView into an fs.File/fs.ReadDirFile, mirroring
// file.go's File/FileDir split.
type fsFile struct {
	f    *Filesystem
	iv   metadata.InodeView
	name string
	pos  int64

	dirOff int
}

var _ fs.File = (*fsFile)(nil)
var _ fs.ReadDirFile = (*fsFile)(nil)

// StdFS returns an fs.FS view of the image, for use with io/fs helpers
// (fs.WalkDir, fs.ReadFile, fs.Glob). Filesystem itself can't implement
// fs.FS because Open is already taken by the inode-handle operation.
func (f *Filesystem) StdFS() fs.FS { return stdFS{f} }

type stdFS struct{ f *Filesystem }

func (s stdFS) Open(name string) (fs.File, error) { return s.f.OpenFS(name) }

// OpenFS resolves name through the metadata tree and returns it as an
// fs.File; the fs.FS returned by StdFS delegates its Open here.
func (f *Filesystem) OpenFS(name string) (fs.File, error) {
	iv, ok := f.view.Find(name)
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &fsFile{f: f, iv: iv, name: name}, nil
}

func (file *fsFile) Stat() (fs.FileInfo, error) {
	return &fsFileInfo{name: path.Base(file.name), iv: file.iv, f: file.f}, nil
}

func (file *fsFile) Read(p []byte) (int, error) {
	if file.iv.IsDir() {
		return 0, fs.ErrInvalid
	}
	data, err := file.f.ir.Read(context.Background(), file.iv, file.pos, int64(len(p)))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	file.pos += int64(n)
	return n, nil
}

func (file *fsFile) Close() error { return nil }

func (file *fsFile) ReadDir(n int) ([]fs.DirEntry, error) {
	// offset past the synthetic "."/".." entries; io/fs consumers must
	// never see them (fs.WalkDir would recurse forever)
	entries, err := file.f.view.Readdir(file.iv, file.dirOff+2)
	if err != nil {
		return nil, err
	}
	if n > 0 && n < len(entries) {
		entries = entries[:n]
	}
	file.dirOff += len(entries)
	out := make([]fs.DirEntry, 0, len(entries))
	for _, e := range entries {
		iv, ok := file.f.view.Inode(e.Inode)
		if !ok {
			continue
		}
		out = append(out, &fsFileInfo{name: e.Name, iv: iv, f: file.f})
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}

type fsFileInfo struct {
	name string
	iv   metadata.InodeView
	f    *Filesystem
}

var _ fs.FileInfo = (*fsFileInfo)(nil)
var _ fs.DirEntry = (*fsFileInfo)(nil)

func (fi *fsFileInfo) Name() string       { return fi.name }
func (fi *fsFileInfo) Size() int64        { return int64(fi.iv.Size()) }
func (fi *fsFileInfo) Mode() fs.FileMode  { return fi.iv.Mode() }
func (fi *fsFileInfo) ModTime() time.Time { return time.Unix(fi.iv.Mtime(), 0) }
func (fi *fsFileInfo) IsDir() bool        { return fi.iv.IsDir() }
func (fi *fsFileInfo) Sys() any           { return fi.iv }
func (fi *fsFileInfo) Type() fs.FileMode  { return fi.iv.Mode().Type() }
func (fi *fsFileInfo) Info() (fs.FileInfo, error) { return fi, nil }
