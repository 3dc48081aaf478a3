package writer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/merger"
	"github.com/dwarfsgo/dwarfs/metadata"
)

// Options configures a Writer. BlockSize bounds how much of a file's
// content goes into a single BLOCK section; Compression selects the codec
// every block and the metadata section are written with; Categorizer
// assigns categories to file content; Workers bounds how
// many files are compressed concurrently and sizes the merger's queue
// budget (four blocks per worker); the merger always runs one active slot.
type Options struct {
	BlockSize   uint32
	Compression codec.TypeName
	Categorizer Categorizer
	HashAlgo    HashFunc
	ReadLink    func(path string) (string, error)
	Workers     int

	DwarfsVersion   string
	CreateTimestamp int64
	HasCreateStamp  bool
	Features        []string

	TimeResolutionSec      int64
	PreferredPathSeparator byte
	SizeCacheThreshold     int
	PackDirectories        bool
	PackChunkTable         bool
	PackSharedFilesTable   bool

	// ForceUid/ForceGid stamp a fixed owner/group on every inode instead
	// of the scanned values. Nil keeps the source tree's owners.
	ForceUid *uint32
	ForceGid *uint32

	// History, if non-empty, is appended verbatim as a HISTORY section.
	// The payload is treated as an opaque log line list, never parsed.
	History []byte
}

// Writer drives the scanner, the metadata builder and the merger to
// produce a complete image: file compression fans out across goroutines,
// and the merger serializes their output back into one deterministic
// block stream.
type Writer struct {
	opts    Options
	scanner *Scanner
}

// New constructs a Writer. A nil opts.Categorizer defaults to
// IncompressibleCategorizer; a nil opts.HashAlgo defaults to XXH64.
func New(opts Options) *Writer {
	if opts.Categorizer == nil {
		opts.Categorizer = IncompressibleCategorizer{}
	}
	if opts.HashAlgo == nil {
		opts.HashAlgo = XXH64
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 1 << 20
	}
	s := NewScanner(opts.HashAlgo)
	s.ReadLink = opts.ReadLink
	return &Writer{opts: opts, scanner: s}
}

// Add takes fsys followed by fs.WalkDirFunc's arguments, so a one-line
// fs.WalkDir callback can drive it; every file the image will contain
// enters through here.
func (w *Writer) Add(fsys fs.FS, path string, d fs.DirEntry, err error) error {
	return w.scanner.Add(fsys, path, d, err)
}

// block is what each producer goroutine hands to the merger: a compressed
// BLOCK payload plus the chunk record it will become once its offset in
// the final block stream is known.
type block struct {
	payload []byte
	chunk   metadata.Chunk // Block left zero; filled in by the consumer
}

// Write compresses every unique regular file the Writer has scanned,
// merges their block streams into deterministic order,
// writes the resulting BLOCK sections plus the metadata/history sections,
// and finalizes the section index. fsys supplies file content; callers
// feed every entry to Add (typically from an fs.WalkDir callback) before
// calling Write.
func (w *Writer) Write(ctx context.Context, fsys fs.FS, out io.Writer) error {
	entries := w.scanner.Finalize()

	var owners []*Entry
	for _, e := range entries {
		if e.isRegular && e.sharesWith == nil && !e.Invalid {
			owners = append(owners, e)
		}
	}

	sources := make([]string, len(owners))
	for i, e := range owners {
		sources[i] = e.Path
	}

	comp, err := codec.NewCompressor(w.opts.Compression, nil)
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	compType := dwarfs.CompressionType(w.opts.Compression)

	sw := dwarfs.NewSectionWriter(out)

	chunksByPath := map[string][]metadata.Chunk{}
	var writeErr error
	var writeMu sync.Mutex
	nextBlockNum := uint32(0)

	emit := func(h merger.Holder[block]) {
		defer h.Release()
		writeMu.Lock()
		defer writeMu.Unlock()
		if writeErr != nil {
			return
		}
		c := h.Block.chunk
		c.Block = nextBlockNum
		if _, err := sw.WriteSection(dwarfs.BLOCK, compType, h.Block.payload); err != nil {
			writeErr = err
			return
		}
		nextBlockNum++
		chunksByPath[h.Source] = append(chunksByPath[h.Source], c)
	}

	if len(sources) == 0 {
		sources = []string{""}
	}
	// A single active slot keeps each file's blocks contiguous and makes
	// the block layout a function of the sources order alone — the same
	// image comes out no matter how many workers compress in parallel.
	// The queue budget still scales with the worker count so producers
	// ahead of the cursor aren't starved of work.
	m := merger.New(sources, 1, 4*w.opts.Workers, emit)

	if len(owners) > 0 {
		sem := make(chan struct{}, w.opts.Workers)
		var wg sync.WaitGroup
		for _, e := range owners {
			e := e
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := w.produce(ctx, fsys, e, comp, m); err != nil {
					writeMu.Lock()
					if writeErr == nil {
						writeErr = err
					}
					writeMu.Unlock()
				}
			}()
		}
		wg.Wait()
	}
	if writeErr != nil {
		return writeErr
	}

	var regularFiles []RegularFile
	for _, e := range owners {
		regularFiles = append(regularFiles, RegularFile{Entry: e, Chunks: chunksByPath[e.Path]})
	}

	mb := NewMetadataBuilder(BuilderOptions{
		PackDirectories:        w.opts.PackDirectories,
		PackChunkTable:         w.opts.PackChunkTable,
		PackSharedFilesTable:   w.opts.PackSharedFilesTable,
		ForceUid:               w.opts.ForceUid,
		ForceGid:               w.opts.ForceGid,
		TimeResolutionSec:      w.opts.TimeResolutionSec,
		PreferredPathSeparator: w.opts.PreferredPathSeparator,
		BlockSize:              w.opts.BlockSize,
		DwarfsVersion:          w.opts.DwarfsVersion,
		CreateTimestamp:        w.opts.CreateTimestamp,
		HasCreateStamp:         w.opts.HasCreateStamp,
		Features:               w.opts.Features,
		SizeCacheThreshold:     w.opts.SizeCacheThreshold,
	})
	meta, err := mb.Build(entries, regularFiles)
	if err != nil {
		return fmt.Errorf("writer: building metadata: %w", err)
	}

	metaBuf := &writeBuffer{}
	if err := meta.Encode(metaBuf); err != nil {
		return fmt.Errorf("writer: encoding metadata: %w", err)
	}
	metaComp, err := codec.NewCompressor(w.opts.Compression, nil)
	if err != nil {
		return fmt.Errorf("writer: %w", err)
	}
	schemaPayload, err := metaComp.Compress(metadata.SchemaJSON(), nil)
	if err != nil {
		return fmt.Errorf("writer: compressing metadata schema: %w", err)
	}
	if _, err := sw.WriteSection(dwarfs.METADATA_V2_SCHEMA, compType, schemaPayload); err != nil {
		return fmt.Errorf("writer: writing metadata schema section: %w", err)
	}
	metaPayload, err := metaComp.Compress(metaBuf.buf, nil)
	if err != nil {
		return fmt.Errorf("writer: compressing metadata: %w", err)
	}
	if _, err := sw.WriteSection(dwarfs.METADATA_V2, compType, metaPayload); err != nil {
		return fmt.Errorf("writer: writing metadata section: %w", err)
	}

	if len(w.opts.History) > 0 {
		histComp, err := codec.NewCompressor(w.opts.Compression, nil)
		if err != nil {
			return fmt.Errorf("writer: %w", err)
		}
		histPayload, err := histComp.Compress(w.opts.History, nil)
		if err != nil {
			return fmt.Errorf("writer: compressing history: %w", err)
		}
		if _, err := sw.WriteSection(dwarfs.HISTORY, compType, histPayload); err != nil {
			return fmt.Errorf("writer: writing history section: %w", err)
		}
	}

	if err := sw.Finalize(); err != nil {
		return fmt.Errorf("writer: finalizing section index: %w", err)
	}
	return nil
}

// produce reads e's content, categorizes and chunks it into at most
// BlockSize-sized pieces, compresses each piece and feeds it to m under
// e.Path as the source name. Each piece becomes its own block, so every
// chunk it emits has offset 0 within that block; the consumer only fills
// in which block it landed in, since merger ordering determines block
// numbers.
func (w *Writer) produce(ctx context.Context, fsys fs.FS, e *Entry, comp codec.Compressor, m *merger.Merger[block]) error {
	f, err := fsys.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	frags, err := w.opts.Categorizer.Categorize(e.Path, f)
	if err != nil {
		return err
	}

	f2, err := fsys.Open(e.Path)
	if err != nil {
		return err
	}
	defer f2.Close()

	// bufio.Reader lets each chunk peek one byte ahead to tell whether it's
	// the file's last one, even when size is an exact multiple of
	// BlockSize (io.ReadFull's own EOF/ErrUnexpectedEOF distinction can't
	// tell that case apart from "more data follows").
	br := bufio.NewReaderSize(f2, int(w.opts.BlockSize))

	fragIdx := 0
	fragRemaining := int64(0)
	if len(frags) > 0 {
		fragRemaining = frags[0].Length
	}
	buf := make([]byte, w.opts.BlockSize)
	sawAny := false

	for {
		n, readErr := io.ReadFull(br, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return readErr
		}
		if n == 0 {
			if !sawAny {
				payload, cerr := comp.Compress(nil, nil)
				if cerr != nil {
					return cerr
				}
				if err := m.Add(ctx, e.Path, block{payload: payload}, true); err != nil {
					return err
				}
			}
			return nil
		}

		_, peekErr := br.Peek(1)
		isLast := peekErr != nil

		payload, cerr := comp.Compress(buf[:n], map[string]any{"category": currentCategory(frags, fragIdx)})
		if cerr != nil {
			return cerr
		}
		blk := block{
			payload: payload,
			chunk:   metadata.Chunk{Offset: 0, Size: uint32(n)},
		}
		if err := m.Add(ctx, e.Path, blk, isLast); err != nil {
			return err
		}
		sawAny = true
		for fragIdx < len(frags) {
			fragRemaining -= int64(n)
			if fragRemaining > 0 {
				break
			}
			fragIdx++
			if fragIdx < len(frags) {
				fragRemaining += frags[fragIdx].Length
			}
		}
		if isLast {
			return nil
		}
	}
}

func currentCategory(frags []Fragment, idx int) string {
	if idx >= 0 && idx < len(frags) {
		return frags[idx].Category
	}
	return "default"
}

// writeBuffer is a minimal append-only io.Writer sink for Metadata.Encode's
// output.
type writeBuffer struct {
	buf []byte
}

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}
