// Package rewriter re-packs an existing image: recompressing selected
// sections, optionally re-streaming blocks into a different block size,
// rebuilding metadata, and preserving history. It reuses the reader façade
// (and through it the block cache) for raw block access and the root
// package's SectionWriter for re-emission.
package rewriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/codec"
	"github.com/dwarfsgo/dwarfs/metadata"
	"github.com/dwarfsgo/dwarfs/reader"
)

// Errors returned by Rewrite.
var (
	ErrBadOptions = errors.New("rewriter: invalid option combination")
)

// Options selects what Rewrite changes.
type Options struct {
	RecompressBlock    bool
	RecompressMetadata bool

	// RecompressCategories restricts block recompression to blocks whose
	// category is in (or, with RecompressCategoriesExclude, not in) the
	// list. Empty means all blocks.
	RecompressCategories        []string
	RecompressCategoriesExclude bool

	// ChangeBlockSize, when non-zero, re-streams all block data into blocks
	// of the new size. Requires RecompressBlock, RecompressMetadata and
	// RebuildMetadata.
	ChangeBlockSize uint32

	RebuildMetadata bool

	// EnableHistory appends a new HISTORY entry recording
	// CommandLineArguments; existing history sections are always preserved.
	EnableHistory        bool
	History              []byte
	CommandLineArguments []string

	// Compression is the codec recompressed sections are written with.
	Compression codec.TypeName
}

// newBlockMapping records which old-block chunks make up one new block.
type newBlockMapping struct {
	size     int
	chunks   []metadata.Chunk // old (block, offset, size) triples, in order
	category int              // index into CategoryNames, -1 if none
	catMeta  string
}

// blockMappings holds both directions of the old/new block remapping.
type blockMappings struct {
	newToOld []newBlockMapping
	// oldToNew[b] lists the new-block chunks old block b's bytes landed in,
	// covering the old block's offsets in order from 0.
	oldToNew [][]metadata.Chunk
}

// Rewrite re-packs fsys into out per opts.
func Rewrite(ctx context.Context, fsys *reader.Filesystem, out io.Writer, opts Options) error {
	if opts.ChangeBlockSize != 0 {
		if !opts.RecompressBlock || !opts.RecompressMetadata || !opts.RebuildMetadata {
			return fmt.Errorf("%w: change_block_size requires recompress_block, recompress_metadata and rebuild_metadata", ErrBadOptions)
		}
		if opts.ChangeBlockSize&(opts.ChangeBlockSize-1) != 0 {
			return fmt.Errorf("%w: block size %d is not a power of two", ErrBadOptions, opts.ChangeBlockSize)
		}
	}
	if opts.RebuildMetadata && !opts.RecompressMetadata {
		return fmt.Errorf("%w: rebuild_metadata requires recompress_metadata", ErrBadOptions)
	}

	meta := fsys.MetadataView().Metadata()
	comp, err := codec.NewCompressor(opts.Compression, nil)
	if err != nil {
		return err
	}
	compType := dwarfs.CompressionType(opts.Compression)

	var mapped *blockMappings
	if opts.ChangeBlockSize != 0 {
		mapped, err = buildBlockMappings(fsys, meta, comp, int(opts.ChangeBlockSize))
		if err != nil {
			return err
		}
	}

	sw := dwarfs.NewSectionWriter(out)

	if mapped != nil {
		if err := writeRemappedBlocks(ctx, fsys, meta, sw, comp, compType, mapped); err != nil {
			return err
		}
	}

	recompressSet := map[string]bool{}
	for _, c := range opts.RecompressCategories {
		recompressSet[c] = true
	}

	blockNo := 0
	for _, s := range fsys.Sections() {
		switch s.Header.Type {
		case dwarfs.BLOCK:
			if mapped != nil {
				// already re-streamed above
				blockNo++
				continue
			}
			recompress := opts.RecompressBlock
			if recompress && len(recompressSet) > 0 {
				inSet := recompressSet[blockCategory(meta, blockNo)]
				if opts.RecompressCategoriesExclude {
					recompress = !inSet
				} else {
					recompress = inSet
				}
			}
			if recompress && s.Header.Compression == dwarfs.CompNone && compType == dwarfs.CompNone {
				recompress = false
			}
			if recompress {
				if err := recompressSection(sw, s, comp, compType, blockCategoryMeta(meta, blockNo)); err != nil {
					return err
				}
			} else if err := copySection(sw, s); err != nil {
				return err
			}
			blockNo++

		case dwarfs.METADATA_V2_SCHEMA:
			if opts.RebuildMetadata {
				continue // written together with METADATA_V2 below
			}
			if err := recompressOrCopy(sw, s, opts.RecompressMetadata, comp, compType); err != nil {
				return err
			}

		case dwarfs.METADATA_V2:
			if opts.RebuildMetadata {
				newMeta := meta
				if mapped != nil {
					remapped, err := remapMetadata(meta, mapped, opts.ChangeBlockSize)
					if err != nil {
						return err
					}
					newMeta = remapped
				}
				if err := writeMetadata(sw, newMeta, comp, compType); err != nil {
					return err
				}
				continue
			}
			if err := recompressOrCopy(sw, s, opts.RecompressMetadata, comp, compType); err != nil {
				return err
			}

		case dwarfs.HISTORY:
			// history is never recompressed, only carried
			if err := copySection(sw, s); err != nil {
				return err
			}

		case dwarfs.SECTION_INDEX:
			// dropped; Finalize writes a fresh one

		default:
			// unknown section types are carried verbatim for forward
			// compatibility
			if err := copySection(sw, s); err != nil {
				return err
			}
		}
	}

	if opts.EnableHistory {
		entry := opts.History
		if len(opts.CommandLineArguments) > 0 {
			if len(entry) > 0 {
				entry = append(append([]byte{}, entry...), '\n')
			}
			entry = append(entry, []byte(strings.Join(opts.CommandLineArguments, " "))...)
		}
		payload, err := comp.Compress(entry, nil)
		if err != nil {
			return err
		}
		if _, err := sw.WriteSection(dwarfs.HISTORY, compType, payload); err != nil {
			return err
		}
	}

	return sw.Finalize()
}

// buildBlockMappings groups old blocks into streams keyed by (category,
// category metadata) — only blocks in the same stream may be merged — and
// splits/merges each stream's bytes into new blocks of newBlockSize,
// rounded down to the stream's compression granularity.
func buildBlockMappings(fsys *reader.Filesystem, meta *metadata.Metadata, comp codec.Compressor, newBlockSize int) (*blockMappings, error) {
	numBlocks := fsys.NumBlocks()

	type streamKey struct {
		category int
		catMeta  string
	}
	var streamOrder []streamKey
	streams := map[streamKey][]int{}
	for b := 0; b < numBlocks; b++ {
		k := streamKey{category: blockCategoryIndex(meta, b), catMeta: blockCategoryMeta(meta, b)}
		if _, ok := streams[k]; !ok {
			streamOrder = append(streamOrder, k)
		}
		streams[k] = append(streams[k], b)
	}

	m := &blockMappings{oldToNew: make([][]metadata.Chunk, numBlocks)}

	for _, k := range streamOrder {
		granularity := 1
		if cc, err := comp.CompressionConstraints(categoryMetadataMap(meta, k.category, k.catMeta)); err == nil && cc.Granularity > 1 {
			granularity = cc.Granularity
		}
		maxStreamBlockSize := granularity * (newBlockSize / granularity)
		if maxStreamBlockSize == 0 {
			return nil, fmt.Errorf("rewriter: block size %d below granularity %d", newBlockSize, granularity)
		}

		var pending []newBlockMapping
		for _, b := range streams[k] {
			size, err := fsys.BlockUncompressedSize(b)
			if err != nil {
				return nil, err
			}
			offset := 0
			for offset < size {
				if len(pending) == 0 || pending[len(pending)-1].size == maxStreamBlockSize {
					pending = append(pending, newBlockMapping{category: k.category, catMeta: k.catMeta})
				}
				nb := &pending[len(pending)-1]
				chunkSize := size - offset
				if room := maxStreamBlockSize - nb.size; chunkSize > room {
					chunkSize = room
				}
				newNum := len(m.newToOld) + len(pending) - 1
				m.oldToNew[b] = append(m.oldToNew[b], metadata.Chunk{
					Block:  uint32(newNum),
					Offset: uint32(nb.size),
					Size:   uint32(chunkSize),
				})
				nb.chunks = append(nb.chunks, metadata.Chunk{
					Block:  uint32(b),
					Offset: uint32(offset),
					Size:   uint32(chunkSize),
				})
				nb.size += chunkSize
				offset += chunkSize
			}
		}
		m.newToOld = append(m.newToOld, pending...)
	}

	return m, nil
}

// writeRemappedBlocks assembles each new block from its old-block chunks
// (read through the block cache) and writes it as a BLOCK section.
func writeRemappedBlocks(ctx context.Context, fsys *reader.Filesystem, meta *metadata.Metadata, sw *dwarfs.SectionWriter, comp codec.Compressor, compType dwarfs.CompressionType, mapped *blockMappings) error {
	for _, nb := range mapped.newToOld {
		data := make([]byte, 0, nb.size)
		for _, c := range nb.chunks {
			part, err := fsys.ReadRawBlock(ctx, int(c.Block), int(c.Offset), int(c.Size))
			if err != nil {
				return err
			}
			data = append(data, part...)
		}
		if len(data) != nb.size {
			return fmt.Errorf("rewriter: assembled %d bytes for a %d byte block", len(data), nb.size)
		}
		payload, err := comp.Compress(data, categoryMetadataMap(meta, nb.category, nb.catMeta))
		if err != nil {
			return err
		}
		if _, err := sw.WriteSection(dwarfs.BLOCK, compType, payload); err != nil {
			return err
		}
	}
	return nil
}

// remapMetadata rebuilds meta's chunks and chunk table against the new
// block layout. Every old chunk is split along the new block boundaries its
// byte range crosses; files, directories, names and everything else carry
// over unchanged.
func remapMetadata(meta *metadata.Metadata, mapped *blockMappings, newBlockSize uint32) (*metadata.Metadata, error) {
	out := *meta
	out.BlockSize = newBlockSize
	out.Chunks = nil
	out.ChunkTable = make([]uint32, 0, len(meta.ChunkTable))

	for i := 0; i+1 < len(meta.ChunkTable); i++ {
		out.ChunkTable = append(out.ChunkTable, uint32(len(out.Chunks)))
		for _, c := range meta.Chunks[meta.ChunkTable[i]:meta.ChunkTable[i+1]] {
			if int(c.Block) >= len(mapped.oldToNew) {
				return nil, fmt.Errorf("rewriter: chunk references block %d beyond image", c.Block)
			}
			out.Chunks = append(out.Chunks, remapChunk(c, mapped.oldToNew[c.Block])...)
		}
	}
	out.ChunkTable = append(out.ChunkTable, uint32(len(out.Chunks)))

	out.BlockCategories = nil
	if len(meta.BlockCategories) > 0 {
		out.BlockCategories = make([]uint16, len(mapped.newToOld))
		for i, nb := range mapped.newToOld {
			if nb.category >= 0 {
				out.BlockCategories[i] = uint16(nb.category)
			}
		}
	}
	out.BlockCategoryMetadata = nil
	for i, nb := range mapped.newToOld {
		if nb.catMeta != "" {
			if out.BlockCategoryMetadata == nil {
				out.BlockCategoryMetadata = map[uint32]string{}
			}
			out.BlockCategoryMetadata[uint32(i)] = nb.catMeta
		}
	}

	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("rewriter: remapped metadata: %w", err)
	}
	return &out, nil
}

// remapChunk translates one old chunk into the new-block chunks covering
// its byte range. segs covers the old block's offsets contiguously from 0.
func remapChunk(c metadata.Chunk, segs []metadata.Chunk) []metadata.Chunk {
	var out []metadata.Chunk
	segStart := uint32(0)
	end := c.Offset + c.Size
	for _, seg := range segs {
		segEnd := segStart + seg.Size
		if segEnd > c.Offset && segStart < end {
			lo := max32(segStart, c.Offset)
			hi := min32(segEnd, end)
			out = append(out, metadata.Chunk{
				Block:  seg.Block,
				Offset: seg.Offset + (lo - segStart),
				Size:   hi - lo,
			})
		}
		segStart = segEnd
		if segStart >= end {
			break
		}
	}
	return out
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// blockCategoryIndex returns block b's category index, or -1 when the image
// carries no category for it.
func blockCategoryIndex(meta *metadata.Metadata, b int) int {
	if b < len(meta.BlockCategories) {
		if idx := int(meta.BlockCategories[b]); idx < len(meta.CategoryNames) {
			return idx
		}
	}
	return -1
}

func blockCategory(meta *metadata.Metadata, b int) string {
	if idx := blockCategoryIndex(meta, b); idx >= 0 {
		return meta.CategoryNames[idx]
	}
	return ""
}

func blockCategoryMeta(meta *metadata.Metadata, b int) string {
	if meta.BlockCategoryMetadata == nil {
		return ""
	}
	return meta.BlockCategoryMetadata[uint32(b)]
}

// categoryMetadataMap builds the per-fragment metadata map handed to the
// codec for category idx, matching what the writer passes at build time.
func categoryMetadataMap(meta *metadata.Metadata, idx int, catMeta string) map[string]any {
	if idx < 0 {
		return nil
	}
	m := map[string]any{"category": meta.CategoryNames[idx]}
	if catMeta != "" {
		m["category_metadata"] = catMeta
	}
	return m
}

// recompressOrCopy recompresses s with comp when recompress is set (unless
// both sides are uncompressed), otherwise copies it verbatim.
func recompressOrCopy(sw *dwarfs.SectionWriter, s *dwarfs.Section, recompress bool, comp codec.Compressor, compType dwarfs.CompressionType) error {
	if recompress && !(s.Header.Compression == dwarfs.CompNone && compType == dwarfs.CompNone) {
		return recompressSection(sw, s, comp, compType, "")
	}
	return copySection(sw, s)
}

// copySection re-emits s without touching its payload; the section gets a
// new number and fresh integrity fields but identical content.
func copySection(sw *dwarfs.SectionWriter, s *dwarfs.Section) error {
	payload, err := s.Payload()
	if err != nil {
		return err
	}
	_, err = sw.WriteSection(s.Header.Type, s.Header.Compression, payload)
	return err
}

// recompressSection decompresses s's payload fully and re-emits it under
// compType.
func recompressSection(sw *dwarfs.SectionWriter, s *dwarfs.Section, comp codec.Compressor, compType dwarfs.CompressionType, catMeta string) error {
	payload, err := s.Payload()
	if err != nil {
		return err
	}
	ct := codec.TypeName(s.Header.Compression)
	size, err := codec.PeekUncompressedSize(ct, payload)
	if err != nil {
		return err
	}
	raw, err := codec.Decompress(ct, payload, size)
	if err != nil {
		return err
	}
	var md map[string]any
	if catMeta != "" {
		md = map[string]any{"category_metadata": catMeta}
	}
	recompressed, err := comp.Compress(raw, md)
	if err != nil {
		return err
	}
	_, err = sw.WriteSection(s.Header.Type, compType, recompressed)
	return err
}

// writeMetadata freezes meta and writes the schema + metadata section pair.
func writeMetadata(sw *dwarfs.SectionWriter, meta *metadata.Metadata, comp codec.Compressor, compType dwarfs.CompressionType) error {
	schemaPayload, err := comp.Compress(metadata.SchemaJSON(), nil)
	if err != nil {
		return err
	}
	if _, err := sw.WriteSection(dwarfs.METADATA_V2_SCHEMA, compType, schemaPayload); err != nil {
		return err
	}

	var buf appendBuffer
	if err := meta.Encode(&buf); err != nil {
		return err
	}
	payload, err := comp.Compress(buf.b, nil)
	if err != nil {
		return err
	}
	_, err = sw.WriteSection(dwarfs.METADATA_V2, compType, payload)
	return err
}

type appendBuffer struct{ b []byte }

func (a *appendBuffer) Write(p []byte) (int, error) {
	a.b = append(a.b, p...)
	return len(p), nil
}
