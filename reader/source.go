// Package reader implements the inode reader and the filesystem reader
// façade: translating (inode, offset, size) reads into block cache
// fetches, and exposing the public read-only surface (find, getattr,
// readlink, opendir/readdir, open, read, readv, statvfs, walk).
package reader

import (
	"context"
	"fmt"
	"io"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/codec"
)

// BlockSource adapts an open image's BLOCK sections into a cache.Source,
// locating every block's section by scanning the parsed section list once
// at open time.
type BlockSource struct {
	image                 io.ReaderAt
	blocks                []*dwarfs.Section // index == block number
	disableIntegrityCheck bool
}

// NewBlockSource collects every BLOCK section from sections, in section
// order, which matches block number order: blocks are numbered as they're
// written, and the writer never reorders them post-merge (see
// merger.Merger's determinism guarantee).
func NewBlockSource(image io.ReaderAt, sections []*dwarfs.Section, disableIntegrityCheck bool) *BlockSource {
	bs := &BlockSource{image: image, disableIntegrityCheck: disableIntegrityCheck}
	for _, s := range sections {
		if s.Header.Type == dwarfs.BLOCK {
			bs.blocks = append(bs.blocks, s)
		}
	}
	return bs
}

// NumBlocks reports how many BLOCK sections the image carries.
func (bs *BlockSource) NumBlocks() int { return len(bs.blocks) }

// LoadBlock implements cache.Source: it reads block's compressed payload,
// verifies it (unless disabled), and returns a fresh incremental
// Decompressor bound to a full-size output buffer.
func (bs *BlockSource) LoadBlock(block int) (codec.Decompressor, []byte, error) {
	if block < 0 || block >= len(bs.blocks) {
		return nil, nil, fmt.Errorf("reader: block %d out of range (have %d)", block, len(bs.blocks))
	}
	s := bs.blocks[block]
	if err := s.Access(); err != nil {
		return nil, nil, err
	}

	payload, err := s.Payload()
	if err != nil {
		return nil, nil, err
	}

	if !bs.disableIntegrityCheck {
		if err := s.Verify(dwarfs.CheckIntegrity, nil); err != nil {
			return nil, nil, err
		}
	}

	t := codec.TypeName(s.Header.Compression)
	size, err := codec.PeekUncompressedSize(t, payload)
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, size)
	dec, err := codec.NewDecompressor(t, payload, out)
	if err != nil {
		return nil, nil, err
	}
	return dec, out, nil
}

// blockGetter is the subset of *cache.Cache the inode reader drives; kept
// as an interface so tests can substitute a fake cache without spinning up
// the worker pool.
type blockGetter interface {
	Get(ctx context.Context, block, offset, size int) ([]byte, error)
}
