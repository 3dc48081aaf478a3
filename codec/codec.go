// Package codec implements the DwarFS codec registry: a
// name/type keyed lookup of compressors and decompressors, plus the small
// JSON-shaped metadata-requirements schema used to validate per-fragment
// category metadata before compression.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Errors returned by codec operations.
var (
	ErrUnknownCodec      = errors.New("codec: unknown compression type")
	ErrUnsupportedCodec  = errors.New("codec: registered but not implemented in this build")
	ErrBadCompression    = errors.New("codec: decompression failed")
	ErrBadInput          = errors.New("codec: compression failed")
	ErrMetadataMismatch  = errors.New("codec: fragment metadata does not satisfy codec requirements")
)

// Compressor compresses whole payloads, optionally constrained by
// per-fragment category metadata.
type Compressor interface {
	Compress(data []byte, metadata map[string]any) ([]byte, error)
	MetadataRequirements() *Requirements
	CompressionConstraints(metadata map[string]any) (Constraints, error)
}

// Decompressor incrementally decompresses a single payload. DecompressFrame
// may be called repeatedly; it returns done=true once no further input
// remains to be consumed (the frame boundary has passed the full
// uncompressed size).
type Decompressor interface {
	DecompressFrame(frameSize int) (done bool, err error)
	UncompressedSize() int
	Metadata() map[string]any
}

// Constraints are derived from a compressor's metadata requirements; right
// now the only one the core consults is Granularity.
type Constraints struct {
	Granularity int
}

// Factory constructs a Compressor and a Decompressor for one compression
// type. decompress is handed the full compressed payload and a
// pre-sized output buffer to decompress into incrementally via
// DecompressFrame.
type Factory struct {
	Type        TypeName
	NewCompressor   func(options map[string]any) (Compressor, error)
	NewDecompressor func(payload []byte, out []byte) (Decompressor, error)
}

// TypeName is the registry key a Factory is registered under; it mirrors
// dwarfs.CompressionType without importing the root package (which would
// create an import cycle, since the root package decompresses sections via
// this registry).
type TypeName uint16

const (
	None   TypeName = 0
	LZMA   TypeName = 1
	ZSTD   TypeName = 2
	LZ4    TypeName = 3
	LZ4HC  TypeName = 4
	Brotli TypeName = 5
	Zlib   TypeName = 6
	FLAC   TypeName = 7
	Ricepp TypeName = 8
)

func (t TypeName) String() string {
	switch t {
	case None:
		return "none"
	case LZMA:
		return "lzma"
	case ZSTD:
		return "zstd"
	case LZ4:
		return "lz4"
	case LZ4HC:
		return "lz4hc"
	case Brotli:
		return "brotli"
	case Zlib:
		return "zlib"
	case FLAC:
		return "flac"
	case Ricepp:
		return "ricepp"
	default:
		return fmt.Sprintf("TypeName(%d)", uint16(t))
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[TypeName]*Factory{}
)

// Register adds f to the process-wide registry. Registration happens at
// init() time and the registry is treated as immutable afterwards.
func Register(f *Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Type] = f
}

// Lookup returns the Factory registered for t, or ErrUnknownCodec.
func Lookup(t TypeName) (*Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, t)
	}
	return f, nil
}

// NewCompressor looks up t and constructs a Compressor with options.
func NewCompressor(t TypeName, options map[string]any) (Compressor, error) {
	f, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	return f.NewCompressor(options)
}

// PeekUncompressedSize reads payload's size prefix without constructing a
// full Decompressor, so a caller (the block cache's Source) can allocate a
// correctly-sized output buffer before paying for decoder setup. None has
// no prefix (the payload is the uncompressed data); every other registered
// codec shares the same varint-prefixed payload layout.
func PeekUncompressedSize(t TypeName, payload []byte) (int, error) {
	if t == None {
		return len(payload), nil
	}
	size, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, fmt.Errorf("%w: missing uncompressed-size prefix", ErrBadCompression)
	}
	return int(size), nil
}

// NewDecompressor looks up t and constructs a Decompressor over payload,
// decompressing into out.
func NewDecompressor(t TypeName, payload []byte, out []byte) (Decompressor, error) {
	f, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	return f.NewDecompressor(payload, out)
}

// Decompress is a convenience wrapper that fully decompresses payload in
// one call, for callers (like section verification) that don't need
// incremental control.
func Decompress(t TypeName, payload []byte, uncompressedSize int) ([]byte, error) {
	out := make([]byte, uncompressedSize)
	d, err := NewDecompressor(t, payload, out)
	if err != nil {
		return nil, err
	}
	if _, err := d.DecompressFrame(uncompressedSize); err != nil {
		return nil, err
	}
	return out, nil
}
