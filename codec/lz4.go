package codec

import (
	"io"

	"github.com/pierrec/lz4/v4"
)

func init() {
	Register(&Factory{
		Type: LZ4,
		NewCompressor: func(options map[string]any) (Compressor, error) {
			return lz4Compressor{level: lz4.Fast}, nil
		},
		NewDecompressor: newLZ4Decompressor,
	})
	Register(&Factory{
		Type: LZ4HC,
		NewCompressor: func(options map[string]any) (Compressor, error) {
			return lz4Compressor{level: lz4.Level9}, nil
		},
		NewDecompressor: newLZ4Decompressor,
	})
}

func newLZ4Decompressor(payload, out []byte) (Decompressor, error) {
	return newStreamDecompressor(payload, out, func(r io.Reader) (io.Reader, error) {
		return lz4.NewReader(r), nil
	})
}

// lz4Compressor wraps pierrec/lz4/v4's frame writer, using the streaming
// frame API (rather than CompressBlock) so the frame can be decompressed
// incrementally by streamDecompressor.
type lz4Compressor struct {
	level lz4.CompressionLevel
}

func (c lz4Compressor) Compress(data []byte, metadata map[string]any) ([]byte, error) {
	return encodeWithPrefix(len(data), func(w io.Writer) error {
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(c.level)); err != nil {
			return err
		}
		if _, err := lw.Write(data); err != nil {
			return err
		}
		return lw.Close()
	})
}

func (c lz4Compressor) MetadataRequirements() *Requirements { return nil }

func (c lz4Compressor) CompressionConstraints(metadata map[string]any) (Constraints, error) {
	return Constraints{Granularity: 1}, nil
}
