package codec

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

func init() {
	Register(&Factory{
		Type: Zlib,
		NewCompressor: func(options map[string]any) (Compressor, error) {
			return zlibCompressor{}, nil
		},
		NewDecompressor: func(payload, out []byte) (Decompressor, error) {
			return newStreamDecompressor(payload, out, func(r io.Reader) (io.Reader, error) {
				return zlib.NewReader(r)
			})
		},
	})
}

type zlibCompressor struct{}

func (zlibCompressor) Compress(data []byte, metadata map[string]any) ([]byte, error) {
	return encodeWithPrefix(len(data), func(w io.Writer) error {
		zw := zlib.NewWriter(w)
		if _, err := zw.Write(data); err != nil {
			return err
		}
		return zw.Close()
	})
}

func (zlibCompressor) MetadataRequirements() *Requirements { return nil }

func (zlibCompressor) CompressionConstraints(metadata map[string]any) (Constraints, error) {
	return Constraints{Granularity: 1}, nil
}
