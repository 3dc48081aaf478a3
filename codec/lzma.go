package codec

import (
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func init() {
	Register(&Factory{
		Type: LZMA,
		NewCompressor: func(options map[string]any) (Compressor, error) {
			return lzmaCompressor{}, nil
		},
		NewDecompressor: func(payload, out []byte) (Decompressor, error) {
			return newStreamDecompressor(payload, out, func(r io.Reader) (io.Reader, error) {
				return lzma.NewReader(r)
			})
		},
	})
}

type lzmaCompressor struct{}

func (lzmaCompressor) Compress(data []byte, metadata map[string]any) ([]byte, error) {
	return encodeWithPrefix(len(data), func(w io.Writer) error {
		lw, err := lzma.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := lw.Write(data); err != nil {
			return err
		}
		return lw.Close()
	})
}

func (lzmaCompressor) MetadataRequirements() *Requirements { return nil }

func (lzmaCompressor) CompressionConstraints(metadata map[string]any) (Constraints, error) {
	return Constraints{Granularity: 1}, nil
}
