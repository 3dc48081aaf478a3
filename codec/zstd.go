package codec

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdEncoderPool pools zstd encoders the way arloliu-mebo's
// compress/zstd_pure.go does: the klauspost encoder is explicitly designed
// to be reused after warmup.
var zstdEncoderPool = sync.Pool{
	New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(fmt.Sprintf("codec: failed to create zstd encoder: %v", err))
		}
		return enc
	},
}

func init() {
	Register(&Factory{
		Type: ZSTD,
		NewCompressor: func(options map[string]any) (Compressor, error) {
			return zstdCompressor{}, nil
		},
		NewDecompressor: func(payload, out []byte) (Decompressor, error) {
			return newStreamDecompressor(payload, out, func(r io.Reader) (io.Reader, error) {
				// synchronous mode: the decoder runs on the calling
				// goroutine, so an unclosed decoder can't leak one
				return zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
			})
		},
	})
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte, metadata map[string]any) ([]byte, error) {
	return encodeWithPrefix(len(data), func(w io.Writer) error {
		enc := zstdEncoderPool.Get().(*zstd.Encoder)
		defer zstdEncoderPool.Put(enc)
		enc.Reset(w)
		if _, err := enc.Write(data); err != nil {
			return err
		}
		return enc.Close()
	})
}

func (zstdCompressor) MetadataRequirements() *Requirements { return nil }

func (zstdCompressor) CompressionConstraints(metadata map[string]any) (Constraints, error) {
	return Constraints{Granularity: 1}, nil
}
