package reader

import (
	"bytes"
	"io"

	"github.com/dwarfsgo/dwarfs"
	"github.com/dwarfsgo/dwarfs/codec"
)

// decompressSectionPayload fully decompresses payload (e.g. the schema or
// metadata sections, which unlike blocks are always consumed whole rather
// than incrementally).
func decompressSectionPayload(t dwarfs.CompressionType, payload []byte) ([]byte, error) {
	ct := codec.TypeName(t)
	size, err := codec.PeekUncompressedSize(ct, payload)
	if err != nil {
		return nil, err
	}
	return codec.Decompress(ct, payload, size)
}

// byteReader wraps raw as an io.Reader for metadata.Decode.
func byteReader(raw []byte) io.Reader {
	return bytes.NewReader(raw)
}
