package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// streamDecompressor adapts any io.Reader-based decompressing stream to the
// incremental Decompressor contract: DecompressFrame(target)
// pulls just enough bytes from the stream to satisfy target, and can be
// called again later to pull further. Every stream codec in this package
// (zstd, lzma, lz4, zlib) is built on top of this.
//
// Payload layout: a varint-encoded uncompressed size,
// followed by the codec-specific compressed stream.
type streamDecompressor struct {
	uncompressedSize int
	out              []byte
	r                io.Reader
	pos              int
	done             bool
}

func newStreamDecompressor(payload []byte, out []byte, newReader func(io.Reader) (io.Reader, error)) (*streamDecompressor, error) {
	size, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("%w: missing uncompressed-size prefix", ErrBadCompression)
	}
	r, err := newReader(bytes.NewReader(payload[n:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCompression, err)
	}
	return &streamDecompressor{uncompressedSize: int(size), out: out, r: r}, nil
}

func (d *streamDecompressor) DecompressFrame(frameSize int) (bool, error) {
	if d.done {
		return true, nil
	}
	if frameSize > len(d.out) {
		frameSize = len(d.out)
	}
	for d.pos < frameSize {
		n, err := d.r.Read(d.out[d.pos:frameSize])
		d.pos += n
		if err != nil {
			if err == io.EOF {
				if d.pos < frameSize && d.pos < d.uncompressedSize {
					return false, fmt.Errorf("%w: stream ended at %d of %d bytes", ErrBadCompression, d.pos, d.uncompressedSize)
				}
				break
			}
			return false, fmt.Errorf("%w: %v", ErrBadCompression, err)
		}
		if n == 0 {
			break
		}
	}
	if d.pos >= d.uncompressedSize {
		d.done = true
		if c, ok := d.r.(io.Closer); ok {
			c.Close()
		}
		return true, nil
	}
	return false, nil
}

func (d *streamDecompressor) UncompressedSize() int    { return d.uncompressedSize }
func (d *streamDecompressor) Metadata() map[string]any { return nil }

// encodeWithPrefix writes the varint uncompressed-size prefix followed by
// whatever encode produces.
func encodeWithPrefix(uncompressedSize int, encode func(io.Writer) error) ([]byte, error) {
	buf := &bytes.Buffer{}
	var szBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(szBuf[:], uint64(uncompressedSize))
	buf.Write(szBuf[:n])
	if err := encode(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadInput, err)
	}
	return buf.Bytes(), nil
}
