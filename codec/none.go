package codec

func init() {
	Register(&Factory{
		Type: None,
		NewCompressor: func(options map[string]any) (Compressor, error) {
			return noneCompressor{}, nil
		},
		NewDecompressor: func(payload, out []byte) (Decompressor, error) {
			return &noneDecompressor{payload: payload, out: out}, nil
		},
	})
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte, metadata map[string]any) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (noneCompressor) MetadataRequirements() *Requirements { return nil }

func (noneCompressor) CompressionConstraints(metadata map[string]any) (Constraints, error) {
	return Constraints{Granularity: 1}, nil
}

type noneDecompressor struct {
	payload []byte
	out     []byte
	done    bool
}

func (d *noneDecompressor) DecompressFrame(frameSize int) (bool, error) {
	if d.done {
		return true, nil
	}
	n := copy(d.out, d.payload)
	if n < len(d.out) {
		return false, ErrBadCompression
	}
	d.done = true
	return true, nil
}

func (d *noneDecompressor) UncompressedSize() int { return len(d.payload) }
func (d *noneDecompressor) Metadata() map[string]any { return nil }
