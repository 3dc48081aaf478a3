package codec

// Brotli, FLAC and Ricepp are part of the closed compression-type set but
// this build ships no implementation for them. They still register real
// metadata requirements so categorizer-driven encoders can query them, but
// Compress and DecompressFrame fail closed with ErrUnsupportedCodec.

func init() {
	Register(&Factory{
		Type:            Brotli,
		NewCompressor:   newUnsupportedCompressor,
		NewDecompressor: newUnsupportedDecompressor,
	})
	Register(&Factory{
		Type:            FLAC,
		NewCompressor:   newPCMUnsupportedCompressor,
		NewDecompressor: newUnsupportedDecompressor,
	})
	Register(&Factory{
		Type:            Ricepp,
		NewCompressor:   newPCMUnsupportedCompressor,
		NewDecompressor: newUnsupportedDecompressor,
	})
}

type unsupportedCompressor struct {
	requirements *Requirements
}

func newUnsupportedCompressor(options map[string]any) (Compressor, error) {
	return unsupportedCompressor{}, nil
}

// newPCMUnsupportedCompressor registers the granularity-4 requirement of
// 16-bit stereo PCM audio (FLAC and Ricepp both operate on PCM frames).
func newPCMUnsupportedCompressor(options map[string]any) (Compressor, error) {
	return unsupportedCompressor{
		requirements: &Requirements{
			Fields: map[string]Operator{
				"bits_per_sample": {Kind: OpSet, Set: []any{float64(16)}},
			},
			Granularity: 4,
		},
	}, nil
}

func (c unsupportedCompressor) Compress(data []byte, metadata map[string]any) ([]byte, error) {
	return nil, ErrUnsupportedCodec
}

func (c unsupportedCompressor) MetadataRequirements() *Requirements { return c.requirements }

func (c unsupportedCompressor) CompressionConstraints(metadata map[string]any) (Constraints, error) {
	if c.requirements != nil {
		return c.requirements.Constraints(metadata)
	}
	return Constraints{Granularity: 1}, nil
}

type unsupportedDecompressor struct{}

func newUnsupportedDecompressor(payload, out []byte) (Decompressor, error) {
	return unsupportedDecompressor{}, ErrUnsupportedCodec
}

func (unsupportedDecompressor) DecompressFrame(frameSize int) (bool, error) {
	return false, ErrUnsupportedCodec
}

func (unsupportedDecompressor) UncompressedSize() int     { return 0 }
func (unsupportedDecompressor) Metadata() map[string]any { return nil }
