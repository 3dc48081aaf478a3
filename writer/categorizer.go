package writer

import "io"

// Fragment is one categorized byte range of a file, in file order; the
// lengths of the fragments a Categorizer returns for a file must sum to
// that file's size.
type Fragment struct {
	Category string
	Length   int64
}

// Categorizer assigns categories to byte ranges of a file's content. The
// writer only consumes this interface; real categorizers (FLAC/PCM audio
// framing, etc.) live outside this module.
type Categorizer interface {
	Categorize(path string, r io.Reader) ([]Fragment, error)
}

// IncompressibleCategorizer is the default Categorizer: it assigns the
// entire file to a single "default" category without inspecting content,
// so Writer is usable and testable without a real audio categorizer.
type IncompressibleCategorizer struct{}

func (IncompressibleCategorizer) Categorize(path string, r io.Reader) ([]Fragment, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}
	return []Fragment{{Category: "default", Length: n}}, nil
}
