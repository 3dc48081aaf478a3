package dwarfs

import "errors"

// Package-level sentinel errors, usable with errors.Is(), mirroring the
// error-kind taxonomy of the format's section container.
var (
	// ErrTruncatedImage is returned when an image ends before a section
	// header or payload can be fully read.
	ErrTruncatedImage = errors.New("dwarfs: truncated image")

	// ErrBadMagic is returned when a section header's magic bytes don't
	// read "DWARFS".
	ErrBadMagic = errors.New("dwarfs: bad section magic")

	// ErrBadVersion is returned when a section header declares a major
	// version this reader does not understand.
	ErrBadVersion = errors.New("dwarfs: unsupported section version")

	// ErrBadSectionNumber is returned when section numbers are not a
	// contiguous sequence starting at 0.
	ErrBadSectionNumber = errors.New("dwarfs: non-contiguous section numbers")

	// ErrChecksumMismatch is returned by Verify when a section's stored
	// checksum does not match the recomputed one.
	ErrChecksumMismatch = errors.New("dwarfs: checksum mismatch")

	// ErrUnknownSectionType is returned when a section's type falls
	// outside the closed set and the section is actually accessed.
	ErrUnknownSectionType = errors.New("dwarfs: unknown section type")

	// ErrUnknownCompressionType is returned when a section's compression
	// type falls outside the closed set and the section is accessed.
	ErrUnknownCompressionType = errors.New("dwarfs: unknown compression type")

	// ErrNoSectionIndex is returned when an image has no trailing section
	// index and one is required for the requested operation.
	ErrNoSectionIndex = errors.New("dwarfs: image has no section index")
)
