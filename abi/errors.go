package abi

import "errors"

var (
	// ErrUnknownVersion is returned when no layout set exists for an ABI version.
	ErrUnknownVersion = errors.New("abi: unknown native ABI version")

	// ErrArenaClosed is returned when allocating from an arena that was freed.
	ErrArenaClosed = errors.New("abi: arena closed")

	// ErrSizeMismatch is returned when a native struct copy does not match its layout size.
	ErrSizeMismatch = errors.New("abi: struct size mismatch")
)
