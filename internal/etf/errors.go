package etf

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedVersion = errors.New("etf: unsupported external term version")
	ErrUnsupportedTag     = errors.New("etf: unsupported term tag")
	ErrTruncated          = errors.New("etf: truncated data")
	ErrCompressedSize     = errors.New("etf: compressed size mismatch")
	ErrCompressedTooLarge = errors.New("etf: declared uncompressed size too large")
	ErrInvalidBitCount    = errors.New("etf: invalid bit-string trailing bit count")
	ErrInvalidAtom        = errors.New("etf: invalid atom")
	ErrInvalidFloat       = errors.New("etf: invalid float text")
	ErrMalformed          = errors.New("etf: malformed term")
	ErrCompressedData     = errors.New("etf: corrupt compressed payload")
	ErrUnsupportedType    = errors.New("etf: unsupported go type")
	ErrAtomTooLong        = errors.New("etf: atom too long")
	ErrTooDeep            = errors.New("etf: term nested too deeply")
)

// DecodeError locates a decode failure inside the buffer handed to the codec.
type DecodeError struct {
	Offset int
	Tag    byte
	Err    error
}

func (e *DecodeError) Error() string {
	if errors.Is(e.Err, ErrUnsupportedTag) {
		return fmt.Sprintf("%v %d at offset %d", e.Err, e.Tag, e.Offset)
	}
	return fmt.Sprintf("%v (tag %d at offset %d)", e.Err, e.Tag, e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err came from decoding rather than I/O.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) || errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrCompressedSize) || errors.Is(err, ErrCompressedTooLarge) ||
		errors.Is(err, ErrCompressedData) || errors.Is(err, ErrTruncated)
}
