package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Width is the size of the big-endian length prefix. Handshake records use
// Width2, steady-state traffic uses Width4.
type Width int

const (
	Width2 Width = 2
	Width4 Width = 4
)

var (
	ErrFrameTooLarge = errors.New("frame: declared length too large")
	ErrInvalidWidth  = errors.New("frame: invalid length prefix width")
)

// TooLargeError carries the declared length of a rejected frame.
type TooLargeError struct {
	Declared uint64
	Max      uint64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("frame: declared length %d exceeds %d", e.Declared, e.Max)
}

func (e *TooLargeError) Is(target error) bool { return target == ErrFrameTooLarge }

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxFrameBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 64 * 1024 * 1024,
	}
}

const readChunk = 16 * 1024

// Reader splits a byte stream into length-prefixed frames. Bytes that arrive
// past the current frame stay buffered, including across SetWidth.
type Reader struct {
	r      io.Reader
	width  Width
	limits Limits
	buf    []byte
	start  int
}

func NewReader(r io.Reader, width Width, limits Limits) *Reader {
	if limits.MaxFrameBytes == 0 {
		limits = DefaultLimits()
	}
	return &Reader{r: r, width: width, limits: limits}
}

// SetWidth switches the prefix width for the next frame.
func (fr *Reader) SetWidth(w Width) { fr.width = w }

func (fr *Reader) Width() Width { return fr.width }

// Buffered returns how many bytes are held beyond the last returned frame.
func (fr *Reader) Buffered() int { return len(fr.buf) - fr.start }

// ReadFrame returns the next frame payload. A zero-length Width4 frame is a
// tick and comes back as an empty, non-nil slice. The returned slice is only
// valid until the next call.
func (fr *Reader) ReadFrame() ([]byte, error) {
	n := int(fr.width)
	if fr.width != Width2 && fr.width != Width4 {
		return nil, ErrInvalidWidth
	}
	if err := fr.fill(n); err != nil {
		return nil, err
	}
	head := fr.buf[fr.start : fr.start+n]
	var size uint64
	if fr.width == Width2 {
		size = uint64(binary.BigEndian.Uint16(head))
	} else {
		size = uint64(binary.BigEndian.Uint32(head))
	}
	if size > fr.limits.MaxFrameBytes {
		return nil, &TooLargeError{Declared: size, Max: fr.limits.MaxFrameBytes}
	}
	if err := fr.fill(n + int(size)); err != nil {
		return nil, err
	}
	payload := fr.buf[fr.start+n : fr.start+n+int(size)]
	fr.start += n + int(size)
	return payload, nil
}

// fill buffers at least need unread bytes.
func (fr *Reader) fill(need int) error {
	if len(fr.buf)-fr.start >= need {
		return nil
	}
	if fr.start > 0 {
		copy(fr.buf, fr.buf[fr.start:])
		fr.buf = fr.buf[:len(fr.buf)-fr.start]
		fr.start = 0
	}
	if cap(fr.buf) < need {
		grown := make([]byte, len(fr.buf), max(need, readChunk))
		copy(grown, fr.buf)
		fr.buf = grown
	}
	for len(fr.buf) < need {
		if len(fr.buf) == cap(fr.buf) {
			grown := make([]byte, len(fr.buf), 2*cap(fr.buf))
			copy(grown, fr.buf)
			fr.buf = grown
		}
		m, err := fr.r.Read(fr.buf[len(fr.buf):cap(fr.buf)])
		fr.buf = fr.buf[:len(fr.buf)+m]
		if len(fr.buf) >= need {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(fr.buf) > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// AppendFrame appends the prefix and payload to dst.
func AppendFrame(dst []byte, width Width, payload []byte, limits Limits) ([]byte, error) {
	if limits.MaxFrameBytes == 0 {
		limits = DefaultLimits()
	}
	size := uint64(len(payload))
	maxSize := limits.MaxFrameBytes
	switch width {
	case Width2:
		maxSize = min(maxSize, 0xFFFF)
	case Width4:
		maxSize = min(maxSize, 0xFFFFFFFF)
	default:
		return nil, ErrInvalidWidth
	}
	if size > maxSize {
		return nil, &TooLargeError{Declared: size, Max: maxSize}
	}
	if width == Width2 {
		dst = binary.BigEndian.AppendUint16(dst, uint16(size))
	} else {
		dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	}
	return append(dst, payload...), nil
}

// WriteFrame writes the prefix and payload with a single Write call so
// concurrent writers serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, width Width, payload []byte, limits Limits) error {
	buf, err := AppendFrame(make([]byte, 0, int(width)+len(payload)), width, payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Tick is the steady-state keep-alive: an empty Width4 frame.
var Tick = []byte{0, 0, 0, 0}
