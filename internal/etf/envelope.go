package etf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// BinaryToTerm decodes one envelope and returns the bytes following it. The
// version tag and any compressed-size mismatch are rejected before the term
// itself is parsed.
func BinaryToTerm(c Codec, data []byte, opts DecodeOptions) (Term, []byte, error) {
	if c == nil {
		c = DefaultCodec
	}
	if len(data) == 0 {
		return nil, nil, &DecodeError{Offset: 0, Err: ErrTruncated}
	}
	if data[0] != VersionTag {
		return nil, nil, &DecodeError{Offset: 0, Tag: data[0], Err: ErrUnsupportedVersion}
	}
	if len(data) < 2 {
		return nil, nil, &DecodeError{Offset: 1, Err: ErrTruncated}
	}
	if data[1] != tagCompressed {
		t, rest, err := c.DecodeBody(data[1:], opts)
		if err != nil {
			return nil, nil, shiftOffset(err, 1)
		}
		return t, rest, nil
	}
	body, used, err := inflate(data[2:], opts)
	if err != nil {
		return nil, nil, err
	}
	t, rest, err := c.DecodeBody(body, opts)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, &DecodeError{Offset: len(body) - len(rest), Tag: tagCompressed, Err: ErrCompressedSize}
	}
	return t, data[2+used:], nil
}

// inflate returns the decompressed body and how many input bytes the
// length prefix and zlib stream occupied.
func inflate(data []byte, opts DecodeOptions) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, &DecodeError{Offset: 2, Tag: tagCompressed, Err: ErrTruncated}
	}
	declared := binary.BigEndian.Uint32(data)
	limit := opts.MaxDecompressed
	if limit == 0 {
		limit = defaultMaxUnzip
	}
	if declared > limit {
		return nil, 0, &DecodeError{Offset: 2, Tag: tagCompressed,
			Err: fmt.Errorf("%w: %d > %d", ErrCompressedTooLarge, declared, limit)}
	}
	// bytes.Reader is an io.ByteReader, so the inflater never reads past the
	// end of its stream and the remaining length locates trailing data.
	src := bytes.NewReader(data[4:])
	zr, err := zlib.NewReader(src)
	if err != nil {
		return nil, 0, &DecodeError{Offset: 6, Tag: tagCompressed, Err: ErrCompressedData}
	}
	defer zr.Close()
	buf := bytes.NewBuffer(make([]byte, 0, declared))
	n, err := io.Copy(buf, io.LimitReader(zr, int64(declared)+1))
	if err != nil {
		return nil, 0, &DecodeError{Offset: 6, Tag: tagCompressed, Err: fmt.Errorf("%w: %v", ErrCompressedData, err)}
	}
	if n != int64(declared) {
		return nil, 0, &DecodeError{Offset: 6, Tag: tagCompressed,
			Err: fmt.Errorf("%w: declared %d, got %d", ErrCompressedSize, declared, n)}
	}
	return buf.Bytes(), len(data) - src.Len(), nil
}

// TermToBinary encodes t as an uncompressed envelope.
func TermToBinary(c Codec, t Term) ([]byte, error) {
	return AppendEnvelope(c, nil, t)
}

// AppendEnvelope appends the uncompressed envelope for t to dst.
func AppendEnvelope(c Codec, dst []byte, t Term) ([]byte, error) {
	if c == nil {
		c = DefaultCodec
	}
	return c.EncodeBody(append(dst, VersionTag), t)
}

// TermToBinaryCompressed encodes t and deflates the body at the given zlib
// level. Bodies that do not shrink are returned uncompressed.
func TermToBinaryCompressed(c Codec, t Term, level int) ([]byte, error) {
	if c == nil {
		c = DefaultCodec
	}
	body, err := c.EncodeBody(nil, t)
	if err != nil {
		return nil, err
	}
	var z bytes.Buffer
	z.Write([]byte{VersionTag, tagCompressed, 0, 0, 0, 0})
	binary.BigEndian.PutUint32(z.Bytes()[2:], uint32(len(body)))
	zw, err := zlib.NewWriterLevel(&z, level)
	if err != nil {
		return nil, fmt.Errorf("etf: compress: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("etf: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("etf: compress: %w", err)
	}
	if z.Len() >= len(body)+1 {
		return append([]byte{VersionTag}, body...), nil
	}
	return z.Bytes(), nil
}

func shiftOffset(err error, by int) error {
	var de *DecodeError
	if errors.As(err, &de) {
		de.Offset += by
	}
	return err
}
