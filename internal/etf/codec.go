package etf

import "sync"

// Codec turns a single term body into a value and back. Envelope handling
// (version tag, compression) stays outside the codec so implementations only
// have to agree on term bytes.
type Codec interface {
	DecodeBody(data []byte, opts DecodeOptions) (Term, []byte, error)
	EncodeBody(dst []byte, t Term) ([]byte, error)
}

type referenceCodec struct{}

// DefaultCodec is the plain allocating codec every other implementation must
// match byte for byte.
var DefaultCodec Codec = referenceCodec{}

func (referenceCodec) DecodeBody(data []byte, opts DecodeOptions) (Term, []byte, error) {
	return decodeBody(data, opts)
}

func (referenceCodec) EncodeBody(dst []byte, t Term) ([]byte, error) {
	return appendTerm(dst, t)
}

// PooledCodec is a pooling wrapper around the same encoder and decoder that
// DefaultCodec uses. It recycles decoder state and encode scratch space
// between calls, so output is identical by construction. It is not an
// independent implementation of the format.
type PooledCodec struct {
	decoders sync.Pool
	scratch  sync.Pool
}

const pooledScratchCap = 4096

func NewPooledCodec() *PooledCodec {
	c := &PooledCodec{}
	c.decoders.New = func() any { return &decoder{} }
	c.scratch.New = func() any {
		b := make([]byte, 0, pooledScratchCap)
		return &b
	}
	return c
}

func (c *PooledCodec) DecodeBody(data []byte, opts DecodeOptions) (Term, []byte, error) {
	d := c.decoders.Get().(*decoder)
	d.data, d.pos, d.opts, d.depth = data, 0, opts, 0
	t, err := d.term()
	pos := d.pos
	d.data = nil
	c.decoders.Put(d)
	if err != nil {
		return nil, nil, err
	}
	return t, data[pos:], nil
}

func (c *PooledCodec) EncodeBody(dst []byte, t Term) ([]byte, error) {
	bp := c.scratch.Get().(*[]byte)
	buf, err := appendTerm((*bp)[:0], t)
	if err == nil {
		dst = append(dst, buf...)
	}
	// Oversized buffers are dropped so one large term does not pin memory.
	if cap(buf) <= 16*pooledScratchCap {
		*bp = buf[:0]
		c.scratch.Put(bp)
	}
	if err != nil {
		return nil, err
	}
	return dst, nil
}
