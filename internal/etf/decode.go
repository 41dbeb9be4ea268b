package etf

import (
	"encoding/binary"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DecodeOptions are resolved once per decode call.
type DecodeOptions struct {
	// SimpleLists returns proper lists as []Term. When false every list is
	// returned as List, keeping its tail.
	SimpleLists bool
	// SimpleBinaries returns bit-strings whose trailing count is 8 as []byte.
	SimpleBinaries bool
	// AtomsAsStrings returns atoms as plain string values.
	AtomsAsStrings bool
	// MaxDecompressed bounds the declared size of a compressed envelope.
	MaxDecompressed uint32
	// MaxDepth bounds term nesting. Zero means the default.
	MaxDepth int
}

func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		SimpleLists:     true,
		MaxDecompressed: defaultMaxUnzip,
		MaxDepth:        defaultMaxDepth,
	}
}

type decoder struct {
	data  []byte
	pos   int
	opts  DecodeOptions
	depth int
}

func decodeBody(data []byte, opts DecodeOptions) (Term, []byte, error) {
	d := &decoder{data: data, opts: opts}
	t, err := d.term()
	if err != nil {
		return nil, nil, err
	}
	return t, data[d.pos:], nil
}

func (d *decoder) fail(tag byte, at int, err error) error {
	return &DecodeError{Offset: at, Tag: tag, Err: err}
}

func (d *decoder) maxDepth() int {
	if d.opts.MaxDepth > 0 {
		return d.opts.MaxDepth
	}
	return defaultMaxDepth
}

func (d *decoder) remaining() int { return len(d.data) - d.pos }

func (d *decoder) take(tag byte, n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, d.fail(tag, d.pos, ErrTruncated)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u8(tag byte) (uint8, error) {
	b, err := d.take(tag, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16(tag byte) (uint16, error) {
	b, err := d.take(tag, 2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32(tag byte) (uint32, error) {
	b, err := d.take(tag, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64(tag byte) (uint64, error) {
	b, err := d.take(tag, 8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// prealloc bounds a declared element count by what the buffer could hold.
func (d *decoder) prealloc(n uint32) int {
	if r := d.remaining(); int64(n) > int64(r) {
		return r
	}
	return int(n)
}

func (d *decoder) term() (Term, error) {
	start := d.pos
	tag, err := d.u8(0)
	if err != nil {
		return nil, err
	}
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > d.maxDepth() {
		return nil, d.fail(tag, start, ErrTooDeep)
	}
	switch tag {
	case tagSmallInteger:
		v, err := d.u8(tag)
		return int(v), err
	case tagInteger:
		v, err := d.u32(tag)
		return int(int32(v)), err
	case tagSmallBig:
		n, err := d.u8(tag)
		if err != nil {
			return nil, err
		}
		return d.bigInt(tag, int(n))
	case tagLargeBig:
		n, err := d.u32(tag)
		if err != nil {
			return nil, err
		}
		if int64(n) > int64(d.remaining()) {
			return nil, d.fail(tag, d.pos, ErrTruncated)
		}
		return d.bigInt(tag, int(n))
	case tagNewFloat:
		v, err := d.u64(tag)
		return math.Float64frombits(v), err
	case tagFloat:
		b, err := d.take(tag, floatTextLen)
		if err != nil {
			return nil, err
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(strings.TrimRight(string(b), "\x00")), 64)
		if perr != nil {
			return nil, d.fail(tag, start, ErrInvalidFloat)
		}
		return f, nil
	case tagAtom, tagSmallAtom, tagAtomUTF8, tagSmallAtomUTF8:
		a, err := d.atomBody(tag)
		if err != nil {
			return nil, err
		}
		if d.opts.AtomsAsStrings {
			return string(a), nil
		}
		return a, nil
	case tagBinary:
		n, err := d.u32(tag)
		if err != nil {
			return nil, err
		}
		b, err := d.take(tag, int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case tagBitBinary:
		return d.bitBinary(tag)
	case tagSmallTuple:
		n, err := d.u8(tag)
		if err != nil {
			return nil, err
		}
		return d.tuple(uint32(n))
	case tagLargeTuple:
		n, err := d.u32(tag)
		if err != nil {
			return nil, err
		}
		return d.tuple(n)
	case tagNil:
		if d.opts.SimpleLists {
			return []Term{}, nil
		}
		return List{}, nil
	case tagString:
		n, err := d.u16(tag)
		if err != nil {
			return nil, err
		}
		b, err := d.take(tag, int(n))
		if err != nil {
			return nil, err
		}
		return latin1(b), nil
	case tagList:
		return d.list(tag)
	case tagMap:
		return d.mapBody(tag)
	case tagPid, tagNewPid:
		return d.pidBody(tag)
	case tagPort, tagNewPort, tagV4Port:
		return d.portBody(tag)
	case tagReference, tagNewReference, tagNewerReference:
		return d.referenceBody(tag)
	case tagExport:
		return d.export(tag)
	case tagNewFun:
		return d.fun(tag, start)
	}
	return nil, d.fail(tag, start, ErrUnsupportedTag)
}

func (d *decoder) bigInt(tag byte, n int) (Term, error) {
	sign, err := d.u8(tag)
	if err != nil {
		return nil, err
	}
	le, err := d.take(tag, n)
	if err != nil {
		return nil, err
	}
	be := make([]byte, n)
	for i := range le {
		be[n-1-i] = le[i]
	}
	v := new(big.Int).SetBytes(be)
	if sign != 0 {
		v.Neg(v)
	}
	if v.IsInt64() && v.Int64() >= math.MinInt32 && v.Int64() <= math.MaxInt32 {
		return int(v.Int64()), nil
	}
	return v, nil
}

// atom reads a full atom term, tag included, for fields that must be atoms.
func (d *decoder) atom() (Atom, error) {
	start := d.pos
	tag, err := d.u8(0)
	if err != nil {
		return "", err
	}
	switch tag {
	case tagAtom, tagSmallAtom, tagAtomUTF8, tagSmallAtomUTF8:
		return d.atomBody(tag)
	}
	return "", d.fail(tag, start, ErrInvalidAtom)
}

func (d *decoder) atomBody(tag byte) (Atom, error) {
	var n int
	switch tag {
	case tagAtom, tagAtomUTF8:
		v, err := d.u16(tag)
		if err != nil {
			return "", err
		}
		n = int(v)
	default:
		v, err := d.u8(tag)
		if err != nil {
			return "", err
		}
		n = int(v)
	}
	start := d.pos
	b, err := d.take(tag, n)
	if err != nil {
		return "", err
	}
	if tag == tagAtom || tag == tagSmallAtom {
		return Atom(latin1(b)), nil
	}
	if !utf8.Valid(b) {
		return "", d.fail(tag, start, ErrInvalidAtom)
	}
	return Atom(b), nil
}

func (d *decoder) bitBinary(tag byte) (Term, error) {
	n, err := d.u32(tag)
	if err != nil {
		return nil, err
	}
	at := d.pos
	bits, err := d.u8(tag)
	if err != nil {
		return nil, err
	}
	if bits < 1 || bits > 8 {
		return nil, d.fail(tag, at, ErrInvalidBitCount)
	}
	b, err := d.take(tag, int(n))
	if err != nil {
		return nil, err
	}
	data := append([]byte(nil), b...)
	if bits == 8 && d.opts.SimpleBinaries {
		return data, nil
	}
	return BitString{Bytes: data, Bits: bits}, nil
}

func (d *decoder) tuple(n uint32) (Term, error) {
	t := make(Tuple, 0, d.prealloc(n))
	for i := uint32(0); i < n; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		t = append(t, e)
	}
	return t, nil
}

func (d *decoder) list(tag byte) (Term, error) {
	n, err := d.u32(tag)
	if err != nil {
		return nil, err
	}
	elems := make([]Term, 0, d.prealloc(n))
	for i := uint32(0); i < n; i++ {
		e, err := d.term()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
	}
	if d.remaining() < 1 {
		return nil, d.fail(tag, d.pos, ErrTruncated)
	}
	var tail Term
	if d.data[d.pos] == tagNil {
		d.pos++
	} else if tail, err = d.term(); err != nil {
		return nil, err
	}
	if tail == nil && d.opts.SimpleLists {
		return elems, nil
	}
	return List{Elements: elems, Tail: tail}, nil
}

func (d *decoder) mapBody(tag byte) (Term, error) {
	n, err := d.u32(tag)
	if err != nil {
		return nil, err
	}
	m := make(Map, 0, d.prealloc(n))
	index := make(map[any]int)
	for i := uint32(0); i < n; i++ {
		k, err := d.term()
		if err != nil {
			return nil, err
		}
		v, err := d.term()
		if err != nil {
			return nil, err
		}
		hk, ok := hashKey(k)
		if !ok {
			m = m.Put(k, v)
			continue
		}
		if at, dup := index[hk]; dup {
			m[at].Value = v
			continue
		}
		index[hk] = len(m)
		m = append(m, Pair{Key: k, Value: v})
	}
	return m, nil
}

type (
	bigKey   string
	floatKey uint64
)

// hashKey returns a comparable stand-in for scalar keys. Floats key by bit
// pattern so 0.0 and -0.0 stay distinct.
func hashKey(k Term) (any, bool) {
	switch v := k.(type) {
	case int, Atom, string:
		return v, true
	case float64:
		return floatKey(math.Float64bits(v)), true
	case *big.Int:
		return bigKey(v.String()), true
	}
	return nil, false
}

func (d *decoder) pidBody(tag byte) (Term, error) {
	node, err := d.atom()
	if err != nil {
		return nil, err
	}
	p := Pid{Node: node}
	if p.ID, err = d.u32(tag); err != nil {
		return nil, err
	}
	if p.Serial, err = d.u32(tag); err != nil {
		return nil, err
	}
	if p.Creation, err = d.creation(tag, tag == tagPid); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *decoder) portBody(tag byte) (Term, error) {
	node, err := d.atom()
	if err != nil {
		return nil, err
	}
	p := Port{Node: node}
	if tag == tagV4Port {
		if p.ID, err = d.u64(tag); err != nil {
			return nil, err
		}
	} else {
		id, err := d.u32(tag)
		if err != nil {
			return nil, err
		}
		p.ID = uint64(id)
	}
	if p.Creation, err = d.creation(tag, tag == tagPort); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *decoder) referenceBody(tag byte) (Term, error) {
	if tag == tagReference {
		node, err := d.atom()
		if err != nil {
			return nil, err
		}
		id, err := d.u32(tag)
		if err != nil {
			return nil, err
		}
		creation, err := d.creation(tag, true)
		if err != nil {
			return nil, err
		}
		return Reference{Node: node, Creation: creation, IDs: []uint32{id}}, nil
	}
	n, err := d.u16(tag)
	if err != nil {
		return nil, err
	}
	node, err := d.atom()
	if err != nil {
		return nil, err
	}
	creation, err := d.creation(tag, tag == tagNewReference)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, d.prealloc(uint32(n)))
	for i := 0; i < int(n); i++ {
		id, err := d.u32(tag)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return Reference{Node: node, Creation: creation, IDs: ids}, nil
}

func (d *decoder) creation(tag byte, short bool) (uint32, error) {
	if short {
		v, err := d.u8(tag)
		return uint32(v), err
	}
	return d.u32(tag)
}

func (d *decoder) export(tag byte) (Term, error) {
	mod, err := d.atom()
	if err != nil {
		return nil, err
	}
	fn, err := d.atom()
	if err != nil {
		return nil, err
	}
	at := d.pos
	arity, err := d.term()
	if err != nil {
		return nil, err
	}
	n, ok := arity.(int)
	if !ok || n < 0 || n > 255 {
		return nil, d.fail(tag, at, ErrMalformed)
	}
	return Export{Module: mod, Function: fn, Arity: n}, nil
}

func (d *decoder) fun(tag byte, start int) (Term, error) {
	sizeAt := d.pos
	size, err := d.u32(tag)
	if err != nil {
		return nil, err
	}
	var f Fun
	if f.Arity, err = d.u8(tag); err != nil {
		return nil, err
	}
	uniq, err := d.take(tag, funUniqLen)
	if err != nil {
		return nil, err
	}
	copy(f.Uniq[:], uniq)
	if f.Index, err = d.u32(tag); err != nil {
		return nil, err
	}
	numFree, err := d.u32(tag)
	if err != nil {
		return nil, err
	}
	if f.Module, err = d.atom(); err != nil {
		return nil, err
	}
	if f.OldIndex, err = d.term(); err != nil {
		return nil, err
	}
	if f.OldUniq, err = d.term(); err != nil {
		return nil, err
	}
	pidAt := d.pos
	pid, err := d.term()
	if err != nil {
		return nil, err
	}
	var ok bool
	if f.Pid, ok = pid.(Pid); !ok {
		return nil, d.fail(tag, pidAt, ErrMalformed)
	}
	f.Free = make([]Term, 0, d.prealloc(numFree))
	for i := uint32(0); i < numFree; i++ {
		v, err := d.term()
		if err != nil {
			return nil, err
		}
		f.Free = append(f.Free, v)
	}
	if uint32(d.pos-sizeAt) != size {
		return nil, d.fail(tag, start, ErrMalformed)
	}
	return f, nil
}

func latin1(b []byte) string {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			r := make([]rune, len(b))
			for i, c := range b {
				r[i] = rune(c)
			}
			return string(r)
		}
	}
	return string(b)
}
