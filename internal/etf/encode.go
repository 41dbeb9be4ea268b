package etf

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"
)

func appendU16(dst []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(dst, v) }
func appendU32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }

// appendTerm encodes t without the version tag.
func appendTerm(dst []byte, t Term) ([]byte, error) {
	switch v := t.(type) {
	case nil:
		return append(dst, tagNil), nil
	case int:
		return appendInt64(dst, int64(v)), nil
	case int8:
		return appendInt64(dst, int64(v)), nil
	case int16:
		return appendInt64(dst, int64(v)), nil
	case int32:
		return appendInt64(dst, int64(v)), nil
	case int64:
		return appendInt64(dst, v), nil
	case uint:
		return appendUint64(dst, uint64(v)), nil
	case uint8:
		return appendInt64(dst, int64(v)), nil
	case uint16:
		return appendInt64(dst, int64(v)), nil
	case uint32:
		return appendInt64(dst, int64(v)), nil
	case uint64:
		return appendUint64(dst, v), nil
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("%w: nil *big.Int", ErrUnsupportedType)
		}
		return appendBig(dst, v), nil
	case float64:
		dst = append(dst, tagNewFloat)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v)), nil
	case float32:
		dst = append(dst, tagNewFloat)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(v))), nil
	case bool:
		if v {
			return appendAtom(dst, "true")
		}
		return appendAtom(dst, "false")
	case Atom:
		return appendAtom(dst, v)
	case string:
		return appendString(dst, v)
	case []byte:
		dst = append(dst, tagBinary)
		dst = appendU32(dst, uint32(len(v)))
		return append(dst, v...), nil
	case BitString:
		if v.Bits < 1 || v.Bits > 8 {
			return nil, ErrInvalidBitCount
		}
		dst = append(dst, tagBitBinary)
		dst = appendU32(dst, uint32(len(v.Bytes)))
		dst = append(dst, v.Bits)
		return append(dst, v.Bytes...), nil
	case Tuple:
		return appendTuple(dst, v)
	case []Term:
		return appendList(dst, v, nil)
	case List:
		return appendList(dst, v.Elements, v.Tail)
	case Map:
		dst = append(dst, tagMap)
		dst = appendU32(dst, uint32(len(v)))
		var err error
		for _, p := range v {
			if dst, err = appendTerm(dst, p.Key); err != nil {
				return nil, err
			}
			if dst, err = appendTerm(dst, p.Value); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case Pid:
		return appendPid(dst, v)
	case Port:
		return appendPort(dst, v)
	case Reference:
		return appendReference(dst, v)
	case Export:
		if v.Arity < 0 || v.Arity > 255 {
			return nil, fmt.Errorf("%w: export arity %d", ErrUnsupportedType, v.Arity)
		}
		dst = append(dst, tagExport)
		var err error
		if dst, err = appendAtom(dst, v.Module); err != nil {
			return nil, err
		}
		if dst, err = appendAtom(dst, v.Function); err != nil {
			return nil, err
		}
		return append(dst, tagSmallInteger, byte(v.Arity)), nil
	case Fun:
		return appendFun(dst, v)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, t)
}

func appendInt64(dst []byte, v int64) []byte {
	switch {
	case v >= 0 && v <= math.MaxUint8:
		return append(dst, tagSmallInteger, byte(v))
	case v >= math.MinInt32 && v <= math.MaxInt32:
		dst = append(dst, tagInteger)
		return appendU32(dst, uint32(int32(v)))
	}
	return appendBig(dst, big.NewInt(v))
}

func appendUint64(dst []byte, v uint64) []byte {
	if v <= math.MaxInt32 {
		return appendInt64(dst, int64(v))
	}
	return appendBig(dst, new(big.Int).SetUint64(v))
}

func appendBig(dst []byte, v *big.Int) []byte {
	if v.IsInt64() {
		if n := v.Int64(); n >= math.MinInt32 && n <= math.MaxInt32 {
			return appendInt64(dst, n)
		}
	}
	mag := v.Bytes()
	n := len(mag)
	if n <= math.MaxUint8 {
		dst = append(dst, tagSmallBig, byte(n))
	} else {
		dst = append(dst, tagLargeBig)
		dst = appendU32(dst, uint32(n))
	}
	if v.Sign() < 0 {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	for i := n - 1; i >= 0; i-- {
		dst = append(dst, mag[i])
	}
	return dst
}

func appendAtom(dst []byte, a Atom) ([]byte, error) {
	s := string(a)
	if utf8.RuneCountInString(s) > maxAtomRunes {
		return nil, fmt.Errorf("%w: %d characters", ErrAtomTooLong, utf8.RuneCountInString(s))
	}
	if isASCII(s) {
		dst = append(dst, tagAtom)
		dst = appendU16(dst, uint16(len(s)))
		return append(dst, s...), nil
	}
	if !utf8.ValidString(s) {
		return nil, ErrInvalidAtom
	}
	if len(s) <= math.MaxUint8 {
		dst = append(dst, tagSmallAtomUTF8, byte(len(s)))
	} else {
		dst = append(dst, tagAtomUTF8)
		dst = appendU16(dst, uint16(len(s)))
	}
	return append(dst, s...), nil
}

// appendString writes a char list, compactly when every rune fits a byte.
func appendString(dst []byte, s string) ([]byte, error) {
	runes := []rune(s)
	compact := len(runes) <= math.MaxUint16
	for _, r := range runes {
		if r > math.MaxUint8 {
			compact = false
			break
		}
	}
	if compact {
		dst = append(dst, tagString)
		dst = appendU16(dst, uint16(len(runes)))
		for _, r := range runes {
			dst = append(dst, byte(r))
		}
		return dst, nil
	}
	dst = append(dst, tagList)
	dst = appendU32(dst, uint32(len(runes)))
	for _, r := range runes {
		dst = appendInt64(dst, int64(r))
	}
	return append(dst, tagNil), nil
}

func appendTuple(dst []byte, t Tuple) ([]byte, error) {
	if len(t) <= math.MaxUint8 {
		dst = append(dst, tagSmallTuple, byte(len(t)))
	} else {
		dst = append(dst, tagLargeTuple)
		dst = appendU32(dst, uint32(len(t)))
	}
	var err error
	for _, e := range t {
		if dst, err = appendTerm(dst, e); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendList(dst []byte, elems []Term, tail Term) ([]byte, error) {
	if len(elems) == 0 {
		return appendTerm(dst, tail)
	}
	dst = append(dst, tagList)
	dst = appendU32(dst, uint32(len(elems)))
	var err error
	for _, e := range elems {
		if dst, err = appendTerm(dst, e); err != nil {
			return nil, err
		}
	}
	return appendTerm(dst, tail)
}

func appendPid(dst []byte, p Pid) ([]byte, error) {
	dst = append(dst, tagNewPid)
	dst, err := appendAtom(dst, p.Node)
	if err != nil {
		return nil, err
	}
	dst = appendU32(dst, p.ID)
	dst = appendU32(dst, p.Serial)
	return appendU32(dst, p.Creation), nil
}

func appendPort(dst []byte, p Port) ([]byte, error) {
	tag := tagNewPort
	if p.ID > math.MaxUint32 {
		tag = tagV4Port
	}
	dst = append(dst, tag)
	dst, err := appendAtom(dst, p.Node)
	if err != nil {
		return nil, err
	}
	if tag == tagV4Port {
		dst = binary.BigEndian.AppendUint64(dst, p.ID)
	} else {
		dst = appendU32(dst, uint32(p.ID))
	}
	return appendU32(dst, p.Creation), nil
}

func appendReference(dst []byte, r Reference) ([]byte, error) {
	if len(r.IDs) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: reference with %d ids", ErrUnsupportedType, len(r.IDs))
	}
	dst = append(dst, tagNewerReference)
	dst = appendU16(dst, uint16(len(r.IDs)))
	dst, err := appendAtom(dst, r.Node)
	if err != nil {
		return nil, err
	}
	dst = appendU32(dst, r.Creation)
	for _, id := range r.IDs {
		dst = appendU32(dst, id)
	}
	return dst, nil
}

func appendFun(dst []byte, f Fun) ([]byte, error) {
	dst = append(dst, tagNewFun)
	sizeAt := len(dst)
	dst = appendU32(dst, 0)
	dst = append(dst, f.Arity)
	dst = append(dst, f.Uniq[:]...)
	dst = appendU32(dst, f.Index)
	dst = appendU32(dst, uint32(len(f.Free)))
	var err error
	if dst, err = appendAtom(dst, f.Module); err != nil {
		return nil, err
	}
	if dst, err = appendTerm(dst, f.OldIndex); err != nil {
		return nil, err
	}
	if dst, err = appendTerm(dst, f.OldUniq); err != nil {
		return nil, err
	}
	if dst, err = appendPid(dst, f.Pid); err != nil {
		return nil, err
	}
	for _, v := range f.Free {
		if dst, err = appendTerm(dst, v); err != nil {
			return nil, err
		}
	}
	binary.BigEndian.PutUint32(dst[sizeAt:], uint32(len(dst)-sizeAt))
	return dst, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
