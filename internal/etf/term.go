package etf

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"unicode/utf8"
)

// Term is any value the external term format can carry. Decoding only ever
// produces the types declared in this file plus int, *big.Int, float64,
// string and []byte.
type Term = any

// Atom is an interned, case-sensitive name.
type Atom string

func (a Atom) String() string { return string(a) }

// Tuple is a fixed-size ordered sequence.
type Tuple []Term

// List is the rich list form returned when DecodeOptions.SimpleLists is off.
// A nil Tail marks a proper list.
type List struct {
	Elements []Term
	Tail     Term
}

// Proper reports whether the list ends in nil.
func (l List) Proper() bool { return l.Tail == nil }

// AsUnicode interprets a proper list of integer code points as a string.
func (l List) AsUnicode() (string, error) {
	if !l.Proper() {
		return "", fmt.Errorf("etf: improper list is not a string")
	}
	return CodePointsToString(l.Elements)
}

// CodePointsToString converts a simple list of integers into a string.
func CodePointsToString(elems []Term) (string, error) {
	var b strings.Builder
	for i, e := range elems {
		n, ok := e.(int)
		if !ok || n < 0 || n > utf8.MaxRune {
			return "", fmt.Errorf("etf: element %d is not a code point", i)
		}
		b.WriteRune(rune(n))
	}
	return b.String(), nil
}

// BitString is a binary whose last byte carries only Bits significant bits.
type BitString struct {
	Bytes []byte
	Bits  uint8
}

// Pair is one map entry.
type Pair struct {
	Key   Term
	Value Term
}

// Map keeps entries in wire order. Keys are unique after decode.
type Map []Pair

// Get returns the value stored under key.
func (m Map) Get(key Term) (Term, bool) {
	for _, p := range m {
		if Equal(p.Key, key) {
			return p.Value, true
		}
	}
	return nil, false
}

// Put replaces the value of an existing key in place or appends a new pair.
func (m Map) Put(key, value Term) Map {
	for i := range m {
		if Equal(m[i].Key, key) {
			m[i].Value = value
			return m
		}
	}
	return append(m, Pair{Key: key, Value: value})
}

// Pid identifies a process on Node.
type Pid struct {
	Node     Atom
	ID       uint32
	Serial   uint32
	Creation uint32
}

func (p Pid) String() string {
	return fmt.Sprintf("<%s.%d.%d>", p.Node, p.ID, p.Serial)
}

// Port identifies a port on Node.
type Port struct {
	Node     Atom
	ID       uint64
	Creation uint32
}

// Reference is a node-unique reference.
type Reference struct {
	Node     Atom
	Creation uint32
	IDs      []uint32
}

// Export is an external fun, fun Module:Function/Arity.
type Export struct {
	Module   Atom
	Function Atom
	Arity    int
}

// Fun is a local closure as sent by NEW_FUN_EXT.
type Fun struct {
	Arity    uint8
	Uniq     [16]byte
	Index    uint32
	Module   Atom
	OldIndex Term
	OldUniq  Term
	Pid      Pid
	Free     []Term
}

// Equal compares two terms structurally. Integers compare numerically across
// int and *big.Int. Floats compare by bit pattern, so 0.0 and -0.0 differ,
// and byte content is compared exactly.
func Equal(a, b Term) bool {
	if ai, ok := integerOf(a); ok {
		bi, ok := integerOf(b)
		return ok && ai.Cmp(bi) == 0
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && math.Float64bits(av) == math.Float64bits(bv)
	case Atom:
		bv, ok := b.(Atom)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case BitString:
		bv, ok := b.(BitString)
		return ok && av.Bits == bv.Bits && string(av.Bytes) == string(bv.Bytes)
	case Tuple:
		bv, ok := b.(Tuple)
		return ok && equalSlices(av, bv)
	case []Term:
		bv, ok := b.([]Term)
		return ok && equalSlices(av, bv)
	case List:
		bv, ok := b.(List)
		return ok && equalSlices(av.Elements, bv.Elements) && Equal(av.Tail, bv.Tail)
	case Map:
		bv, ok := b.(Map)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i].Key, bv[i].Key) || !Equal(av[i].Value, bv[i].Value) {
				return false
			}
		}
		return true
	case Pid:
		bv, ok := b.(Pid)
		return ok && av == bv
	case Port:
		bv, ok := b.(Port)
		return ok && av == bv
	case Reference:
		bv, ok := b.(Reference)
		if !ok || av.Node != bv.Node || av.Creation != bv.Creation || len(av.IDs) != len(bv.IDs) {
			return false
		}
		for i := range av.IDs {
			if av.IDs[i] != bv.IDs[i] {
				return false
			}
		}
		return true
	case Export:
		bv, ok := b.(Export)
		return ok && av == bv
	case Fun:
		bv, ok := b.(Fun)
		return ok && av.Arity == bv.Arity && av.Uniq == bv.Uniq && av.Index == bv.Index &&
			av.Module == bv.Module && Equal(av.OldIndex, bv.OldIndex) &&
			Equal(av.OldUniq, bv.OldUniq) && av.Pid == bv.Pid && equalSlices(av.Free, bv.Free)
	}
	return false
}

func equalSlices(a, b []Term) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func integerOf(t Term) (*big.Int, bool) {
	switch v := t.(type) {
	case int:
		return big.NewInt(int64(v)), true
	case *big.Int:
		if v == nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}
