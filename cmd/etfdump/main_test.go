package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/erlnode/internal/etf"
)

func TestFormatTerms(t *testing.T) {
	cases := []struct {
		term etf.Term
		want string
	}{
		{etf.Atom("ok"), "ok"},
		{etf.Atom("Hello world"), "'Hello world'"},
		{etf.Tuple{etf.Atom("echo"), 42, "hi"}, `{echo, 42, "hi"}`},
		{[]etf.Term{1, 2}, "[1, 2]"},
		{etf.List{Elements: []etf.Term{1}, Tail: etf.Atom("t")}, "[1 | t]"},
		{[]byte{1, 2}, "<<1,2>>"},
		{etf.BitString{Bytes: []byte{1, 0xE0}, Bits: 3}, "<<1,224:3>>"},
		{etf.Pid{Node: "a@h", ID: 5, Serial: 1}, "<a@h.5.1>"},
		{etf.Map{{Key: etf.Atom("k"), Value: 1.5}}, "#{k => 1.5}"},
	}
	for _, tc := range cases {
		if got := format(tc.term); got != tc.want {
			t.Fatalf("format(%#v) = %q, want %q", tc.term, got, tc.want)
		}
	}
}

func TestDumpAllEnvelopes(t *testing.T) {
	var data []byte
	for _, term := range []etf.Term{etf.Atom("a"), 7} {
		b, err := etf.TermToBinary(etf.DefaultCodec, term)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		data = append(data, b...)
	}

	var out bytes.Buffer
	if err := dump(&out, data, false, true); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if got := out.String(); got != "a\n7\n" {
		t.Fatalf("dump output = %q", got)
	}

	out.Reset()
	if err := dump(&out, data, false, false); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if got := out.String(); got != "a\n% 3 trailing bytes\n" {
		t.Fatalf("single dump output = %q", got)
	}
}

func TestDumpRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	if err := dump(&out, []byte{1, 2, 3}, false, false); err == nil {
		t.Fatal("expected an error for a bad version byte")
	}
}

func TestDumpRejectsDeepNesting(t *testing.T) {
	data := append([]byte{131}, bytes.Repeat([]byte{104, 1}, 100_000)...)
	data = append(data, 106)
	var out bytes.Buffer
	err := dump(&out, data, false, false)
	if !errors.Is(err, etf.ErrTooDeep) {
		t.Fatalf("dump error = %v, want %v", err, etf.ErrTooDeep)
	}
}
