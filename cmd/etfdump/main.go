package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/erlnode/internal/etf"
)

func main() {
	hexInput := flag.Bool("hex", false, "input is hex text instead of raw bytes")
	rich := flag.Bool("rich", false, "decode lists with their tails")
	all := flag.Bool("all", false, "keep decoding envelopes until input is exhausted")
	flag.Parse()

	if err := run(os.Stdout, flag.Arg(0), *hexInput, *rich, *all); err != nil {
		fmt.Fprintf(os.Stderr, "etfdump: %v\n", err)
		os.Exit(1)
	}
}

func run(out io.Writer, path string, hexInput, rich, all bool) error {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if hexInput {
		data, err = hex.DecodeString(strings.Join(strings.Fields(string(data)), ""))
		if err != nil {
			return fmt.Errorf("hex input: %w", err)
		}
	}
	return dump(out, data, rich, all)
}

func dump(out io.Writer, data []byte, rich, all bool) error {
	opts := etf.DefaultDecodeOptions()
	opts.SimpleLists = !rich
	for {
		t, rest, err := etf.BinaryToTerm(etf.DefaultCodec, data, opts)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, format(t))
		if !all || len(rest) == 0 {
			if len(rest) > 0 {
				fmt.Fprintf(out, "%% %d trailing bytes\n", len(rest))
			}
			return nil
		}
		data = rest
	}
}

// format renders t in Erlang term syntax.
func format(t etf.Term) string {
	var b bytes.Buffer
	write(&b, t)
	return b.String()
}

func write(b *bytes.Buffer, t etf.Term) {
	switch v := t.(type) {
	case nil:
		b.WriteString("[]")
	case etf.Atom:
		b.WriteString(quoteAtom(string(v)))
	case bool:
		b.WriteString(strconv.FormatBool(v))
	case int:
		b.WriteString(strconv.Itoa(v))
	case *big.Int:
		b.WriteString(v.String())
	case float64:
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		b.WriteString(strconv.Quote(v))
	case []byte:
		writeBinary(b, v, 8)
	case etf.BitString:
		writeBinary(b, v.Bytes, int(v.Bits))
	case etf.Tuple:
		b.WriteByte('{')
		writeSeq(b, v)
		b.WriteByte('}')
	case []etf.Term:
		b.WriteByte('[')
		writeSeq(b, v)
		b.WriteByte(']')
	case etf.List:
		b.WriteByte('[')
		writeSeq(b, v.Elements)
		if !v.Proper() {
			b.WriteString(" | ")
			write(b, v.Tail)
		}
		b.WriteByte(']')
	case etf.Map:
		b.WriteString("#{")
		for i, p := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			write(b, p.Key)
			b.WriteString(" => ")
			write(b, p.Value)
		}
		b.WriteByte('}')
	case etf.Pid:
		b.WriteString(v.String())
	case etf.Port:
		fmt.Fprintf(b, "#Port<%s.%d>", v.Node, v.ID)
	case etf.Reference:
		fmt.Fprintf(b, "#Ref<%s", v.Node)
		for _, id := range v.IDs {
			fmt.Fprintf(b, ".%d", id)
		}
		b.WriteByte('>')
	case etf.Export:
		fmt.Fprintf(b, "fun %s:%s/%d", quoteAtom(string(v.Module)), quoteAtom(string(v.Function)), v.Arity)
	case etf.Fun:
		fmt.Fprintf(b, "#Fun<%s.%d.%d>", v.Module, v.Index, len(v.Free))
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

func writeSeq(b *bytes.Buffer, items []etf.Term) {
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		write(b, item)
	}
}

func writeBinary(b *bytes.Buffer, data []byte, lastBits int) {
	b.WriteString("<<")
	for i, c := range data {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(c)))
		if i == len(data)-1 && lastBits != 8 {
			fmt.Fprintf(b, ":%d", lastBits)
		}
	}
	b.WriteString(">>")
}

func quoteAtom(a string) string {
	if a == "" {
		return "''"
	}
	simple := a[0] >= 'a' && a[0] <= 'z'
	for _, r := range a {
		if !(r == '_' || r == '@' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			simple = false
			break
		}
	}
	if simple {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", "\\'") + "'"
}
