package dist

import (
	"errors"
	"fmt"

	"github.com/danmuck/erlnode/internal/etf"
)

// Op is a distribution control operation code.
type Op int

const (
	OpLink         Op = 1
	OpSend         Op = 2
	OpExit         Op = 3
	OpUnlink       Op = 4
	OpNodeLink     Op = 5
	OpRegSend      Op = 6
	OpGroupLeader  Op = 7
	OpExit2        Op = 8
	OpSendTT       Op = 12
	OpExitTT       Op = 13
	OpRegSendTT    Op = 16
	OpExit2TT      Op = 18
	OpMonitorP     Op = 19
	OpDemonitorP   Op = 20
	OpMonitorPExit Op = 21
	OpSendSender   Op = 22
	OpSendSenderTT Op = 23
)

var opNames = map[Op]string{
	OpLink:         "LINK",
	OpSend:         "SEND",
	OpExit:         "EXIT",
	OpUnlink:       "UNLINK",
	OpNodeLink:     "NODE_LINK",
	OpRegSend:      "REG_SEND",
	OpGroupLeader:  "GROUP_LEADER",
	OpExit2:        "EXIT2",
	OpSendTT:       "SEND_TT",
	OpExitTT:       "EXIT_TT",
	OpRegSendTT:    "REG_SEND_TT",
	OpExit2TT:      "EXIT2_TT",
	OpMonitorP:     "MONITOR_P",
	OpDemonitorP:   "DEMONITOR_P",
	OpMonitorPExit: "MONITOR_P_EXIT",
	OpSendSender:   "SEND_SENDER",
	OpSendSenderTT: "SEND_SENDER_TT",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OP_%d", int(o))
}

// arity is the control tuple size for each known operation.
var arity = map[Op]int{
	OpLink:         3,
	OpSend:         3,
	OpExit:         4,
	OpUnlink:       3,
	OpNodeLink:     1,
	OpRegSend:      4,
	OpGroupLeader:  3,
	OpExit2:        4,
	OpSendTT:       4,
	OpExitTT:       5,
	OpRegSendTT:    5,
	OpExit2TT:      5,
	OpMonitorP:     4,
	OpDemonitorP:   4,
	OpMonitorPExit: 5,
	OpSendSender:   3,
	OpSendSenderTT: 4,
}

// carriesPayload reports whether a message term follows the control tuple.
func (o Op) carriesPayload() bool {
	switch o {
	case OpSend, OpSendTT, OpRegSend, OpRegSendTT, OpSendSender, OpSendSenderTT:
		return true
	}
	return false
}

// ErrMalformedControl closes the connection it was read from.
var ErrMalformedControl = errors.New("dist: malformed control message")

// Control is one decoded control message. The set of implementations is
// closed; anything else arrives as Unrecognized.
type Control interface {
	Op() Op
	control()
}

type Link struct {
	From etf.Pid
	To   etf.Pid
}

type Unlink struct {
	From etf.Pid
	To   etf.Pid
}

// NodeLink is accepted and ignored.
type NodeLink struct{}

// Send delivers Msg to a pid. A zero From is sent as plain SEND; a non-nil
// Token selects the trace-token form.
type Send struct {
	From  etf.Pid
	To    etf.Pid
	Token etf.Term
	Msg   etf.Term
}

// RegSend delivers Msg to a registered name on the receiving node.
type RegSend struct {
	From  etf.Pid
	Name  etf.Atom
	Token etf.Term
	Msg   etf.Term
}

type ExitKind int

const (
	// ExitLinked propagates the death of a linked process.
	ExitLinked ExitKind = iota
	// ExitSignal is an explicit exit/2.
	ExitSignal
)

type Exit struct {
	Kind   ExitKind
	From   etf.Pid
	To     etf.Pid
	Token  etf.Term
	Reason etf.Term
}

type GroupLeader struct {
	From etf.Pid
	To   etf.Pid
}

// MonitorSignal is one of Monitor, Demonitor or MonitorExit.
type MonitorSignal interface {
	Control
	monitorSignal()
}

// Monitor asks the receiving node to watch To, a pid or registered name.
type Monitor struct {
	From etf.Pid
	To   etf.Term
	Ref  etf.Reference
}

type Demonitor struct {
	From etf.Pid
	To   etf.Term
	Ref  etf.Reference
}

// MonitorExit reports that a monitored process (From) went down.
type MonitorExit struct {
	From   etf.Term
	To     etf.Pid
	Ref    etf.Reference
	Reason etf.Term
}

// Unrecognized is a well-formed control tuple with an operation this node
// does not know. It is logged and dropped.
type Unrecognized struct {
	Code  etf.Term
	Tuple etf.Tuple
}

func (Link) Op() Op        { return OpLink }
func (Unlink) Op() Op      { return OpUnlink }
func (NodeLink) Op() Op    { return OpNodeLink }
func (GroupLeader) Op() Op { return OpGroupLeader }
func (Monitor) Op() Op     { return OpMonitorP }
func (Demonitor) Op() Op   { return OpDemonitorP }
func (MonitorExit) Op() Op { return OpMonitorPExit }
func (Unrecognized) Op() Op {
	return 0
}

func (s Send) Op() Op {
	sender := s.From != (etf.Pid{})
	switch {
	case sender && s.Token != nil:
		return OpSendSenderTT
	case sender:
		return OpSendSender
	case s.Token != nil:
		return OpSendTT
	}
	return OpSend
}

func (r RegSend) Op() Op {
	if r.Token != nil {
		return OpRegSendTT
	}
	return OpRegSend
}

func (e Exit) Op() Op {
	switch {
	case e.Kind == ExitSignal && e.Token != nil:
		return OpExit2TT
	case e.Kind == ExitSignal:
		return OpExit2
	case e.Token != nil:
		return OpExitTT
	}
	return OpExit
}

func (Link) control()         {}
func (Unlink) control()       {}
func (NodeLink) control()     {}
func (Send) control()         {}
func (RegSend) control()      {}
func (Exit) control()         {}
func (GroupLeader) control()  {}
func (Monitor) control()      {}
func (Demonitor) control()    {}
func (MonitorExit) control()  {}
func (Unrecognized) control() {}

func (Monitor) monitorSignal()     {}
func (Demonitor) monitorSignal()   {}
func (MonitorExit) monitorSignal() {}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedControl}, args...)...)
}

// ParseControl maps a decoded control term, and the payload term that
// followed it when hasPayload is set, onto a typed Control.
func ParseControl(ctl etf.Term, payload etf.Term, hasPayload bool) (Control, error) {
	tuple, ok := ctl.(etf.Tuple)
	if !ok {
		return nil, malformed("control is %T, not a tuple", ctl)
	}
	if len(tuple) == 0 {
		return nil, malformed("empty control tuple")
	}
	var op Op
	switch code := tuple[0].(type) {
	case int:
		op = Op(code)
	case etf.Atom:
		if len(tuple) < 2 {
			return nil, malformed("operation %q with arity %d", code, len(tuple))
		}
		return Unrecognized{Code: code, Tuple: tuple}, nil
	default:
		return nil, malformed("operation code is %T", tuple[0])
	}

	want, known := arity[op]
	if !known {
		if len(tuple) < 2 {
			return nil, malformed("operation %d with arity %d", op, len(tuple))
		}
		return Unrecognized{Code: tuple[0], Tuple: tuple}, nil
	}
	if len(tuple) != want {
		return nil, malformed("%s arity %d, want %d", op, len(tuple), want)
	}
	if op.carriesPayload() != hasPayload {
		if hasPayload {
			return nil, malformed("%s carries an unexpected payload", op)
		}
		return nil, malformed("%s without payload", op)
	}

	f := fields{op: op, t: tuple}
	var out Control
	switch op {
	case OpLink:
		out = Link{From: f.pid(1), To: f.pid(2)}
	case OpUnlink:
		out = Unlink{From: f.pid(1), To: f.pid(2)}
	case OpNodeLink:
		out = NodeLink{}
	case OpSend:
		out = Send{To: f.pid(2), Msg: payload}
	case OpSendTT:
		out = Send{To: f.pid(2), Token: tuple[3], Msg: payload}
	case OpSendSender:
		out = Send{From: f.pid(1), To: f.pid(2), Msg: payload}
	case OpSendSenderTT:
		out = Send{From: f.pid(1), To: f.pid(2), Token: tuple[3], Msg: payload}
	case OpRegSend:
		out = RegSend{From: f.pid(1), Name: f.atom(3), Msg: payload}
	case OpRegSendTT:
		out = RegSend{From: f.pid(1), Name: f.atom(3), Token: tuple[4], Msg: payload}
	case OpExit:
		out = Exit{Kind: ExitLinked, From: f.pid(1), To: f.pid(2), Reason: tuple[3]}
	case OpExitTT:
		out = Exit{Kind: ExitLinked, From: f.pid(1), To: f.pid(2), Token: tuple[3], Reason: tuple[4]}
	case OpExit2:
		out = Exit{Kind: ExitSignal, From: f.pid(1), To: f.pid(2), Reason: tuple[3]}
	case OpExit2TT:
		out = Exit{Kind: ExitSignal, From: f.pid(1), To: f.pid(2), Token: tuple[3], Reason: tuple[4]}
	case OpGroupLeader:
		out = GroupLeader{From: f.pid(1), To: f.pid(2)}
	case OpMonitorP:
		out = Monitor{From: f.pid(1), To: f.proc(2), Ref: f.ref(3)}
	case OpDemonitorP:
		out = Demonitor{From: f.pid(1), To: f.proc(2), Ref: f.ref(3)}
	case OpMonitorPExit:
		out = MonitorExit{From: f.proc(1), To: f.pid(2), Ref: f.ref(3), Reason: tuple[4]}
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// fields extracts typed tuple elements, keeping the first failure.
type fields struct {
	op  Op
	t   etf.Tuple
	err error
}

func (f *fields) fail(i int, want string) {
	if f.err == nil {
		f.err = malformed("%s element %d is %T, want %s", f.op, i, f.t[i], want)
	}
}

func (f *fields) pid(i int) etf.Pid {
	p, ok := f.t[i].(etf.Pid)
	if !ok {
		f.fail(i, "pid")
	}
	return p
}

func (f *fields) atom(i int) etf.Atom {
	a, ok := f.t[i].(etf.Atom)
	if !ok {
		f.fail(i, "atom")
	}
	return a
}

func (f *fields) ref(i int) etf.Reference {
	r, ok := f.t[i].(etf.Reference)
	if !ok {
		f.fail(i, "reference")
	}
	return r
}

// proc accepts a pid or a registered name.
func (f *fields) proc(i int) etf.Term {
	switch v := f.t[i].(type) {
	case etf.Pid, etf.Atom:
		return v
	}
	f.fail(i, "pid or atom")
	return nil
}

// controlTuple is the wire form of c, and its payload when it has one.
func controlTuple(c Control) (etf.Tuple, etf.Term, bool, error) {
	unused := etf.Atom("")
	switch v := c.(type) {
	case Link:
		return etf.Tuple{int(OpLink), v.From, v.To}, nil, false, nil
	case Unlink:
		return etf.Tuple{int(OpUnlink), v.From, v.To}, nil, false, nil
	case NodeLink:
		return etf.Tuple{int(OpNodeLink)}, nil, false, nil
	case Send:
		op := v.Op()
		var t etf.Tuple
		switch op {
		case OpSend:
			t = etf.Tuple{int(op), unused, v.To}
		case OpSendTT:
			t = etf.Tuple{int(op), unused, v.To, v.Token}
		case OpSendSender:
			t = etf.Tuple{int(op), v.From, v.To}
		case OpSendSenderTT:
			t = etf.Tuple{int(op), v.From, v.To, v.Token}
		}
		return t, v.Msg, true, nil
	case RegSend:
		if v.Token != nil {
			return etf.Tuple{int(OpRegSendTT), v.From, unused, v.Name, v.Token}, v.Msg, true, nil
		}
		return etf.Tuple{int(OpRegSend), v.From, unused, v.Name}, v.Msg, true, nil
	case Exit:
		op := v.Op()
		if v.Token != nil {
			return etf.Tuple{int(op), v.From, v.To, v.Token, v.Reason}, nil, false, nil
		}
		return etf.Tuple{int(op), v.From, v.To, v.Reason}, nil, false, nil
	case GroupLeader:
		return etf.Tuple{int(OpGroupLeader), v.From, v.To}, nil, false, nil
	case Monitor:
		return etf.Tuple{int(OpMonitorP), v.From, v.To, v.Ref}, nil, false, nil
	case Demonitor:
		return etf.Tuple{int(OpDemonitorP), v.From, v.To, v.Ref}, nil, false, nil
	case MonitorExit:
		return etf.Tuple{int(OpMonitorPExit), v.From, v.To, v.Ref, v.Reason}, nil, false, nil
	}
	return nil, nil, false, fmt.Errorf("dist: cannot encode control %T", c)
}

// passThrough prefixes every steady-state frame that does not use the
// atom cache header.
const passThrough = 'p'

// EncodeControl builds a steady-state frame body for c: the pass-through
// byte, the control envelope and, for send operations, the payload envelope.
func EncodeControl(codec etf.Codec, c Control) ([]byte, error) {
	t, payload, hasPayload, err := controlTuple(c)
	if err != nil {
		return nil, err
	}
	out, err := etf.AppendEnvelope(codec, []byte{passThrough}, t)
	if err != nil {
		return nil, fmt.Errorf("dist: encode %s control: %w", c.Op(), err)
	}
	if !hasPayload {
		return out, nil
	}
	out, err = etf.AppendEnvelope(codec, out, payload)
	if err != nil {
		return nil, fmt.Errorf("dist: encode %s payload: %w", c.Op(), err)
	}
	return out, nil
}
