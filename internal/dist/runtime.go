package dist

import (
	"github.com/danmuck/erlnode/internal/etf"
)

// Message is a user message arriving from a peer. Exactly one of To and
// ToName is set.
type Message struct {
	From    etf.Pid
	To      etf.Pid
	ToName  etf.Atom
	Token   etf.Term
	Payload etf.Term
}

// Registered reports whether the message targets a registered name.
func (m Message) Registered() bool { return m.ToName != "" }

// Runtime is the process runtime that consumes inbound traffic. Calls for
// one peer arrive in wire order from that peer's read goroutine; calls for
// different peers may be concurrent. Implementations must not block for
// long, since that stalls the connection.
type Runtime interface {
	Deliver(peer etf.Atom, msg Message)
	// SignalLink reports a LINK (linked=true) or UNLINK from a remote pid.
	SignalLink(peer etf.Atom, from, to etf.Pid, linked bool)
	SignalExit(peer etf.Atom, exit Exit)
	SignalMonitor(peer etf.Atom, sig MonitorSignal)
	SignalGroupLeader(peer etf.Atom, from, to etf.Pid)
	// NodeDown runs once after an established connection is removed.
	NodeDown(peer etf.Atom, reason error)
}

// NopRuntime drops everything.
type NopRuntime struct{}

func (NopRuntime) Deliver(etf.Atom, Message)                    {}
func (NopRuntime) SignalLink(etf.Atom, etf.Pid, etf.Pid, bool)  {}
func (NopRuntime) SignalExit(etf.Atom, Exit)                    {}
func (NopRuntime) SignalMonitor(etf.Atom, MonitorSignal)        {}
func (NopRuntime) SignalGroupLeader(etf.Atom, etf.Pid, etf.Pid) {}
func (NopRuntime) NodeDown(etf.Atom, error)                     {}
