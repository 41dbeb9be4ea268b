package dist

import (
	"fmt"

	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/rs/zerolog/log"
)

// Router decodes steady-state frames and hands them to the runtime.
type Router struct {
	node  string
	codec etf.Codec
	opts  etf.DecodeOptions
	rt    Runtime
}

// NewRouter builds a router for the local node name. Atoms are always
// decoded as etf.Atom regardless of opts.
func NewRouter(node string, codec etf.Codec, opts etf.DecodeOptions, rt Runtime) *Router {
	if codec == nil {
		codec = etf.DefaultCodec
	}
	if rt == nil {
		rt = NopRuntime{}
	}
	opts.AtomsAsStrings = false
	return &Router{node: node, codec: codec, opts: opts, rt: rt}
}

// Decode splits a frame body into its control message. Any decode failure
// is reported as ErrMalformedControl.
func (r *Router) Decode(body []byte) (Control, error) {
	if len(body) == 0 || body[0] != passThrough {
		return nil, malformed("frame does not start with pass-through byte")
	}
	ctl, rest, err := etf.BinaryToTerm(r.codec, body[1:], r.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: control: %w", ErrMalformedControl, err)
	}
	var payload etf.Term
	hasPayload := len(rest) > 0
	if hasPayload {
		payload, rest, err = etf.BinaryToTerm(r.codec, rest, r.opts)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %w", ErrMalformedControl, err)
		}
		if len(rest) > 0 {
			return nil, malformed("%d trailing bytes after payload", len(rest))
		}
	}
	return ParseControl(ctl, payload, hasPayload)
}

// Route decodes body and dispatches it. Only malformed frames return an
// error; unrecognized operations are dropped.
func (r *Router) Route(peer etf.Atom, body []byte) (Control, error) {
	c, err := r.Decode(body)
	if err != nil {
		observability.RecordDecodeError(r.node, "malformed")
		return nil, err
	}
	r.Dispatch(peer, c)
	return c, nil
}

// Dispatch hands a parsed control message to the runtime.
func (r *Router) Dispatch(peer etf.Atom, c Control) {
	switch v := c.(type) {
	case Send:
		r.rt.Deliver(peer, Message{From: v.From, To: v.To, Token: v.Token, Payload: v.Msg})
	case RegSend:
		r.rt.Deliver(peer, Message{From: v.From, ToName: v.Name, Token: v.Token, Payload: v.Msg})
	case Link:
		r.rt.SignalLink(peer, v.From, v.To, true)
	case Unlink:
		r.rt.SignalLink(peer, v.From, v.To, false)
	case Exit:
		r.rt.SignalExit(peer, v)
	case GroupLeader:
		r.rt.SignalGroupLeader(peer, v.From, v.To)
	case Monitor:
		r.rt.SignalMonitor(peer, v)
	case Demonitor:
		r.rt.SignalMonitor(peer, v)
	case MonitorExit:
		r.rt.SignalMonitor(peer, v)
	case NodeLink:
		log.Debug().Str("peer", string(peer)).Msg("node link ignored")
	case Unrecognized:
		observability.RecordDecodeError(r.node, "unrecognized")
		log.Warn().
			Str("peer", string(peer)).
			Interface("op", v.Code).
			Int("arity", len(v.Tuple)).
			Msg("dropping unrecognized control message")
		return
	}
	observability.RecordControl(r.node, c.Op().String())
}

// senderPid is the remote pid a control message came from, when it has one.
func senderPid(c Control) (etf.Pid, bool) {
	switch v := c.(type) {
	case Send:
		return v.From, v.From != etf.Pid{}
	case RegSend:
		return v.From, true
	case Link:
		return v.From, true
	case Unlink:
		return v.From, true
	case Exit:
		return v.From, true
	case GroupLeader:
		return v.From, true
	case Monitor:
		return v.From, true
	case Demonitor:
		return v.From, true
	}
	return etf.Pid{}, false
}
