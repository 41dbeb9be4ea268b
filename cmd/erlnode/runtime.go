package main

import (
	"context"
	"time"

	"github.com/danmuck/erlnode/internal/dist"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/rs/zerolog/log"
)

// echoName is the registered name whose messages are sent back to the
// sender as {echo, Msg}.
const echoName etf.Atom = "echo"

type sender interface {
	Send(ctx context.Context, to etf.Pid, msg etf.Term) error
}

// logRuntime logs inbound traffic and answers the echo service.
type logRuntime struct {
	ctx    context.Context
	sender sender
}

func (r *logRuntime) Deliver(peer etf.Atom, msg dist.Message) {
	ev := log.Info().Str("peer", string(peer)).Interface("payload", msg.Payload)
	if msg.Registered() {
		ev = ev.Str("to", string(msg.ToName))
	} else {
		ev = ev.Str("to", msg.To.String())
	}
	ev.Msg("message delivered")

	if msg.ToName != echoName || msg.From == (etf.Pid{}) || r.sender == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
		defer cancel()
		if err := r.sender.Send(ctx, msg.From, etf.Tuple{echoName, msg.Payload}); err != nil {
			log.Warn().Err(err).Str("to", msg.From.String()).Msg("echo reply failed")
		}
	}()
}

func (r *logRuntime) SignalLink(peer etf.Atom, from, to etf.Pid, linked bool) {
	log.Info().Str("peer", string(peer)).Str("from", from.String()).Str("to", to.String()).Bool("linked", linked).Msg("link signal")
}

func (r *logRuntime) SignalExit(peer etf.Atom, exit dist.Exit) {
	log.Info().Str("peer", string(peer)).Str("from", exit.From.String()).Interface("reason", exit.Reason).Msg("exit signal")
}

func (r *logRuntime) SignalMonitor(peer etf.Atom, sig dist.MonitorSignal) {
	log.Info().Str("peer", string(peer)).Str("op", sig.Op().String()).Msg("monitor signal")
}

func (r *logRuntime) SignalGroupLeader(peer etf.Atom, from, to etf.Pid) {
	log.Debug().Str("peer", string(peer)).Str("from", from.String()).Str("to", to.String()).Msg("group leader")
}

func (r *logRuntime) NodeDown(peer etf.Atom, reason error) {
	log.Warn().Str("peer", string(peer)).Err(reason).Msg("node down")
}
