package handshake

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Run drives h over conn until it is established or failed. Every expected
// record gets its own deadline of timeout. Handshake records are framed with
// a 2-byte prefix; the caller switches r to Width4 afterwards. On failure the
// caller owns closing conn.
func Run(ctx context.Context, conn net.Conn, h *Handshake, r *frame.Reader, timeout time.Duration) (Result, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	logger := log.With().
		Str("role", string(h.Role())).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	send := func(record []byte) error {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return frame.WriteFrame(conn, frame.Width2, record, frame.Limits{MaxFrameBytes: 0xFFFF})
	}

	first, err := h.Start()
	if err != nil {
		return Result{}, err
	}
	if first != nil {
		if err := send(first); err != nil {
			return Result{}, h.ioFailure(ctx, err)
		}
	}

	r.SetWidth(frame.Width2)
	for !h.State().Terminal() {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Result{}, h.ioFailure(ctx, err)
		}
		// The cancel hook may have fired before the deadline was reset.
		if err := ctx.Err(); err != nil {
			return Result{}, h.ioFailure(ctx, err)
		}
		record, err := r.ReadFrame()
		if err != nil {
			return Result{}, h.ioFailure(ctx, err)
		}
		logger.Debug().Str("state", string(h.State())).Int("bytes", len(record)).Msg("handshake record")
		out, herr := h.Handle(record)
		for _, rec := range out {
			if err := send(rec); err != nil {
				if herr != nil {
					return Result{}, herr
				}
				return Result{}, h.ioFailure(ctx, err)
			}
		}
		if herr != nil {
			logger.Warn().Err(herr).Str("peer", h.peer).Msg("handshake failed")
			return Result{}, herr
		}
	}

	res, ok := h.Result()
	if !ok {
		return Result{}, h.Err()
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Result{}, err
	}
	logger.Info().
		Str("peer", res.PeerName).
		Str("flags", res.Negotiated.String()).
		Msg("handshake established")
	return res, nil
}

// ioFailure classifies a transport error and fails the machine with it.
func (h *Handshake) ioFailure(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.Is(err, os.ErrDeadlineExceeded):
		err = ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		err = errors.Join(ErrClosed, err)
	}
	h.Fail(err)
	if h.err != nil {
		return h.err
	}
	return &Error{Role: h.role, State: h.state, Err: err}
}
