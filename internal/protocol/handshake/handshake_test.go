package handshake

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func fixedChallenge(v uint32) func() uint32 {
	return func() uint32 { return v }
}

// pump shuttles records between two machines until neither has anything to
// say, then treats a failure on one side as a dropped connection on the
// other. It returns every state either side passed through.
func pump(t *testing.T, init, acc *Handshake) []State {
	t.Helper()
	var seen []State
	first, err := init.Start()
	require.NoError(t, err)
	none, err := acc.Start()
	require.NoError(t, err)
	require.Nil(t, none)

	toAcc := [][]byte{first}
	var toInit [][]byte
	for len(toAcc) > 0 || len(toInit) > 0 {
		if len(toAcc) > 0 {
			out, _ := acc.Handle(toAcc[0])
			toAcc = toAcc[1:]
			toInit = append(toInit, out...)
			seen = append(seen, acc.State())
		}
		if len(toInit) > 0 {
			out, _ := init.Handle(toInit[0])
			toInit = toInit[1:]
			toAcc = append(toAcc, out...)
			seen = append(seen, init.State())
		}
	}
	if init.State() == StateFailed || acc.State() == StateFailed {
		init.Fail(ErrClosed)
		acc.Fail(ErrClosed)
	}
	return append(seen, init.State(), acc.State())
}

func TestHandshakeMatchingCookies(t *testing.T) {
	testlog.Start(t)
	init := NewInitiator(Config{
		Name: "a@host", Cookie: "secret",
		Flags:     DefaultFlags | FlagSendSender,
		Challenge: fixedChallenge(1111),
	})
	acc := NewAcceptor(Config{
		Name: "b@host", Cookie: "secret",
		Flags:     DefaultFlags &^ FlagMapTag,
		Challenge: fixedChallenge(2222),
	})
	pump(t, init, acc)

	require.Equal(t, StateEstablished, init.State())
	require.Equal(t, StateEstablished, acc.State())
	ri, ok := init.Result()
	require.True(t, ok)
	ra, ok := acc.Result()
	require.True(t, ok)
	want := (DefaultFlags | FlagSendSender) & (DefaultFlags &^ FlagMapTag)
	require.Equal(t, want, ri.Negotiated)
	require.Equal(t, ri.Negotiated, ra.Negotiated)
	require.Equal(t, "b@host", ri.PeerName)
	require.Equal(t, "a@host", ra.PeerName)
}

func TestHandshakeMismatchedCookies(t *testing.T) {
	testlog.Start(t)
	init := NewInitiator(Config{Name: "a@host", Cookie: "one"})
	acc := NewAcceptor(Config{Name: "b@host", Cookie: "two"})
	seen := pump(t, init, acc)

	require.NotContains(t, seen, StateEstablished)
	require.Equal(t, StateFailed, init.State())
	require.Equal(t, StateFailed, acc.State())
	require.ErrorIs(t, acc.Err(), ErrDigestMismatch)
	_, ok := init.Result()
	require.False(t, ok)
}

func TestHandshakeInitiatorChecksAck(t *testing.T) {
	testlog.Start(t)
	init := NewInitiator(Config{Name: "a@host", Cookie: "c", Challenge: fixedChallenge(5)})
	_, err := init.Start()
	require.NoError(t, err)
	_, err = init.Handle(encodeStatus(StatusOK))
	require.NoError(t, err)
	out, err := init.Handle(encodeChallenge(challengeRecord{
		Version: ProtocolVersion, Flags: DefaultFlags, Challenge: 77, Name: "b@host",
	}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	reply, err := decodeReply(out[0])
	require.NoError(t, err)
	require.Equal(t, uint32(5), reply.Challenge)
	require.Equal(t, Digest("c", 77), reply.Digest)

	_, err = init.Handle(encodeAck(Digest("c", 6)))
	require.ErrorIs(t, err, ErrDigestMismatch)
	require.Equal(t, StateFailed, init.State())

	var herr *Error
	require.True(t, errors.As(err, &herr))
	require.Equal(t, StateChallengeReplySent, herr.State)
}

func TestHandshakeRejectedStatus(t *testing.T) {
	testlog.Start(t)
	acc := NewAcceptor(Config{
		Name: "b@host", Cookie: "c",
		Status: func(peer string) string { return StatusNotAllowed },
	})
	out, err := acc.Handle(encodeName(nameRecord{Version: ProtocolVersion, Flags: DefaultFlags, Name: "a@host"}))
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, [][]byte{encodeStatus(StatusNotAllowed)}, out)
	require.Equal(t, StateFailed, acc.State())

	init := NewInitiator(Config{Name: "a@host", Cookie: "c"})
	_, err = init.Start()
	require.NoError(t, err)
	_, err = init.Handle(out[0])
	require.ErrorIs(t, err, ErrRejected)
}

func TestHandshakeAliveStatus(t *testing.T) {
	testlog.Start(t)
	init := NewInitiator(Config{Name: "a@host", Cookie: "c"})
	acc := NewAcceptor(Config{
		Name: "b@host", Cookie: "c",
		Status: func(string) string { return StatusAlive },
	})
	pump(t, init, acc)
	require.Equal(t, StateEstablished, init.State())
	require.Equal(t, StateEstablished, acc.State())
}

func TestHandshakeRejectsBadRecords(t *testing.T) {
	testlog.Start(t)
	acc := NewAcceptor(Config{Name: "b@host", Cookie: "c"})
	_, err := acc.Handle([]byte{'n', 0})
	require.ErrorIs(t, err, ErrMalformed)

	acc = NewAcceptor(Config{Name: "b@host", Cookie: "c"})
	_, err = acc.Handle(encodeName(nameRecord{Version: 6, Flags: DefaultFlags, Name: "a@host"}))
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	acc = NewAcceptor(Config{Name: "b@host", Cookie: "c"})
	_, err = acc.Handle(encodeName(nameRecord{Version: ProtocolVersion, Flags: FlagPublished, Name: "a@host"}))
	require.ErrorIs(t, err, ErrIncompatible)

	// Records after a terminal state are refused without changing it.
	_, err = acc.Handle(encodeStatus(StatusOK))
	require.ErrorIs(t, err, ErrUnexpected)
	require.Equal(t, StateFailed, acc.State())
}

func TestDigestKnownValue(t *testing.T) {
	testlog.Start(t)
	d := Digest("cookie", 42)
	require.Equal(t, "bc4b5e3f17073012aea742a22f5e1b6a", hex.EncodeToString(d[:]))
	require.NotEqual(t, d, Digest("cookie", 43))
	require.True(t, digestsEqual(d, Digest("cookie", 42)))
}

type outcome struct {
	res Result
	err error
}

func runPair(t *testing.T, initCfg, accCfg Config, timeout time.Duration) (outcome, outcome) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	accDone := make(chan outcome, 1)
	go func() {
		h := NewAcceptor(accCfg)
		res, err := Run(context.Background(), b, h, frame.NewReader(b, frame.Width2, frame.DefaultLimits()), timeout)
		if err != nil {
			b.Close()
		}
		accDone <- outcome{res, err}
	}()
	h := NewInitiator(initCfg)
	res, err := Run(context.Background(), a, h, frame.NewReader(a, frame.Width2, frame.DefaultLimits()), timeout)
	if err != nil {
		a.Close()
	}
	return outcome{res, err}, <-accDone
}

func TestRunOverPipe(t *testing.T) {
	testlog.Start(t)
	i, a := runPair(t,
		Config{Name: "a@host", Cookie: "shared"},
		Config{Name: "b@host", Cookie: "shared"},
		2*time.Second)
	require.NoError(t, i.err)
	require.NoError(t, a.err)
	require.Equal(t, DefaultFlags, i.res.Negotiated)
	require.Equal(t, i.res.Negotiated, a.res.Negotiated)
}

func TestRunOverPipeMismatch(t *testing.T) {
	testlog.Start(t)
	i, a := runPair(t,
		Config{Name: "a@host", Cookie: "left"},
		Config{Name: "b@host", Cookie: "right"},
		2*time.Second)
	require.ErrorIs(t, a.err, ErrDigestMismatch)
	require.Error(t, i.err)
}

func TestRunTimeout(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	// Drain the name record so the write completes, then stay silent.
	go func() {
		buf := make([]byte, 256)
		_, _ = b.Read(buf)
	}()
	h := NewInitiator(Config{Name: "a@host", Cookie: "c"})
	_, err := Run(context.Background(), a, h, frame.NewReader(a, frame.Width2, frame.DefaultLimits()), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StateFailed, h.State())
}

func TestRunContextCancel(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewAcceptor(Config{Name: "b@host", Cookie: "c"})
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, a, h, frame.NewReader(a, frame.Width2, frame.DefaultLimits()), time.Minute)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
}
