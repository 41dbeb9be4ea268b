package dist

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/danmuck/erlnode/internal/protocol/session"
	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// routerOwner routes through a Router and records the release.
type routerOwner struct {
	router   *Router
	released chan error
}

func (o *routerOwner) route(c *Conn, body []byte) error {
	_, err := o.router.Route(c.peer, body)
	return err
}

func (o *routerOwner) release(_ *Conn, err error) { o.released <- err }

type connFixture struct {
	conn  *Conn
	peer  net.Conn
	rt    *recordingRuntime
	owner *routerOwner
	mock  *clock.Mock
}

func startConn(t *testing.T, flags handshake.Flags) *connFixture {
	t.Helper()
	local, remote := net.Pipe()
	rt := newRecordingRuntime()
	owner := &routerOwner{
		router:   NewRouter("b@host", nil, etf.DefaultDecodeOptions(), rt),
		released: make(chan error, 1),
	}
	mock := clock.NewMock()
	c := newConn(connParams{
		owner:    owner,
		nc:       local,
		reader:   frame.NewReader(local, frame.Width2, frame.DefaultLimits()),
		role:     RoleAccepted,
		result:   handshake.Result{PeerName: "a@host", Negotiated: flags},
		creation: 9,
		node:     "b@host",
		cfg:      session.DefaultConfig(),
		clock:    mock,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go c.run(ctx)
	t.Cleanup(func() {
		cancel()
		_ = remote.Close()
	})
	return &connFixture{conn: c, peer: remote, rt: rt, owner: owner, mock: mock}
}

func (f *connFixture) write(t *testing.T, body []byte) {
	t.Helper()
	require.NoError(t, f.peer.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, frame.WriteFrame(f.peer, frame.Width4, body, frame.DefaultLimits()))
}

func (f *connFixture) waitClosed(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.owner.released:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not close")
	}
	return nil
}

func TestConnKeepsRunningAfterUnknownOperation(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags)
	require.Equal(t, PhaseEstablished, f.conn.Phase())
	require.Equal(t, frame.Width4, f.conn.r.Width())

	f.write(t, frameBody(t, etf.Tuple{etf.Atom("frobnicate"), 1}))
	f.write(t, frame.Tick[:0])
	f.write(t, frameBody(t, etf.Tuple{int(OpSend), etf.Atom(""), pid("b@host", 2)}, etf.Atom("after")))
	d := f.rt.nextDelivery(t)
	require.Equal(t, etf.Atom("after"), d.msg.Payload)
	require.Equal(t, PhaseEstablished, f.conn.Phase())

	f.write(t, frameBody(t, etf.Tuple{etf.Atom("frobnicate")}))
	err := f.waitClosed(t)
	require.ErrorIs(t, err, ErrMalformedControl)
	require.Equal(t, PhaseClosed, f.conn.Phase())
	require.ErrorIs(t, f.conn.Err(), ErrMalformedControl)
}

func TestConnNotesPeerCreation(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags)
	from := pid("a@host", 1)
	from.Creation = 42
	f.write(t, frameBody(t, etf.Tuple{int(OpRegSend), from, etf.Atom(""), etf.Atom("logger")}, 1))
	f.rt.nextDelivery(t)
	// The owner here is not the manager, so the creation stays unset.
	require.Zero(t, f.conn.PeerCreation())
	f.conn.notePeerCreation(from)
	require.Equal(t, uint32(42), f.conn.PeerCreation())
	f.conn.notePeerCreation(pid("c@host", 1))
	require.Equal(t, uint32(42), f.conn.PeerCreation())
}

func readFrames(t *testing.T, nc net.Conn) <-chan []byte {
	t.Helper()
	out := make(chan []byte, 16)
	r := frame.NewReader(nc, frame.Width4, frame.DefaultLimits())
	go func() {
		defer close(out)
		for {
			body, err := r.ReadFrame()
			if err != nil {
				return
			}
			out <- append([]byte{}, body...)
		}
	}()
	return out
}

func TestConnSendDowngradesSender(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags)
	frames := readFrames(t, f.peer)
	to := pid("a@host", 5)
	require.NoError(t, f.conn.Send(Send{From: pid("b@host", 1), To: to, Msg: etf.Atom("hi")}))

	body := <-frames
	got, err := NewRouter("a@host", nil, etf.DefaultDecodeOptions(), nil).Decode(body)
	require.NoError(t, err)
	require.Equal(t, Send{To: to, Msg: etf.Atom("hi")}, got)
}

func TestConnSendKeepsSenderWhenNegotiated(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags|handshake.FlagSendSender)
	frames := readFrames(t, f.peer)
	from, to := pid("b@host", 1), pid("a@host", 5)
	require.NoError(t, f.conn.Send(Send{From: from, To: to, Msg: etf.Atom("hi")}))

	got, err := NewRouter("a@host", nil, etf.DefaultDecodeOptions(), nil).Decode(<-frames)
	require.NoError(t, err)
	require.Equal(t, OpSendSender, got.Op())
	require.Equal(t, from, got.(Send).From)
}

func TestConnTicksWhenIdle(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags)
	frames := readFrames(t, f.peer)
	interval := session.DefaultConfig().TickInterval

	var tick []byte
	require.Eventually(t, func() bool {
		// Keep the peer side alive while waiting for the ticker to start.
		_ = frame.WriteFrame(f.peer, frame.Width4, nil, frame.DefaultLimits())
		f.mock.Add(interval)
		select {
		case tick = <-frames:
			return true
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	require.NotNil(t, tick)
	require.Empty(t, tick)
	require.Equal(t, PhaseEstablished, f.conn.Phase())
}

func TestConnClosesSilentPeer(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags)
	frames := readFrames(t, f.peer)
	go func() {
		for range frames {
		}
	}()
	interval := session.DefaultConfig().TickInterval

	require.Eventually(t, func() bool {
		f.mock.Add(interval)
		return f.conn.Phase() == PhaseClosed
	}, 3*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, f.waitClosed(t), ErrPeerSilent)
}

func TestConnCloseReleases(t *testing.T) {
	testlog.Start(t)
	f := startConn(t, handshake.DefaultFlags)
	require.NoError(t, f.conn.Close())
	require.ErrorIs(t, f.waitClosed(t), ErrConnClosed)
	require.ErrorIs(t, f.conn.Send(NodeLink{}), ErrConnClosed)
}
