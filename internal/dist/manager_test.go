package dist

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/erlnode/internal/epmd"
	"github.com/danmuck/erlnode/internal/epmd/epmdtest"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/danmuck/erlnode/internal/protocol/session"
	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T, d *epmdtest.Daemon, name, cookie string, rt Runtime) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Name:       name,
		Cookie:     cookie,
		ListenAddr: "127.0.0.1:0",
		Session:    session.DefaultConfig(),
		EPMD:       &epmd.Client{Host: "127.0.0.1", Port: d.Port(), Timeout: time.Second},
	}, rt)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagersExchangeMessages(t *testing.T) {
	testlog.Start(t)
	d := epmdtest.Start(t)
	alphaRT, betaRT := newRecordingRuntime(), newRecordingRuntime()
	alpha := startManager(t, d, "alpha@127.0.0.1", "shared", alphaRT)
	beta := startManager(t, d, "beta@127.0.0.1", "shared", betaRT)

	require.True(t, alpha.Registered())
	require.True(t, d.Registered("alpha"))
	require.True(t, d.Registered("beta"))
	require.NotZero(t, alpha.Creation())
	require.NotEqual(t, alpha.Creation(), beta.Creation())

	ctx := context.Background()
	target := beta.Pid(1, 0)
	require.NoError(t, alpha.Send(ctx, target, etf.Tuple{etf.Atom("hello"), 1}))
	got := betaRT.nextDelivery(t)
	require.Equal(t, etf.Atom("alpha@127.0.0.1"), got.peer)
	require.Equal(t, target, got.msg.To)
	require.Equal(t, etf.Tuple{etf.Atom("hello"), 1}, got.msg.Payload)

	from := alpha.Pid(7, 0)
	require.NoError(t, alpha.SendReg(ctx, from, beta.Name(), "logger", etf.Atom("ping")))
	got = betaRT.nextDelivery(t)
	require.Equal(t, etf.Atom("logger"), got.msg.ToName)
	require.Equal(t, from, got.msg.From)

	// The reverse direction reuses the accepted connection.
	require.NoError(t, beta.Send(ctx, from, etf.Atom("pong")))
	back := alphaRT.nextDelivery(t)
	require.Equal(t, etf.Atom("pong"), back.msg.Payload)

	ap, bp := alpha.Peers(), beta.Peers()
	require.Len(t, ap, 1)
	require.Len(t, bp, 1)
	require.Equal(t, "beta@127.0.0.1", ap[0].Name)
	require.Equal(t, RoleInitiated, ap[0].Role)
	require.Equal(t, RoleAccepted, bp[0].Role)
	require.Equal(t, "established", bp[0].Phase)
	require.Equal(t, alpha.Creation(), bp[0].PeerCreation)

	require.NoError(t, alpha.Close())
	down := betaRT.nextDown(t)
	require.Equal(t, etf.Atom("alpha@127.0.0.1"), down.peer)
	require.Empty(t, beta.Peers())
	require.Eventually(t, func() bool { return !d.Registered("alpha") }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerCookieMismatch(t *testing.T) {
	testlog.Start(t)
	d := epmdtest.Start(t)
	alpha := startManager(t, d, "alpha@127.0.0.1", "one", nil)
	beta := startManager(t, d, "beta@127.0.0.1", "two", nil)

	_, err := alpha.Connect(context.Background(), beta.Name())
	require.Error(t, err)
	require.Empty(t, alpha.Peers())
	require.Empty(t, beta.Peers())
}

func TestManagerConnectErrors(t *testing.T) {
	testlog.Start(t)
	d := epmdtest.Start(t)
	alpha := startManager(t, d, "alpha@127.0.0.1", "c", nil)

	_, err := alpha.Connect(context.Background(), "ghost@127.0.0.1")
	require.ErrorIs(t, err, epmd.ErrNotFound)

	idle, err := NewManager(ManagerConfig{Name: "idle@127.0.0.1"}, nil)
	require.NoError(t, err)
	_, err = idle.Connect(context.Background(), "alpha@127.0.0.1")
	require.ErrorIs(t, err, ErrNotStarted)
	require.ErrorIs(t, alpha.Start(context.Background()), ErrAlreadyStarted)

	_, err = NewManager(ManagerConfig{Name: "nohost"}, nil)
	require.ErrorIs(t, err, epmd.ErrBadNodeName)
}

func TestManagerWithoutPortMapper(t *testing.T) {
	testlog.Start(t)
	m, err := NewManager(ManagerConfig{
		Name:       "solo@127.0.0.1",
		Hidden:     true,
		ListenAddr: "127.0.0.1:0",
		Creation:   5,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	require.False(t, m.Registered())
	require.Equal(t, uint32(5), m.Creation())
	require.False(t, m.cfg.Flags.Has(handshake.FlagPublished))
	require.NotNil(t, m.Addr())
	require.NoError(t, m.Close())
	require.NoError(t, m.Wait())
}

func TestAcceptStatus(t *testing.T) {
	testlog.Start(t)
	m, err := NewManager(ManagerConfig{Name: "m@host"}, nil)
	require.NoError(t, err)

	require.Equal(t, handshake.StatusNotAllowed, m.acceptStatus("m@host"))
	require.Equal(t, handshake.StatusOK, m.acceptStatus("z@host"))

	m.pending["a@host"] = 1
	m.pending["z@host"] = 1
	require.Equal(t, handshake.StatusNOK, m.acceptStatus("a@host"))
	require.Equal(t, handshake.StatusOK, m.acceptStatus("z@host"))

	m.conns["a@host"] = &Conn{}
	require.Equal(t, handshake.StatusAlive, m.acceptStatus("a@host"))
}

func TestConnectSharedDialOutlivesCaller(t *testing.T) {
	testlog.Start(t)
	d := epmdtest.Start(t)
	alpha := startManager(t, d, "alpha@127.0.0.1", "shared", nil)
	beta := startManager(t, d, "beta@127.0.0.1", "shared", nil)

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := alpha.Connect(gone, beta.Name())
	require.ErrorIs(t, err, context.Canceled)

	// A second caller joins or follows the same attempt and is unaffected.
	c, err := alpha.Connect(context.Background(), beta.Name())
	require.NoError(t, err)
	require.Equal(t, beta.Name(), c.peer)
	require.Len(t, alpha.Peers(), 1)
	require.Eventually(t, func() bool { return len(beta.Peers()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectDuringStart(t *testing.T) {
	testlog.Start(t)
	m, err := NewManager(ManagerConfig{Name: "early@127.0.0.1", ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	started := make(chan error, 1)
	go func() { started <- m.Start(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = m.Connect(ctx, "early@127.0.0.1")
	require.Error(t, err)
	require.NoError(t, <-started)
	require.NoError(t, m.Close())
}

func TestAwaitInboundUsesClock(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	m, err := NewManager(ManagerConfig{Name: "m@host", Clock: mock}, nil)
	require.NoError(t, err)
	timeout := m.cfg.Session.HandshakeTimeout

	found := make(chan *Conn, 1)
	go func() { found <- m.awaitInbound(context.Background(), "peer@host") }()
	want := &Conn{peer: "peer@host"}
	m.mu.Lock()
	m.conns["peer@host"] = want
	m.mu.Unlock()
	var got *Conn
	require.Eventually(t, func() bool {
		mock.Add(inboundPollInterval)
		select {
		case got = <-found:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.Same(t, want, got)

	expired := make(chan *Conn, 1)
	go func() { expired <- m.awaitInbound(context.Background(), "other@host") }()
	require.Eventually(t, func() bool {
		mock.Add(timeout)
		select {
		case got = <-expired:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	require.Nil(t, got)
}
