package dist

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/erlnode/internal/epmd"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/danmuck/erlnode/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotStarted     = errors.New("dist: manager not started")
	ErrAlreadyStarted = errors.New("dist: manager already started")
	ErrPeerMismatch   = errors.New("dist: peer answered with a different node name")
	errReplaced       = errors.New("dist: replaced by a newer connection")
)

// ManagerConfig describes the local node.
type ManagerConfig struct {
	// Name is the full node name, name@host.
	Name   string
	Cookie string
	// Hidden registers as a hidden node and does not advertise itself as
	// published.
	Hidden     bool
	ListenAddr string
	// Flags defaults to handshake.DefaultFlags.
	Flags handshake.Flags
	Codec etf.Codec
	// Decode defaults to etf.DefaultDecodeOptions.
	Decode  etf.DecodeOptions
	Session session.Config
	// EPMD is the port mapper client. Nil skips registration and uses
	// Creation as the local creation.
	EPMD     *epmd.Client
	Creation uint32
	Clock    clock.Clock
}

// PeerInfo is a snapshot of one connection.
type PeerInfo struct {
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Phase        string    `json:"phase"`
	RemoteAddr   string    `json:"remote_addr"`
	Flags        string    `json:"flags"`
	PeerCreation uint32    `json:"peer_creation"`
	Since        time.Time `json:"since"`
	LastSeen     time.Time `json:"last_seen"`
}

// Manager owns the listener, the port mapper registration and the table of
// live connections keyed by peer node name.
type Manager struct {
	cfg    ManagerConfig
	rt     Runtime
	router *Router
	short  string

	mu      sync.Mutex
	conns   map[etf.Atom]*Conn
	pending map[etf.Atom]int
	dialing singleflight.Group

	creation  atomic.Uint32
	started   atomic.Bool
	ln        net.Listener
	registrar *epmd.Registrar
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	connWG    sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewManager(cfg ManagerConfig, rt Runtime) (*Manager, error) {
	short, _, err := epmd.SplitNodeName(cfg.Name)
	if err != nil {
		return nil, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	if cfg.Flags == 0 {
		cfg.Flags = handshake.DefaultFlags
	}
	if cfg.Hidden {
		cfg.Flags &^= handshake.FlagPublished
	}
	if cfg.Codec == nil {
		cfg.Codec = etf.DefaultCodec
	}
	if cfg.Decode == (etf.DecodeOptions{}) {
		cfg.Decode = etf.DefaultDecodeOptions()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if rt == nil {
		rt = NopRuntime{}
	}
	m := &Manager{
		cfg:     cfg,
		rt:      rt,
		router:  NewRouter(cfg.Name, cfg.Codec, cfg.Decode, rt),
		short:   short,
		conns:   make(map[etf.Atom]*Conn),
		pending: make(map[etf.Atom]int),
	}
	m.creation.Store(cfg.Creation)
	return m, nil
}

// Name is the local node name.
func (m *Manager) Name() etf.Atom { return etf.Atom(m.cfg.Name) }

// Creation is the creation assigned by the most recent registration.
func (m *Manager) Creation() uint32 { return m.creation.Load() }

// Pid builds a local pid with the current creation.
func (m *Manager) Pid(id, serial uint32) etf.Pid {
	return etf.Pid{Node: m.Name(), ID: id, Serial: serial, Creation: m.Creation()}
}

// Addr is the listener address once started.
func (m *Manager) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Start listens, registers with the port mapper and starts accepting. It
// returns once the first registration has succeeded; the registration is
// then kept alive in the background until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("dist: listen %s: %w", m.cfg.ListenAddr, err)
	}
	m.ln = ln
	port := ln.Addr().(*net.TCPAddr).Port

	if m.cfg.EPMD != nil {
		nodeType := epmd.NodeTypeNormal
		if m.cfg.Hidden {
			nodeType = epmd.NodeTypeHidden
		}
		m.registrar = epmd.NewRegistrar(m.cfg.EPMD, epmd.Registration{
			Name:     m.short,
			Port:     uint16(port),
			NodeType: nodeType,
		}, m.cfg.Session)
		m.registrar.OnRegistered = func(c uint32) { m.creation.Store(c) }
		m.registrar.OnAttempt = func(_ int, err error) { observability.RecordRegistration(m.cfg.Name, err) }
		if _, err := m.registrar.Register(ctx); err != nil {
			_ = ln.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	m.mu.Lock()
	m.ctx, m.cancel, m.group = runCtx, cancel, g
	m.mu.Unlock()
	g.Go(func() error { return m.acceptLoop(gctx) })
	if m.registrar != nil {
		g.Go(func() error { return m.registrar.Run(gctx) })
	}
	log.Info().
		Str("node", m.cfg.Name).
		Str("listen", ln.Addr().String()).
		Uint32("creation", m.Creation()).
		Msg("distribution started")
	return nil
}

// Wait blocks until the background goroutines stop and returns the first
// error among them.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// runContext is the context the manager was started with, or nil before
// Start has finished.
func (m *Manager) runContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Close stops accepting, drops every connection and the registration.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		var err error
		m.mu.Lock()
		cancel, group := m.cancel, m.group
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if m.ln != nil {
			if cerr := m.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		for _, c := range m.snapshot() {
			err = multierr.Append(err, c.Close())
		}
		if group != nil {
			err = multierr.Append(err, group.Wait())
		}
		m.connWG.Wait()
		m.closeErr = err
	})
	return m.closeErr
}

func (m *Manager) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = m.ln.Close()
	}()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("accept failed")
			if err := session.Wait(ctx, session.NextBackoffDelay(m.cfg.Session.Backoff, failures, rng)); err != nil {
				return nil
			}
			continue
		}
		failures = 0
		m.connWG.Add(1)
		go func() {
			defer m.connWG.Done()
			m.serveAccepted(ctx, nc)
		}()
	}
}

func (m *Manager) handshakeConfig(status func(string) string) handshake.Config {
	return handshake.Config{
		Name:   m.cfg.Name,
		Cookie: m.cfg.Cookie,
		Flags:  m.cfg.Flags,
		Status: status,
	}
}

func (m *Manager) limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: m.cfg.Session.MaxFrameBytes}
}

func (m *Manager) serveAccepted(ctx context.Context, nc net.Conn) {
	start := time.Now()
	h := handshake.NewAcceptor(m.handshakeConfig(m.acceptStatus))
	r := frame.NewReader(nc, frame.Width2, m.limits())
	res, err := handshake.Run(ctx, nc, h, r, m.cfg.Session.HandshakeTimeout)
	observability.RecordHandshake(m.cfg.Name, string(handshake.RoleAcceptor), time.Since(start), err)
	if err != nil {
		_ = nc.Close()
		return
	}
	c := m.newConn(nc, r, RoleAccepted, res)
	m.install(c)
	c.run(ctx)
}

// acceptStatus decides the status record for an incoming name. A pending
// outbound attempt to the same peer wins when our name sorts higher.
func (m *Manager) acceptStatus(peer string) string {
	if peer == m.cfg.Name {
		return handshake.StatusNotAllowed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[etf.Atom(peer)]; ok {
		return handshake.StatusAlive
	}
	if m.pending[etf.Atom(peer)] > 0 && m.cfg.Name > peer {
		return handshake.StatusNOK
	}
	return handshake.StatusOK
}

func (m *Manager) newConn(nc net.Conn, r *frame.Reader, role Role, res handshake.Result) *Conn {
	return newConn(connParams{
		owner:    m,
		nc:       nc,
		reader:   r,
		role:     role,
		result:   res,
		creation: m.Creation(),
		node:     m.cfg.Name,
		cfg:      m.cfg.Session,
		codec:    m.cfg.Codec,
		clock:    m.cfg.Clock,
	})
}

// install puts c in the table, replacing any older connection to the same
// peer.
func (m *Manager) install(c *Conn) {
	m.mu.Lock()
	old := m.conns[c.peer]
	m.conns[c.peer] = c
	n := len(m.conns)
	m.mu.Unlock()
	if old != nil {
		old.close(errReplaced)
	}
	observability.SetConnections(m.cfg.Name, n)
}

func (m *Manager) route(c *Conn, body []byte) error {
	ctl, err := m.router.Decode(body)
	if err != nil {
		observability.RecordDecodeError(m.cfg.Name, "malformed")
		return err
	}
	if p, ok := senderPid(ctl); ok {
		c.notePeerCreation(p)
	}
	m.router.Dispatch(c.peer, ctl)
	return nil
}

func (m *Manager) release(c *Conn, err error) {
	m.mu.Lock()
	current := m.conns[c.peer] == c
	if current {
		delete(m.conns, c.peer)
	}
	n := len(m.conns)
	m.mu.Unlock()
	if !current {
		return
	}
	observability.SetConnections(m.cfg.Name, n)
	m.rt.NodeDown(c.peer, err)
}

func (m *Manager) lookup(node etf.Atom) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[node]
}

func (m *Manager) snapshot() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Connect returns the connection to node, dialing and handshaking when
// there is none. Concurrent calls for the same node share one attempt, which
// runs on the manager's context; ctx only bounds how long this caller waits.
func (m *Manager) Connect(ctx context.Context, node etf.Atom) (*Conn, error) {
	runCtx := m.runContext()
	if runCtx == nil {
		return nil, ErrNotStarted
	}
	if c := m.lookup(node); c != nil {
		return c, nil
	}
	ch := m.dialing.DoChan(string(node), func() (any, error) {
		if c := m.lookup(node); c != nil {
			return c, nil
		}
		dctx, cancel := context.WithTimeout(runCtx, m.dialBudget())
		defer cancel()
		return m.dial(dctx, runCtx, node)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Conn), nil
	}
}

// dialBudget covers one full attempt including the wait after losing a
// simultaneous connect.
func (m *Manager) dialBudget() time.Duration {
	s := m.cfg.Session
	return s.DiscoveryTimeout + s.ConnectTimeout + 2*s.HandshakeTimeout
}

func (m *Manager) dial(ctx, runCtx context.Context, node etf.Atom) (*Conn, error) {
	m.mu.Lock()
	m.pending[node]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.pending[node]--; m.pending[node] <= 0 {
			delete(m.pending, node)
		}
		m.mu.Unlock()
	}()

	rctx, cancel := context.WithTimeout(ctx, m.cfg.Session.DiscoveryTimeout)
	ep, err := m.resolver().Resolve(rctx, string(node))
	cancel()
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: m.cfg.Session.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("dist: dial %s at %s: %w", node, ep.Addr(), err)
	}

	start := time.Now()
	h := handshake.NewInitiator(m.handshakeConfig(nil))
	r := frame.NewReader(nc, frame.Width2, m.limits())
	res, err := handshake.Run(ctx, nc, h, r, m.cfg.Session.HandshakeTimeout)
	observability.RecordHandshake(m.cfg.Name, string(handshake.RoleInitiator), time.Since(start), err)
	if err != nil {
		_ = nc.Close()
		if errors.Is(err, handshake.ErrRejected) {
			// Lost a simultaneous connect; the peer's own attempt is in flight.
			if c := m.awaitInbound(ctx, node); c != nil {
				return c, nil
			}
		}
		return nil, err
	}
	if res.PeerName != string(node) {
		_ = nc.Close()
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrPeerMismatch, node, res.PeerName)
	}

	c := m.newConn(nc, r, RoleInitiated, res)
	m.install(c)
	m.connWG.Add(1)
	go func() {
		defer m.connWG.Done()
		c.run(runCtx)
	}()
	return c, nil
}

const inboundPollInterval = 10 * time.Millisecond

// awaitInbound polls for an accepted connection from node for up to one
// handshake timeout.
func (m *Manager) awaitInbound(ctx context.Context, node etf.Atom) *Conn {
	deadline := m.cfg.Clock.Timer(m.cfg.Session.HandshakeTimeout)
	defer deadline.Stop()
	poll := m.cfg.Clock.Ticker(inboundPollInterval)
	defer poll.Stop()
	for {
		if c := m.lookup(node); c != nil {
			return c
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-poll.C:
		}
	}
}

func (m *Manager) resolver() *epmd.Client {
	if m.cfg.EPMD != nil {
		return m.cfg.EPMD
	}
	return &epmd.Client{Timeout: m.cfg.Session.DiscoveryTimeout}
}

// Send delivers msg to a remote pid, connecting to its node when needed.
func (m *Manager) Send(ctx context.Context, to etf.Pid, msg etf.Term) error {
	return m.SendControl(ctx, to.Node, Send{To: to, Msg: msg})
}

// SendReg delivers msg to a registered name on node.
func (m *Manager) SendReg(ctx context.Context, from etf.Pid, node, name etf.Atom, msg etf.Term) error {
	return m.SendControl(ctx, node, RegSend{From: from, Name: name, Msg: msg})
}

// SendControl writes any control message to node.
func (m *Manager) SendControl(ctx context.Context, node etf.Atom, ctl Control) error {
	c, err := m.Connect(ctx, node)
	if err != nil {
		return err
	}
	return c.Send(ctl)
}

// Disconnect closes the connection to node, if any.
func (m *Manager) Disconnect(node etf.Atom) bool {
	c := m.lookup(node)
	if c == nil {
		return false
	}
	_ = c.Close()
	return true
}

// Peers lists live connections sorted by name.
func (m *Manager) Peers() []PeerInfo {
	conns := m.snapshot()
	out := make([]PeerInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, PeerInfo{
			Name:         string(c.peer),
			Role:         c.role,
			Phase:        c.Phase().String(),
			RemoteAddr:   c.RemoteAddr().String(),
			Flags:        c.flags.String(),
			PeerCreation: c.PeerCreation(),
			Since:        c.since,
			LastSeen:     c.LastSeen(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registered reports whether the port mapper currently holds this node.
func (m *Manager) Registered() bool {
	return m.registrar != nil && m.registrar.Registered()
}
