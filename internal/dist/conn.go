package dist

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/danmuck/erlnode/internal/protocol/frame"
	"github.com/danmuck/erlnode/internal/protocol/handshake"
	"github.com/danmuck/erlnode/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrPeerSilent = errors.New("dist: peer silent beyond liveness window")
	ErrConnClosed = errors.New("dist: connection closed")
)

// Role says which side opened the connection.
type Role string

const (
	RoleAccepted  Role = "accepted"
	RoleInitiated Role = "initiated"
)

// Phase is the connection lifecycle position.
type Phase int32

const (
	PhasePreHandshake Phase = iota
	PhaseHandshaking
	PhaseEstablished
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePreHandshake:
		return "pre_handshake"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// connOwner is the connection's only view of its manager. It never keeps
// the manager alive on its own.
type connOwner interface {
	route(c *Conn, body []byte) error
	release(c *Conn, err error)
}

// Conn is one established distribution connection.
type Conn struct {
	owner  connOwner
	nc     net.Conn
	r      *frame.Reader
	cfg    session.Config
	codec  etf.Codec
	clock  clock.Clock
	node   string
	logger zerolog.Logger

	role          Role
	peer          etf.Atom
	flags         handshake.Flags
	localCreation uint32
	since         time.Time

	phase        atomic.Int32
	lastRecv     atomic.Int64
	wroteSince   atomic.Bool
	peerCreation atomic.Uint32

	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

type connParams struct {
	owner    connOwner
	nc       net.Conn
	reader   *frame.Reader
	role     Role
	result   handshake.Result
	creation uint32
	node     string
	cfg      session.Config
	codec    etf.Codec
	clock    clock.Clock
}

func newConn(p connParams) *Conn {
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.codec == nil {
		p.codec = etf.DefaultCodec
	}
	p.reader.SetWidth(frame.Width4)
	c := &Conn{
		owner:         p.owner,
		nc:            p.nc,
		r:             p.reader,
		cfg:           p.cfg.WithDefaults(),
		codec:         p.codec,
		clock:         p.clock,
		node:          p.node,
		role:          p.role,
		peer:          etf.Atom(p.result.PeerName),
		flags:         p.result.Negotiated,
		localCreation: p.creation,
		since:         p.clock.Now(),
		done:          make(chan struct{}),
	}
	c.logger = log.With().Str("peer", p.result.PeerName).Str("role", string(p.role)).Logger()
	c.phase.Store(int32(PhaseEstablished))
	c.lastRecv.Store(c.since.UnixNano())
	return c
}

func (c *Conn) Peer() etf.Atom         { return c.peer }
func (c *Conn) Role() Role             { return c.role }
func (c *Conn) Flags() handshake.Flags { return c.flags }
func (c *Conn) Phase() Phase           { return Phase(c.phase.Load()) }
func (c *Conn) LocalCreation() uint32  { return c.localCreation }
func (c *Conn) Done() <-chan struct{}  { return c.done }
func (c *Conn) RemoteAddr() net.Addr   { return c.nc.RemoteAddr() }
func (c *Conn) Since() time.Time       { return c.since }
func (c *Conn) PeerCreation() uint32   { return c.peerCreation.Load() }
func (c *Conn) LastSeen() time.Time    { return time.Unix(0, c.lastRecv.Load()) }

// Err is the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close shuts the connection down. The manager is notified from the read
// goroutine.
func (c *Conn) Close() error {
	c.close(ErrConnClosed)
	return nil
}

func (c *Conn) close(reason error) {
	c.closeOnce.Do(func() {
		c.err = reason
		c.phase.Store(int32(PhaseClosed))
		close(c.done)
		_ = c.nc.Close()
	})
}

// run blocks until the connection ends, then releases it to the owner.
func (c *Conn) run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { c.close(ctx.Err()) })
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepalive()
	}()

	c.close(c.readLoop())
	wg.Wait()
	c.logger.Info().Err(c.err).Msg("connection closed")
	c.owner.release(c, c.err)
}

func (c *Conn) readLoop() error {
	for {
		body, err := c.r.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				return c.err
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return errors.Join(ErrConnClosed, err)
			}
			return err
		}
		c.lastRecv.Store(c.clock.Now().UnixNano())
		if len(body) == 0 {
			observability.RecordTick(c.node, "in")
			continue
		}
		observability.RecordFrame(c.node, "in", len(body))
		if err := c.owner.route(c, body); err != nil {
			c.logger.Warn().Err(err).Msg("closing connection on bad frame")
			return err
		}
	}
}

// keepalive writes a tick when nothing else went out during an interval,
// and closes the connection once the peer has been silent for longer than
// the liveness window.
func (c *Conn) keepalive() {
	t := c.clock.Ticker(c.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			silent := now.Sub(time.Unix(0, c.lastRecv.Load()))
			if silent > c.cfg.LivenessWindow {
				c.logger.Warn().Dur("silent", silent).Msg("peer missed liveness window")
				c.close(ErrPeerSilent)
				return
			}
			if c.wroteSince.Swap(false) {
				continue
			}
			if err := c.write(nil); err != nil {
				return
			}
			observability.RecordTick(c.node, "out")
		}
	}
}

// write sends one Width4 frame. Writes are serialized per connection.
func (c *Conn) write(body []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return c.err
	default:
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.close(err)
		return err
	}
	limits := frame.Limits{MaxFrameBytes: c.cfg.MaxFrameBytes}
	if err := frame.WriteFrame(c.nc, frame.Width4, body, limits); err != nil {
		if !errors.Is(err, frame.ErrFrameTooLarge) {
			c.close(err)
		}
		return err
	}
	c.wroteSince.Store(true)
	return nil
}

// Send encodes ctl and writes it as one frame. A sender pid is dropped when
// the peer did not negotiate the sender-carrying send.
func (c *Conn) Send(ctl Control) error {
	if s, ok := ctl.(Send); ok && !c.flags.Has(handshake.FlagSendSender) {
		s.From = etf.Pid{}
		ctl = s
	}
	body, err := EncodeControl(c.codec, ctl)
	if err != nil {
		return err
	}
	if err := c.write(body); err != nil {
		return err
	}
	observability.RecordFrame(c.node, "out", len(body))
	return nil
}

// notePeerCreation records the peer's creation from a pid it sent.
func (c *Conn) notePeerCreation(p etf.Pid) {
	if p.Node == c.peer && p.Creation != 0 {
		c.peerCreation.Store(p.Creation)
	}
}
