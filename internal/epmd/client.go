package epmd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to the port mapper daemon. Registration keeps its connection
// open; every other request uses a fresh one.
type Client struct {
	// Host is where this node's own daemon runs. Defaults to 127.0.0.1.
	Host string
	// Port is the daemon port on every host. Defaults to 4369.
	Port    int
	Timeout time.Duration
}

func (c *Client) host() string {
	if strings.TrimSpace(c.Host) == "" {
		return "127.0.0.1"
	}
	return c.Host
}

func (c *Client) port() int {
	if c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 5 * time.Second
	}
	return c.Timeout
}

func (c *Client) dial(ctx context.Context, host string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout()}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.port())))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return conn, nil
}

// Handle is a live registration. The daemon forgets the node as soon as the
// connection closes.
type Handle struct {
	Creation uint32
	conn     net.Conn
	done     chan struct{}
	once     sync.Once
}

// Done is closed when the daemon drops the registration or Close is called.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Close() error {
	var err error
	h.once.Do(func() { err = h.conn.Close() })
	return err
}

func (h *Handle) watch() {
	defer close(h.done)
	// The daemon never sends anything after the reply; any read result
	// means the connection is gone.
	var b [1]byte
	for {
		if _, err := h.conn.Read(b[:]); err != nil {
			return
		}
	}
}

// Register announces reg to the local daemon and holds the connection open.
func (c *Client) Register(ctx context.Context, reg Registration) (*Handle, error) {
	if reg.Name == "" || strings.Contains(reg.Name, "@") {
		return nil, wrap("register", reg.Name, fmt.Errorf("%w: register takes the short name", ErrBadNodeName))
	}
	if reg.NodeType == 0 {
		reg.NodeType = NodeTypeNormal
	}
	if reg.HighestVersion == 0 {
		reg.HighestVersion = DistVersion5
	}
	if reg.LowestVersion == 0 {
		reg.LowestVersion = DistVersion5
	}
	conn, err := c.dial(ctx, c.host())
	if err != nil {
		return nil, wrap("register", reg.Name, err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout()))
	if _, err := conn.Write(encodeAlive2(reg)); err != nil {
		_ = conn.Close()
		return nil, wrap("register", reg.Name, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	creation, err := readAlive2Resp(conn)
	if err != nil {
		_ = conn.Close()
		return nil, wrap("register", reg.Name, err)
	}
	_ = conn.SetDeadline(time.Time{})
	h := &Handle{Creation: creation, conn: conn, done: make(chan struct{})}
	go h.watch()
	log.Info().Str("node", reg.Name).Uint16("port", reg.Port).Uint32("creation", creation).Msg("epmd registered")
	return h, nil
}

// Unregister drops a registration by closing its connection.
func (c *Client) Unregister(h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Close()
}

// SplitNodeName splits name@host.
func SplitNodeName(node string) (name, host string, err error) {
	name, host, ok := strings.Cut(node, "@")
	if !ok || name == "" || host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadNodeName, node)
	}
	return name, host, nil
}

// Resolve asks the daemon on the node's host for its distribution port. A
// missing node is reported as ErrNotFound and is not retried here.
func (c *Client) Resolve(ctx context.Context, node string) (Endpoint, error) {
	name, host, err := SplitNodeName(node)
	if err != nil {
		return Endpoint{}, wrap("resolve", node, err)
	}
	conn, err := c.dial(ctx, host)
	if err != nil {
		return Endpoint{}, wrap("resolve", node, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(c.timeout()))
	if _, err := conn.Write(encodePortPlease(name)); err != nil {
		return Endpoint{}, wrap("resolve", node, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	ep, err := readPort2Resp(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return Endpoint{}, wrap("resolve", node, ctx.Err())
		}
		return Endpoint{}, wrap("resolve", node, err)
	}
	ep.Host = host
	return ep, nil
}

// Names lists the nodes registered with the daemon on host.
func (c *Client) Names(ctx context.Context, host string) ([]NodeEntry, error) {
	if host == "" {
		host = c.host()
	}
	conn, err := c.dial(ctx, host)
	if err != nil {
		return nil, wrap("names", host, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout()))
	if _, err := conn.Write(request([]byte{namesReq})); err != nil {
		return nil, wrap("names", host, fmt.Errorf("%w: %v", ErrUnreachable, err))
	}
	r := bufio.NewReader(conn)
	var port [4]byte
	if _, err := io.ReadFull(r, port[:]); err != nil {
		return nil, wrap("names", host, fmt.Errorf("%w: names header: %v", ErrProtocol, err))
	}
	if got := binary.BigEndian.Uint32(port[:]); int(got) != c.port() {
		log.Debug().Uint32("reported", got).Int("dialed", c.port()).Msg("epmd names port differs")
	}
	var out []NodeEntry
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			entry, perr := parseNamesLine(line)
			if perr != nil {
				return nil, wrap("names", host, perr)
			}
			out = append(out, entry)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, wrap("names", host, fmt.Errorf("%w: %v", ErrProtocol, err))
		}
	}
}

// parseNamesLine reads "name NAME at port PORT".
func parseNamesLine(line string) (NodeEntry, error) {
	f := strings.Fields(line)
	if len(f) != 5 || f[0] != "name" || f[2] != "at" || f[3] != "port" {
		return NodeEntry{}, fmt.Errorf("%w: names line %q", ErrProtocol, line)
	}
	port, err := strconv.Atoi(f[4])
	if err != nil {
		return NodeEntry{}, fmt.Errorf("%w: names port %q", ErrProtocol, f[4])
	}
	return NodeEntry{Name: f[1], Port: port}, nil
}

// Addr is the host:port to dial for distribution.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}
