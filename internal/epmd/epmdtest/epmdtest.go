// Package epmdtest runs an in-process port mapper daemon for tests.
package epmdtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"testing"
)

type entry struct {
	port     uint16
	nodeType byte
	conn     net.Conn
}

// Daemon speaks the ALIVE2, PORT_PLEASE2 and NAMES requests.
type Daemon struct {
	ln net.Listener

	mu       sync.Mutex
	nodes    map[string]entry
	creation uint32
	// Garbage makes every reply an unknown response code.
	garbage bool
	// Registrations counts accepted ALIVE2 requests.
	registrations int
}

// Start listens on a loopback port and stops the daemon when t finishes.
func Start(t *testing.T) *Daemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("epmdtest listen: %v", err)
	}
	d := &Daemon{ln: ln, nodes: make(map[string]entry), creation: 1}
	go d.serve()
	t.Cleanup(d.Close)
	return d
}

func (d *Daemon) Port() int { return d.ln.Addr().(*net.TCPAddr).Port }

func (d *Daemon) Close() {
	_ = d.ln.Close()
	d.DropAll()
}

// SetGarbage switches malformed replies on or off.
func (d *Daemon) SetGarbage(on bool) {
	d.mu.Lock()
	d.garbage = on
	d.mu.Unlock()
}

// Registrations is how many ALIVE2 requests have been accepted.
func (d *Daemon) Registrations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registrations
}

// Registered reports whether name currently holds a registration.
func (d *Daemon) Registered(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.nodes[name]
	return ok
}

// DropAll closes every registration connection, as a daemon restart would.
func (d *Daemon) DropAll() {
	d.mu.Lock()
	nodes := d.nodes
	d.nodes = make(map[string]entry)
	d.mu.Unlock()
	for _, e := range nodes {
		_ = e.conn.Close()
	}
}

// Add registers a node without a connection, for resolution tests.
func (d *Daemon) Add(name string, port uint16) {
	a, b := net.Pipe()
	_ = b.Close()
	d.mu.Lock()
	d.nodes[name] = entry{port: port, nodeType: 77, conn: a}
	d.mu.Unlock()
}

func (d *Daemon) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.handle(conn)
	}
}

func (d *Daemon) handle(conn net.Conn) {
	var head [2]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		_ = conn.Close()
		return
	}
	req := make([]byte, binary.BigEndian.Uint16(head[:]))
	if _, err := io.ReadFull(conn, req); err != nil || len(req) == 0 {
		_ = conn.Close()
		return
	}
	d.mu.Lock()
	garbage := d.garbage
	d.mu.Unlock()
	if garbage {
		_, _ = conn.Write([]byte{99, 0, 0, 0})
		_ = conn.Close()
		return
	}
	switch req[0] {
	case 120:
		d.alive2(conn, req)
	case 122:
		d.portPlease(conn, string(req[1:]))
	case 110:
		d.names(conn)
	default:
		_ = conn.Close()
	}
}

func (d *Daemon) alive2(conn net.Conn, req []byte) {
	if len(req) < 13 {
		_ = conn.Close()
		return
	}
	port := binary.BigEndian.Uint16(req[1:3])
	nodeType := req[3]
	nlen := int(binary.BigEndian.Uint16(req[9:11]))
	if len(req) < 11+nlen {
		_ = conn.Close()
		return
	}
	name := string(req[11 : 11+nlen])

	d.mu.Lock()
	if _, taken := d.nodes[name]; taken {
		d.mu.Unlock()
		_, _ = conn.Write([]byte{121, 1, 0, 0})
		_ = conn.Close()
		return
	}
	creation := d.creation
	d.creation++
	d.registrations++
	d.nodes[name] = entry{port: port, nodeType: nodeType, conn: conn}
	d.mu.Unlock()

	reply := []byte{118, 0}
	reply = binary.BigEndian.AppendUint32(reply, creation)
	_, _ = conn.Write(reply)

	// Hold the registration until the node disconnects.
	var b [1]byte
	for {
		if _, err := conn.Read(b[:]); err != nil {
			break
		}
	}
	d.mu.Lock()
	if e, ok := d.nodes[name]; ok && e.conn == conn {
		delete(d.nodes, name)
	}
	d.mu.Unlock()
	_ = conn.Close()
}

func (d *Daemon) portPlease(conn net.Conn, name string) {
	defer conn.Close()
	d.mu.Lock()
	e, ok := d.nodes[name]
	d.mu.Unlock()
	if !ok {
		_, _ = conn.Write([]byte{119, 1})
		return
	}
	reply := []byte{119, 0}
	reply = binary.BigEndian.AppendUint16(reply, e.port)
	reply = append(reply, e.nodeType, 0)
	reply = binary.BigEndian.AppendUint16(reply, 5)
	reply = binary.BigEndian.AppendUint16(reply, 5)
	reply = binary.BigEndian.AppendUint16(reply, uint16(len(name)))
	reply = append(reply, name...)
	reply = binary.BigEndian.AppendUint16(reply, 0)
	_, _ = conn.Write(reply)
}

func (d *Daemon) names(conn net.Conn) {
	defer conn.Close()
	d.mu.Lock()
	lines := make([]string, 0, len(d.nodes))
	for name, e := range d.nodes {
		lines = append(lines, fmt.Sprintf("name %s at port %d\n", name, e.port))
	}
	d.mu.Unlock()
	sort.Strings(lines)
	out := binary.BigEndian.AppendUint32(nil, uint32(d.Port()))
	for _, l := range lines {
		out = append(out, l...)
	}
	_, _ = conn.Write(out)
}
