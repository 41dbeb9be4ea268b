package epmd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Request and response codes.
const (
	alive2Req   byte = 120
	alive2Resp  byte = 121
	alive2XResp byte = 118
	portPlease2 byte = 122
	port2Resp   byte = 119
	namesReq    byte = 110
)

const (
	DefaultPort = 4369

	NodeTypeNormal byte = 77
	NodeTypeHidden byte = 72
	ProtocolTCP    byte = 0
	DistVersion5        = 5
)

// Registration is the ALIVE2 record a node holds for its lifetime.
type Registration struct {
	Name           string
	Port           uint16
	NodeType       byte
	Protocol       byte
	HighestVersion uint16
	LowestVersion  uint16
	Extra          []byte
	// Creation is filled in from the daemon's reply.
	Creation uint32
}

// Endpoint is what PORT_PLEASE2 reports for a node.
type Endpoint struct {
	Host           string
	Port           uint16
	NodeType       byte
	Protocol       byte
	HighestVersion uint16
	LowestVersion  uint16
	Name           string
	Extra          []byte
}

// NodeEntry is one line of a NAMES listing.
type NodeEntry struct {
	Name string
	Port int
}

func request(payload []byte) []byte {
	b := make([]byte, 0, 2+len(payload))
	b = binary.BigEndian.AppendUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

func encodeAlive2(r Registration) []byte {
	p := make([]byte, 0, 13+len(r.Name)+len(r.Extra))
	p = append(p, alive2Req)
	p = binary.BigEndian.AppendUint16(p, r.Port)
	p = append(p, r.NodeType, r.Protocol)
	p = binary.BigEndian.AppendUint16(p, r.HighestVersion)
	p = binary.BigEndian.AppendUint16(p, r.LowestVersion)
	p = binary.BigEndian.AppendUint16(p, uint16(len(r.Name)))
	p = append(p, r.Name...)
	p = binary.BigEndian.AppendUint16(p, uint16(len(r.Extra)))
	p = append(p, r.Extra...)
	return request(p)
}

// readAlive2Resp returns the creation assigned by the daemon.
func readAlive2Resp(r io.Reader) (uint32, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, fmt.Errorf("%w: alive2 reply: %v", ErrProtocol, err)
	}
	if head[1] != 0 {
		return 0, fmt.Errorf("%w: result %d", ErrRejected, head[1])
	}
	switch head[0] {
	case alive2Resp:
		var c [2]byte
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return 0, fmt.Errorf("%w: alive2 creation: %v", ErrProtocol, err)
		}
		return uint32(binary.BigEndian.Uint16(c[:])), nil
	case alive2XResp:
		var c [4]byte
		if _, err := io.ReadFull(r, c[:]); err != nil {
			return 0, fmt.Errorf("%w: alive2 creation: %v", ErrProtocol, err)
		}
		return binary.BigEndian.Uint32(c[:]), nil
	}
	return 0, fmt.Errorf("%w: unexpected reply code %d", ErrProtocol, head[0])
}

func encodePortPlease(name string) []byte {
	return request(append([]byte{portPlease2}, name...))
}

func readPort2Resp(r io.Reader) (Endpoint, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Endpoint{}, fmt.Errorf("%w: port2 reply: %v", ErrProtocol, err)
	}
	if head[0] != port2Resp {
		return Endpoint{}, fmt.Errorf("%w: unexpected reply code %d", ErrProtocol, head[0])
	}
	if head[1] != 0 {
		return Endpoint{}, ErrNotFound
	}
	var fixed [10]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Endpoint{}, fmt.Errorf("%w: port2 body: %v", ErrProtocol, err)
	}
	ep := Endpoint{
		Port:           binary.BigEndian.Uint16(fixed[0:2]),
		NodeType:       fixed[2],
		Protocol:       fixed[3],
		HighestVersion: binary.BigEndian.Uint16(fixed[4:6]),
		LowestVersion:  binary.BigEndian.Uint16(fixed[6:8]),
	}
	name := make([]byte, binary.BigEndian.Uint16(fixed[8:10]))
	if _, err := io.ReadFull(r, name); err != nil {
		return Endpoint{}, fmt.Errorf("%w: port2 name: %v", ErrProtocol, err)
	}
	ep.Name = string(name)
	var elen [2]byte
	if _, err := io.ReadFull(r, elen[:]); err != nil {
		return Endpoint{}, fmt.Errorf("%w: port2 extra length: %v", ErrProtocol, err)
	}
	ep.Extra = make([]byte, binary.BigEndian.Uint16(elen[:]))
	if _, err := io.ReadFull(r, ep.Extra); err != nil {
		return Endpoint{}, fmt.Errorf("%w: port2 extra: %v", ErrProtocol, err)
	}
	return ep, nil
}
