package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
)

// Config is one side's view of a handshake.
type Config struct {
	// Name is the full local node name, name@host.
	Name   string
	Cookie string
	Flags  Flags
	// Challenge draws a fresh challenge; crypto/rand when nil.
	Challenge func() uint32
	// Status decides the acceptor's answer to a peer name. Nil accepts all.
	Status func(peer string) string
}

// Result describes an established connection.
type Result struct {
	PeerName   string
	PeerFlags  Flags
	Negotiated Flags
	Version    uint16
}

// Handshake is a pure state machine. It never touches a socket: records go
// in through Handle and the records to send come back out.
type Handshake struct {
	role  Role
	cfg   Config
	state State
	err   error

	ownChallenge  uint32
	peerChallenge uint32
	peer          string
	peerFlags     Flags
	result        Result
}

func NewInitiator(cfg Config) *Handshake {
	return newHandshake(RoleInitiator, cfg)
}

func NewAcceptor(cfg Config) *Handshake {
	return newHandshake(RoleAcceptor, cfg)
}

func newHandshake(role Role, cfg Config) *Handshake {
	if cfg.Flags == 0 {
		cfg.Flags = DefaultFlags
	}
	if cfg.Challenge == nil {
		cfg.Challenge = randomChallenge
	}
	return &Handshake{role: role, cfg: cfg, state: StateIdle}
}

func (h *Handshake) Role() Role { return h.role }

func (h *Handshake) State() State { return h.state }

// Err is the failure recorded when the state is Failed.
func (h *Handshake) Err() error { return h.err }

// Result is only valid once the handshake is established.
func (h *Handshake) Result() (Result, bool) {
	return h.result, h.state == StateEstablished
}

// Fail moves a live handshake to Failed. Terminal handshakes are left alone.
func (h *Handshake) Fail(err error) {
	if h.state.Terminal() {
		return
	}
	h.err = &Error{Role: h.role, State: h.state, Err: err}
	h.state = StateFailed
}

// Start returns the opening record. The acceptor waits for the peer and has
// nothing to send.
func (h *Handshake) Start() ([]byte, error) {
	if h.state != StateIdle {
		return nil, h.failf(transitionError(h.state, StateNameSent))
	}
	if h.role == RoleAcceptor {
		return nil, nil
	}
	if err := h.move(StateNameSent); err != nil {
		return nil, err
	}
	return encodeName(nameRecord{Version: ProtocolVersion, Flags: h.cfg.Flags, Name: h.cfg.Name}), nil
}

// Handle consumes one peer record and returns the records to send back, in
// order. Records returned alongside an error must still be sent; this is how
// a rejection status reaches the peer.
func (h *Handshake) Handle(record []byte) ([][]byte, error) {
	if h.state.Terminal() {
		return nil, &Error{Role: h.role, State: h.state, Err: ErrUnexpected}
	}
	if h.role == RoleInitiator {
		return h.handleInitiator(record)
	}
	return h.handleAcceptor(record)
}

func (h *Handshake) handleInitiator(record []byte) ([][]byte, error) {
	switch h.state {
	case StateNameSent:
		status, err := decodeStatus(record)
		if err != nil {
			return nil, h.failf(err)
		}
		switch status {
		case StatusOK, StatusOKSimultaneous:
			return nil, h.move(StateStatusReceived)
		case StatusAlive:
			// Another connection under our name is alive on the peer; ask it
			// to replace that one.
			return [][]byte{encodeStatus("true")}, h.move(StateStatusReceived)
		case StatusNOK, StatusNotAllowed:
			return nil, h.failf(fmt.Errorf("%w: status %s", ErrRejected, status))
		}
		return nil, h.failf(fmt.Errorf("%w: unknown status %q", ErrMalformed, status))

	case StateStatusReceived:
		rec, err := decodeChallenge(record)
		if err != nil {
			return nil, h.failf(err)
		}
		if err := h.acceptPeer(rec.Version, rec.Flags, rec.Name); err != nil {
			return nil, err
		}
		h.peerChallenge = rec.Challenge
		if err := h.move(StateChallengeReceived); err != nil {
			return nil, err
		}
		h.ownChallenge = h.cfg.Challenge()
		reply := encodeReply(replyRecord{
			Challenge: h.ownChallenge,
			Digest:    Digest(h.cfg.Cookie, h.peerChallenge),
		})
		return [][]byte{reply}, h.move(StateChallengeReplySent)

	case StateChallengeReplySent:
		digest, err := decodeAck(record)
		if err != nil {
			return nil, h.failf(err)
		}
		if !digestsEqual(digest, Digest(h.cfg.Cookie, h.ownChallenge)) {
			return nil, h.failf(ErrDigestMismatch)
		}
		return nil, h.establish()
	}
	return nil, h.failf(fmt.Errorf("%w: %s", ErrUnexpected, h.state))
}

func (h *Handshake) handleAcceptor(record []byte) ([][]byte, error) {
	switch h.state {
	case StateIdle:
		rec, err := decodeName(record)
		if err != nil {
			return nil, h.failf(err)
		}
		if err := h.acceptPeer(rec.Version, rec.Flags, rec.Name); err != nil {
			return nil, err
		}
		if err := h.move(StateNameReceived); err != nil {
			return nil, err
		}
		status := StatusOK
		if h.cfg.Status != nil {
			status = h.cfg.Status(h.peer)
		}
		out := [][]byte{encodeStatus(status)}
		switch status {
		case StatusNOK, StatusNotAllowed:
			return out, h.failf(fmt.Errorf("%w: status %s", ErrRejected, status))
		}
		if err := h.move(StateStatusSent); err != nil {
			return nil, err
		}
		if status == StatusAlive {
			return out, nil
		}
		return append(out, h.challenge()), h.move(StateChallengeSent)

	case StateStatusSent:
		// Only reached after answering "alive".
		answer, err := decodeStatus(record)
		if err != nil {
			return nil, h.failf(err)
		}
		if answer != "true" {
			return nil, h.failf(fmt.Errorf("%w: peer answered %q to alive", ErrRejected, answer))
		}
		return [][]byte{h.challenge()}, h.move(StateChallengeSent)

	case StateChallengeSent:
		rec, err := decodeReply(record)
		if err != nil {
			return nil, h.failf(err)
		}
		if !digestsEqual(rec.Digest, Digest(h.cfg.Cookie, h.ownChallenge)) {
			return nil, h.failf(ErrDigestMismatch)
		}
		h.peerChallenge = rec.Challenge
		ack := encodeAck(Digest(h.cfg.Cookie, h.peerChallenge))
		return [][]byte{ack}, h.establish()
	}
	return nil, h.failf(fmt.Errorf("%w: %s", ErrUnexpected, h.state))
}

func (h *Handshake) challenge() []byte {
	h.ownChallenge = h.cfg.Challenge()
	return encodeChallenge(challengeRecord{
		Version:   ProtocolVersion,
		Flags:     h.cfg.Flags,
		Challenge: h.ownChallenge,
		Name:      h.cfg.Name,
	})
}

func (h *Handshake) acceptPeer(version uint16, flags Flags, name string) error {
	if version != ProtocolVersion {
		return h.failf(fmt.Errorf("%w: %d", ErrUnsupportedVersion, version))
	}
	if !flags.Has(RequiredFlags) {
		return h.failf(fmt.Errorf("%w: %s", ErrIncompatible, flags))
	}
	if !strings.Contains(name, "@") {
		return h.failf(fmt.Errorf("%w: peer name %q", ErrMalformed, name))
	}
	h.peer = name
	h.peerFlags = flags
	return nil
}

func (h *Handshake) establish() error {
	if err := h.move(StateEstablished); err != nil {
		return err
	}
	h.result = Result{
		PeerName:   h.peer,
		PeerFlags:  h.peerFlags,
		Negotiated: h.cfg.Flags & h.peerFlags,
		Version:    ProtocolVersion,
	}
	return nil
}

func (h *Handshake) move(to State) error {
	if !allowed(h.role, h.state, to) {
		return h.failf(transitionError(h.state, to))
	}
	h.state = to
	return nil
}

// failf fails the handshake and returns the recorded error.
func (h *Handshake) failf(err error) error {
	h.Fail(err)
	if h.err != nil {
		return h.err
	}
	return &Error{Role: h.role, State: h.state, Err: err}
}

func randomChallenge() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("handshake: crypto/rand: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}
