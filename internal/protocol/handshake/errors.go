package handshake

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout            = errors.New("handshake: timeout")
	ErrDigestMismatch     = errors.New("handshake: digest mismatch")
	ErrMalformed          = errors.New("handshake: malformed record")
	ErrUnexpected         = errors.New("handshake: unexpected record for state")
	ErrRejected           = errors.New("handshake: rejected by peer")
	ErrIncompatible       = errors.New("handshake: peer lacks required capabilities")
	ErrUnsupportedVersion = errors.New("handshake: unsupported protocol version")
	ErrClosed             = errors.New("handshake: connection closed")
)

// Error records the state a handshake failed in.
type Error struct {
	Role  Role
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("handshake %s in %s: %v", e.Role, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
