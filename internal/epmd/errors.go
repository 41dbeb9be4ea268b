package epmd

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable = errors.New("epmd: daemon unreachable")
	ErrNotFound    = errors.New("epmd: node not found")
	ErrProtocol    = errors.New("epmd: malformed response")
	ErrRejected    = errors.New("epmd: registration rejected")
	ErrBadNodeName = errors.New("epmd: node name must be name@host")
)

// DiscoveryError wraps a discovery failure with the operation and node it
// concerned.
type DiscoveryError struct {
	Op   string
	Node string
	Err  error
}

func (e *DiscoveryError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("epmd %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("epmd %s %s: %v", e.Op, e.Node, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

func wrap(op, node string, err error) error {
	if err == nil {
		return nil
	}
	var de *DiscoveryError
	if errors.As(err, &de) {
		return err
	}
	return &DiscoveryError{Op: op, Node: node, Err: err}
}
