// Package session owns the connection reliability settings shared by the
// discovery client, handshake driver and steady-state connections.
//
// Ownership boundary:
// - timeouts, tick and liveness windows
// - retry/backoff primitives
// - config validation
package session
