package session

import (
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// Validate rejects combinations that would make liveness checks meaningless.
func (c Config) Validate() error {
	if c.TickInterval <= 0 || c.LivenessWindow <= 0 {
		return fmt.Errorf("%w: tick interval and liveness window must be positive", ErrInvalidConfig)
	}
	if c.LivenessWindow < 2*c.TickInterval {
		return fmt.Errorf("%w: liveness window %v must be at least two ticks (%v)", ErrInvalidConfig, c.LivenessWindow, c.TickInterval)
	}
	if c.HandshakeTimeout <= 0 || c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect and handshake timeouts must be positive", ErrInvalidConfig)
	}
	if c.MaxRegisterAttempts < 0 {
		return fmt.Errorf("%w: max register attempts %d", ErrInvalidConfig, c.MaxRegisterAttempts)
	}
	return nil
}
