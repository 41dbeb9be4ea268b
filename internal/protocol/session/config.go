package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds the per-node connection reliability knobs shared by the
// discovery client, the handshake driver and established connections.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	DiscoveryTimeout time.Duration
	WriteTimeout     time.Duration
	// TickInterval is how often an idle connection sends a keep-alive.
	TickInterval time.Duration
	// LivenessWindow closes a connection whose peer has been silent this long.
	LivenessWindow time.Duration
	MaxFrameBytes  uint64
	Backoff        BackoffConfig
	// MaxRegisterAttempts bounds EPMD re-registration; 0 retries forever.
	MaxRegisterAttempts int
}

// DefaultConfig mirrors net_ticktime=60: four ticks per window.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 7 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		TickInterval:     15 * time.Second,
		LivenessWindow:   60 * time.Second,
		MaxFrameBytes:    64 * 1024 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills every zero field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = d.LivenessWindow
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
