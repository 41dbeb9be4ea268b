package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/erlnode/internal/config"
	"github.com/danmuck/erlnode/internal/dist"
	"github.com/danmuck/erlnode/internal/epmd"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/protocol/session"
)

const (
	// envEPMDPort overrides the port mapper port, as the Erlang tooling does.
	envEPMDPort   = "ERL_EPMD_PORT"
	envAdminToken = "ERLNODE_ADMIN_TOKEN"
)

// erlnode runtime settings after file, env and flag overlays.
type nodeConfig struct {
	Name        string
	Cookie      string
	CookieFile  string
	Hidden      bool
	Listen      string
	EPMDHost    string
	EPMDPort    int
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
	Codec       string
	Session     session.Config
}

func defaultNodeConfig() nodeConfig {
	return nodeConfig{
		Name:       "erlnode@127.0.0.1",
		CookieFile: "~/.erlang.cookie",
		Listen:     "0.0.0.0:0",
		EPMDHost:   "127.0.0.1",
		EPMDPort:   epmd.DefaultPort,
		AdminAddr:  "127.0.0.1:7070",
		Codec:      "default",
		Session:    session.DefaultConfig(),
	}
}

// erlnode loader for TOML config with default overlay. An empty path keeps
// the defaults.
func loadNodeConfig(path string) (nodeConfig, error) {
	cfg := defaultNodeConfig()
	if strings.TrimSpace(path) != "" {
		if err := config.ValidateFile(path); err != nil {
			return nodeConfig{}, fmt.Errorf("load erlnode config: %w", err)
		}
		var raw config.File
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return nodeConfig{}, fmt.Errorf("load erlnode config: %w", err)
		}
		if err := overlayFile(&cfg, raw, meta); err != nil {
			return nodeConfig{}, err
		}
	}
	if raw := strings.TrimSpace(os.Getenv(envEPMDPort)); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return nodeConfig{}, fmt.Errorf("load erlnode config: %s=%q is not a port", envEPMDPort, raw)
		}
		cfg.EPMDPort = port
	}
	if token := strings.TrimSpace(os.Getenv(envAdminToken)); token != "" {
		cfg.AdminToken = token
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func overlayFile(cfg *nodeConfig, raw config.File, meta toml.MetaData) error {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("cookie") {
		cfg.Cookie = strings.TrimSpace(raw.Cookie)
	}
	if meta.IsDefined("cookie_file") {
		cfg.CookieFile = strings.TrimSpace(raw.CookieFile)
	}
	if meta.IsDefined("hidden") {
		cfg.Hidden = raw.Hidden
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("epmd_host") {
		cfg.EPMDHost = strings.TrimSpace(raw.EPMDHost)
	}
	if meta.IsDefined("epmd_port") {
		cfg.EPMDPort = raw.EPMDPort
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = raw.AdminToken
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.TrimSpace(raw.Codec)
	}
	if meta.IsDefined("max_register_attempts") {
		cfg.Session.MaxRegisterAttempts = raw.MaxRegisterAttempts
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"tick_interval", raw.TickInterval, &cfg.Session.TickInterval},
		{"liveness_window", raw.LivenessWindow, &cfg.Session.LivenessWindow},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("load erlnode config: %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

// resolveCookie returns the configured cookie, falling back to the cookie
// file.
func (c nodeConfig) resolveCookie() (string, error) {
	if c.Cookie != "" {
		return c.Cookie, nil
	}
	path := expandHome(c.CookieFile)
	if path == "" {
		return "", fmt.Errorf("no cookie configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read cookie file: %w", err)
	}
	cookie := strings.TrimSpace(string(data))
	if cookie == "" {
		return "", fmt.Errorf("cookie file %s is empty", path)
	}
	return cookie, nil
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

func (c nodeConfig) codec() (etf.Codec, error) {
	switch c.Codec {
	case "", "default":
		return etf.DefaultCodec, nil
	case "pooled":
		return etf.NewPooledCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", c.Codec)
}

func (c nodeConfig) managerConfig() (dist.ManagerConfig, error) {
	cookie, err := c.resolveCookie()
	if err != nil {
		return dist.ManagerConfig{}, err
	}
	codec, err := c.codec()
	if err != nil {
		return dist.ManagerConfig{}, err
	}
	return dist.ManagerConfig{
		Name:       c.Name,
		Cookie:     cookie,
		Hidden:     c.Hidden,
		ListenAddr: c.Listen,
		Codec:      codec,
		Session:    c.Session,
		EPMD: &epmd.Client{
			Host:    c.EPMDHost,
			Port:    c.EPMDPort,
			Timeout: c.Session.DiscoveryTimeout,
		},
	}, nil
}
