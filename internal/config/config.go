package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// File is the on-disk erlnode config. Durations are Go duration strings.
type File struct {
	Name                string   `toml:"name"`
	Cookie              string   `toml:"cookie,omitempty"`
	CookieFile          string   `toml:"cookie_file,omitempty"`
	Hidden              bool     `toml:"hidden"`
	Listen              string   `toml:"listen"`
	EPMDHost            string   `toml:"epmd_host"`
	EPMDPort            int      `toml:"epmd_port"`
	AdminAddr           string   `toml:"admin_addr"`
	AdminToken          string   `toml:"admin_token,omitempty"`
	CORSOrigins         []string `toml:"cors_origins,omitempty"`
	Codec               string   `toml:"codec"`
	TickInterval        string   `toml:"tick_interval"`
	LivenessWindow      string   `toml:"liveness_window"`
	HandshakeTimeout    string   `toml:"handshake_timeout"`
	ConnectTimeout      string   `toml:"connect_timeout"`
	MaxRegisterAttempts int      `toml:"max_register_attempts"`
}

// Default is the template written by configgen.
func Default() File {
	return File{
		Name:                "erlnode@127.0.0.1",
		CookieFile:          "~/.erlang.cookie",
		Listen:              "0.0.0.0:0",
		EPMDHost:            "127.0.0.1",
		EPMDPort:            4369,
		AdminAddr:           "127.0.0.1:7070",
		Codec:               "default",
		TickInterval:        "15s",
		LivenessWindow:      "60s",
		HandshakeTimeout:    "7s",
		ConnectTimeout:      "5s",
		MaxRegisterAttempts: 0,
	}
}

// Load strictly decodes path; unknown keys are an error.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var f File
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return f, nil
}

// Validate checks values a decoded file may set. Empty fields are allowed
// and fall back to defaults at load time.
func Validate(f File) error {
	if name := strings.TrimSpace(f.Name); name != "" {
		short, host, ok := strings.Cut(name, "@")
		if !ok || short == "" || host == "" {
			return fmt.Errorf("%w: name %q must be name@host", ErrInvalid, name)
		}
	}
	if f.EPMDPort < 0 || f.EPMDPort > 65535 {
		return fmt.Errorf("%w: epmd_port %d out of range", ErrInvalid, f.EPMDPort)
	}
	if f.MaxRegisterAttempts < 0 {
		return fmt.Errorf("%w: max_register_attempts must be >= 0", ErrInvalid)
	}
	switch strings.TrimSpace(f.Codec) {
	case "", "default", "pooled":
	default:
		return fmt.Errorf("%w: codec %q (expected default or pooled)", ErrInvalid, f.Codec)
	}
	for key, raw := range map[string]string{
		"tick_interval":     f.TickInterval,
		"liveness_window":   f.LivenessWindow,
		"handshake_timeout": f.HandshakeTimeout,
		"connect_timeout":   f.ConnectTimeout,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: %s %q is not a positive duration", ErrInvalid, key, raw)
		}
	}
	return nil
}

// ValidateFile loads and validates path.
func ValidateFile(path string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	return Validate(f)
}

// Template renders the default file.
func Template() ([]byte, error) {
	body, err := toml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	header := "# erlnode configuration. Set cookie here or point cookie_file at a file.\n"
	return append([]byte(header), body...), nil
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	body, err := Template()
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}
