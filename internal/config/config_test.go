package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/erlnode/internal/testutil/testlog"
)

func TestTemplateRoundTripsAndValidates(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "erlnode.toml")
	if err := WriteTemplate(path, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, false); err == nil {
		t.Fatalf("expected existing file to be kept")
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	want := Default()
	if f.Name != want.Name || f.EPMDPort != want.EPMDPort || f.TickInterval != want.TickInterval {
		t.Fatalf("template mismatch: %+v", f)
	}
	if err := ValidateFile(path); err != nil {
		t.Fatalf("validate template: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("name = \"a@b\"\ncookies = \"x\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]File{
		"name":     {Name: "nohost"},
		"port":     {EPMDPort: 70000},
		"attempts": {MaxRegisterAttempts: -1},
		"codec":    {Codec: "native"},
		"duration": {TickInterval: "soon"},
		"negative": {LivenessWindow: "-5s"},
	}
	for name, f := range cases {
		if err := Validate(f); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
	if err := Validate(File{}); err != nil {
		t.Fatalf("empty file should be valid: %v", err)
	}
}
