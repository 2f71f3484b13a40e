package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/regsync/internal/condition"
	"github.com/danmuck/regsync/internal/protocol/session"
	"github.com/danmuck/regsync/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regsyncd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, mode := range []string{"host", "guest", "combined"} {
		path := filepath.Join(t.TempDir(), mode+".toml")
		if err := WriteTemplate(path, mode, false); err != nil {
			t.Fatalf("%s: write template: %v", mode, err)
		}
		if err := WriteTemplate(path, mode, false); err == nil {
			t.Fatalf("%s: expected refusal to overwrite", mode)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("%s: load: %v", mode, err)
		}
		if string(cfg.Mode) != mode {
			t.Fatalf("%s: mode = %q", mode, cfg.Mode)
		}
	}
	if _, err := Template("relay"); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
id = " node-a "
mode = "Combined"
transport = "ws"
roots = ["data", " ", "extra"]
debounce = "50ms"
admin_token = " s3cret "
loaded = ["arms"]

[flags]
hard = true

[vars]
edition = "gold"

[session]
handshake_timeout = "2s"
compress_threshold = 0
max_connect_attempts = 3

[session.tls]
enabled = true
cert_file = " host.pem "
key_file = "host.key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-a" || cfg.Mode != ModeCombined || cfg.Transport != TransportWebSocket {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if diff := cmp.Diff([]string{"data", "extra"}, cfg.Roots); diff != "" {
		t.Fatalf("roots (-want +got):\n%s", diff)
	}
	if cfg.Listen != Default().Listen {
		t.Fatalf("listen should keep default, got %q", cfg.Listen)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("admin token = %q", cfg.AdminToken)
	}
	if cfg.Debounce != 50*time.Millisecond {
		t.Fatalf("debounce = %v", cfg.Debounce)
	}
	if cfg.Session.HandshakeTimeout != 2*time.Second || cfg.Session.WriteTimeout != session.DefaultConfig().WriteTimeout {
		t.Fatalf("unexpected timeouts: %+v", cfg.Session)
	}
	if cfg.Session.CompressThreshold != 0 || cfg.Session.MaxConnectAttempts != 3 {
		t.Fatalf("unexpected session limits: %+v", cfg.Session)
	}
	if !cfg.Session.TLS.Enabled || cfg.Session.TLS.CertFile != "host.pem" {
		t.Fatalf("unexpected tls: %+v", cfg.Session.TLS)
	}

	want := condition.Context{
		Loaded: []string{"arms"},
		Flags:  map[string]bool{"hard": true},
		Vars:   map[string]string{"edition": "gold"},
	}
	if diff := cmp.Diff(want, cfg.ConditionContext()); diff != "" {
		t.Fatalf("condition context (-want +got):\n%s", diff)
	}
}

func TestLoadRejects(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: "listn = \":1\"\n", want: "unknown key"},
		{name: "unknown mode", body: "mode = \"relay\"\n", want: "unknown mode"},
		{name: "unknown transport", body: "transport = \"udp\"\n", want: "unknown transport"},
		{name: "guest without connect", body: "mode = \"guest\"\n", want: "requires connect"},
		{name: "host without roots", body: "roots = []\n", want: "requires at least one root"},
		{name: "bad duration", body: "[session]\nwrite_timeout = \"soon\"\n", want: "session.write_timeout"},
		{name: "blank id", body: "id = \"\"\nlisten = \"\"\n", want: "requires listen"},
		{name: "negative workers", body: "workers = -1\n", want: "workers"},
	}
	for _, tc := range cases {
		_, err := Load(writeConfig(t, tc.body))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
