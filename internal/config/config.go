package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/regsync/internal/loader"
	"github.com/danmuck/regsync/internal/protocol/session"
)

// Mode selects which side of replication a node runs.
type Mode string

const (
	// ModeHost loads sources and pushes them to connected guests.
	ModeHost Mode = "host"
	// ModeGuest dials a host and replaces its registries with what it receives.
	ModeGuest Mode = "guest"
	// ModeCombined is a host with an in-process guest sharing the same registries.
	ModeCombined Mode = "combined"
)

type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "ws"
)

// Config is the resolved regsyncd configuration.
type Config struct {
	NodeID      string
	Mode        Mode
	Transport   TransportKind
	Listen      string
	Connect     string
	Roots       []string
	Watch       bool
	Debounce    time.Duration
	AdminAddr   string
	AdminToken  string
	CORSOrigins []string
	Workers     int

	Loaded []string
	Flags  map[string]bool
	Vars   map[string]string

	Session session.Config
}

func Default() Config {
	return Config{
		NodeID:    "regsync.local",
		Mode:      ModeHost,
		Transport: TransportTCP,
		Listen:    "127.0.0.1:7400",
		Roots:     []string{"data"},
		Debounce:  loader.DefaultDebounce,
		AdminAddr: "127.0.0.1:7401",
		Flags:     map[string]bool{},
		Vars:      map[string]string{},
		Session:   session.DefaultConfig(),
	}
}

type fileConfig struct {
	ID          string            `toml:"id"`
	Mode        string            `toml:"mode"`
	Transport   string            `toml:"transport"`
	Listen      string            `toml:"listen"`
	Connect     string            `toml:"connect"`
	Roots       []string          `toml:"roots"`
	Watch       bool              `toml:"watch"`
	Debounce    string            `toml:"debounce"`
	AdminAddr   string            `toml:"admin_addr"`
	AdminToken  string            `toml:"admin_token"`
	CORSOrigins []string          `toml:"cors_origins"`
	Workers     int               `toml:"workers"`
	Loaded      []string          `toml:"loaded"`
	Flags       map[string]bool   `toml:"flags"`
	Vars        map[string]string `toml:"vars"`
	Session     sessionFile       `toml:"session"`
}

type sessionFile struct {
	ConnectTimeout     string  `toml:"connect_timeout"`
	HandshakeTimeout   string  `toml:"handshake_timeout"`
	WriteTimeout       string  `toml:"write_timeout"`
	IdleTimeout        string  `toml:"idle_timeout"`
	CompressThreshold  int     `toml:"compress_threshold"`
	MaxConnectAttempts int     `toml:"max_connect_attempts"`
	SecurityMode       string  `toml:"security_mode"`
	TLS                tlsFile `toml:"tls"`
}

type tlsFile struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load applies the keys present in path onto Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load regsyncd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load regsyncd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.NodeID = id
		}
	}
	if meta.IsDefined("mode") {
		cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(raw.Mode)))
	}
	if meta.IsDefined("transport") {
		cfg.Transport = TransportKind(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("connect") {
		cfg.Connect = strings.TrimSpace(raw.Connect)
	}
	if meta.IsDefined("roots") {
		cfg.Roots = normalizeList(raw.Roots)
	}
	if meta.IsDefined("watch") {
		cfg.Watch = raw.Watch
	}
	if meta.IsDefined("debounce") {
		if cfg.Debounce, err = parseDuration("debounce", raw.Debounce); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("loaded") {
		cfg.Loaded = normalizeList(raw.Loaded)
	}
	if meta.IsDefined("flags") {
		cfg.Flags = raw.Flags
	}
	if meta.IsDefined("vars") {
		cfg.Vars = raw.Vars
	}
	if err := applySession(meta, raw.Session, &cfg.Session); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySession(meta toml.MetaData, raw sessionFile, out *session.Config) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{key: "connect_timeout", val: raw.ConnectTimeout, dst: &out.ConnectTimeout},
		{key: "handshake_timeout", val: raw.HandshakeTimeout, dst: &out.HandshakeTimeout},
		{key: "write_timeout", val: raw.WriteTimeout, dst: &out.WriteTimeout},
		{key: "idle_timeout", val: raw.IdleTimeout, dst: &out.IdleTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration("session."+d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "compress_threshold") {
		out.CompressThreshold = raw.CompressThreshold
	}
	if meta.IsDefined("session", "max_connect_attempts") {
		out.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("session", "security_mode") {
		out.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	if meta.IsDefined("session", "tls") {
		out.TLS = session.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("regsyncd config missing id")
	}
	switch c.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		return fmt.Errorf("regsyncd config: unknown transport %q", c.Transport)
	}
	switch c.Mode {
	case ModeHost, ModeCombined:
		if c.Listen == "" {
			return fmt.Errorf("regsyncd config: %s mode requires listen", c.Mode)
		}
		if len(c.Roots) == 0 {
			return fmt.Errorf("regsyncd config: %s mode requires at least one root", c.Mode)
		}
	case ModeGuest:
		if c.Connect == "" {
			return fmt.Errorf("regsyncd config: guest mode requires connect")
		}
	default:
		return fmt.Errorf("regsyncd config: unknown mode %q", c.Mode)
	}
	if c.Workers < 0 {
		return fmt.Errorf("regsyncd config: workers must not be negative")
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
