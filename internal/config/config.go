package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Defaults applied by LoadConfig.
const (
	DefaultListen           = ":5672"
	DefaultMaxChannels      = 64
	DefaultMaxFrameSize     = 4 * 1024 * 1024
	DefaultHeartbeatSeconds = 60
	DefaultTenant           = "public"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultLogLevel         = "info"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server     ServerConfig     `json:"server" toml:"server"`
	Connection ConnectionConfig `json:"connection" toml:"connection"`
	Upstream   *UpstreamConfig  `json:"upstream,omitempty" toml:"upstream,omitempty"`
	Logging    LoggingConfig    `json:"logging" toml:"logging"`
}

// ServerConfig holds listener settings. An empty address disables that
// listener.
type ServerConfig struct {
	Listen           string   `json:"listen,omitempty" toml:"listen,omitempty"`
	TLSListen        string   `json:"tls_listen,omitempty" toml:"tls_listen,omitempty"`
	TLSCert          string   `json:"tls_cert,omitempty" toml:"tls_cert,omitempty"`
	TLSKey           string   `json:"tls_key,omitempty" toml:"tls_key,omitempty"`
	QUICListen       string   `json:"quic_listen,omitempty" toml:"quic_listen,omitempty"`
	MetricsListen    string   `json:"metrics_listen,omitempty" toml:"metrics_listen,omitempty"`
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty" toml:"handshake_timeout,omitempty"` // e.g., "30s"
	ShutdownTimeout  Duration `json:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"`
}

// ConnectionConfig holds the values proposed in Connection.Tune and the
// namespace settings. Pointers distinguish unset from an explicit 0.
type ConnectionConfig struct {
	MaxChannels      *int   `json:"max_channels,omitempty" toml:"max_channels,omitempty"`
	MaxFrameSize     *int   `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"` // 0 is unlimited
	HeartbeatSeconds *int   `json:"heartbeat_seconds,omitempty" toml:"heartbeat_seconds,omitempty"`
	Tenant           string `json:"tenant,omitempty" toml:"tenant,omitempty"`
	// VirtualHosts restricts Connection.Open to the listed names. Empty
	// accepts every name.
	VirtualHosts []string `json:"virtual_hosts,omitempty" toml:"virtual_hosts,omitempty"`
}

// UpstreamConfig enables channels backed by a real broker.
type UpstreamConfig struct {
	URL           string `json:"url" toml:"url"`
	TLS           bool   `json:"tls,omitempty" toml:"tls,omitempty"`
	TLSSkipVerify bool   `json:"tls_skip_verify,omitempty" toml:"tls_skip_verify,omitempty"`
	VirtualHost   string `json:"virtual_host,omitempty" toml:"virtual_host,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `json:"level,omitempty" toml:"level,omitempty"`
}

// ZerologLevel parses Level.
func (l LoggingConfig) ZerologLevel() (zerolog.Level, error) {
	return zerolog.ParseLevel(strings.ToLower(l.Level))
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("duration string cannot be empty")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(b))
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func intPtr(v int) *int { return &v }

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" && cfg.Server.TLSListen == "" && cfg.Server.QUICListen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Server.HandshakeTimeout.Duration == 0 {
		cfg.Server.HandshakeTimeout.Duration = DefaultHandshakeTimeout
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout.Duration = DefaultShutdownTimeout
	}
	c := &cfg.Connection
	if c.MaxChannels == nil {
		c.MaxChannels = intPtr(DefaultMaxChannels)
	}
	if c.MaxFrameSize == nil {
		c.MaxFrameSize = intPtr(DefaultMaxFrameSize)
	}
	if c.HeartbeatSeconds == nil {
		c.HeartbeatSeconds = intPtr(DefaultHeartbeatSeconds)
	}
	if c.Tenant == "" {
		c.Tenant = DefaultTenant
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}

// Validate checks a configuration with defaults applied.
func (cfg *Config) Validate() error {
	s := cfg.Server
	if (s.TLSListen != "" || s.QUICListen != "") && (s.TLSCert == "" || s.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key are required for tls_listen and quic_listen")
	}
	c := cfg.Connection
	if c.MaxChannels == nil || *c.MaxChannels < 1 || *c.MaxChannels > math.MaxUint16 {
		return fmt.Errorf("connection.max_channels must be in 1..%d", math.MaxUint16)
	}
	if c.MaxFrameSize == nil || *c.MaxFrameSize < 0 || *c.MaxFrameSize > math.MaxInt32 ||
		(*c.MaxFrameSize > 0 && *c.MaxFrameSize < 8) {
		return fmt.Errorf("connection.max_frame_size must be 0 or in 8..%d", math.MaxInt32)
	}
	if c.HeartbeatSeconds == nil || *c.HeartbeatSeconds < 0 || *c.HeartbeatSeconds > math.MaxUint16 {
		return fmt.Errorf("connection.heartbeat_seconds must be in 0..%d", math.MaxUint16)
	}
	if c.Tenant == "" {
		return errors.New("connection.tenant cannot be empty")
	}
	if u := cfg.Upstream; u != nil {
		if u.URL == "" {
			return errors.New("upstream.url cannot be empty")
		}
		parsed, err := url.Parse(u.URL)
		if err != nil {
			return fmt.Errorf("upstream.url: %w", err)
		}
		if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
			return fmt.Errorf("upstream.url scheme must be amqp or amqps, got %q", parsed.Scheme)
		}
	}
	if _, err := cfg.Logging.ZerologLevel(); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// LoadConfig reads the file at path, detecting JSON or TOML from the
// extension or, failing that, the content. Defaults are applied and the
// result validated.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %q: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes data. ext selects the format (".json" or ".toml");
// any other value tries JSON, then TOML.
func ParseConfig(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := decodeJSON(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if err := decodeTOML(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jerr := decodeJSON(data, &cfg)
		if jerr == nil {
			break
		}
		cfg = Config{}
		if terr := decodeTOML(data, &cfg); terr != nil {
			return nil, fmt.Errorf("failed to auto-detect and parse config (JSON: %v; TOML: %v)", jerr, terr)
		}
	}
	return &cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

func decodeTOML(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return errors.New("empty input")
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown keys: %v", undecoded)
	}
	return nil
}
