package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

type Config struct {
	Native    Native    `yaml:"native"`
	Transport Transport `yaml:"transport"`
	Transfer  Transfer  `yaml:"transfer"`
	Protocol  Protocol  `yaml:"protocol"`
	XWayland  XWayland  `yaml:"xwayland"`
	Logging   Logging   `yaml:"logging"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Native locates the display server.
type Native struct {
	// Socket is an explicit socket path. It wins over Display.
	Socket  string `yaml:"socket"`
	Display string `yaml:"display"`
	// MaxConnections bounds concurrent bridged connections, each of which
	// holds one native socket. Zero means no limit.
	MaxConnections int `yaml:"max_connections"`
}

type Transport struct {
	Mode             string   `yaml:"mode"` // ws | wssmux
	Listen           string   `yaml:"listen"`
	Path             string   `yaml:"path"`
	Guard            string   `yaml:"guard"`
	OriginPatterns   []string `yaml:"origin_patterns"`
	MaxPendingFrames int      `yaml:"max_pending_frames"`
	MaxFrame         int64    `yaml:"max_frame"`
	Backlog          int      `yaml:"backlog"`
	// MaxHTTPConns caps concurrent HTTP connections on the listener. Zero
	// means unlimited.
	MaxHTTPConns int       `yaml:"max_http_conns"`
	RateLimit    RateLimit `yaml:"rate_limit"`
	Smux         Smux      `yaml:"smux"`
}

// RateLimit paces each browser connection's inbound frames.
type RateLimit struct {
	BytesPerSec  int `yaml:"bytes_per_sec"`
	FramesPerSec int `yaml:"frames_per_sec"`
	Burst        int `yaml:"burst"`
}

type Smux struct {
	KeepAliveInterval string `yaml:"keepalive_interval"`
	KeepAliveTimeout  string `yaml:"keepalive_timeout"`
	MaxStreamBuffer   int    `yaml:"max_stream_buffer"`
	MaxReceiveBuffer  int    `yaml:"max_receive_buffer"`
}

type Transfer struct {
	ChunkSize    int    `yaml:"chunk_size"`
	MaxPayload   int64  `yaml:"max_payload"`
	Compression  string `yaml:"compression"` // none | lz4 | zstd | zlib
	VerifyDigest *bool  `yaml:"verify_digest"`
	// MaxInflight bounds the inbound payload bytes one connection may have
	// declared but not yet delivered.
	MaxInflight int64 `yaml:"max_inflight"`
}

type Protocol struct {
	// Table is a YAML signature table. Empty selects the built-in core
	// protocol.
	Table string `yaml:"table"`
}

type XWayland struct {
	Enabled        bool     `yaml:"enabled"`
	Path           string   `yaml:"path"`
	Args           []string `yaml:"args"`
	Env            []string `yaml:"env"`
	StartupTimeout string   `yaml:"startup_timeout"`
	StopTimeout    string   `yaml:"stop_timeout"`
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Metrics struct {
	Listen         string `yaml:"listen"`
	AuthToken      string `yaml:"auth_token"`
	Pprof          bool   `yaml:"pprof"`
	HealthInterval string `yaml:"health_interval"`
}

const (
	defaultMaxFrame  = 16 << 20
	defaultChunkSize = 64 << 10
	// chunkOverhead covers a chunk frame's envelope and metadata.
	chunkOverhead = 1024
	maxGuardLen   = 255
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Native.Display == "" && c.Native.Socket == "" {
		c.Native.Display = "wayland-0"
	}
	if c.Transport.Mode == "" {
		c.Transport.Mode = "ws"
	}
	if c.Transport.Listen == "" {
		c.Transport.Listen = ":8080"
	}
	if c.Transport.Path == "" {
		if c.Transport.Mode == "wssmux" {
			c.Transport.Path = "/wayland-mux"
		} else {
			c.Transport.Path = "/wayland"
		}
	}
	if c.Transport.MaxPendingFrames == 0 {
		c.Transport.MaxPendingFrames = 256
	}
	if c.Transport.MaxFrame == 0 {
		c.Transport.MaxFrame = defaultMaxFrame
	}
	if c.Transport.Smux.MaxStreamBuffer == 0 {
		c.Transport.Smux.MaxStreamBuffer = 1 << 20
	}
	if c.Transport.Smux.MaxReceiveBuffer == 0 {
		c.Transport.Smux.MaxReceiveBuffer = 4 << 20
	}
	if c.Transfer.ChunkSize == 0 {
		c.Transfer.ChunkSize = defaultChunkSize
	}
	if c.Transfer.MaxPayload == 0 {
		c.Transfer.MaxPayload = 64 << 20
	}
	if c.Transfer.MaxInflight == 0 {
		c.Transfer.MaxInflight = 4 * c.Transfer.MaxPayload
	}
	if c.Transfer.Compression == "" {
		c.Transfer.Compression = "none"
	}
	if c.Transfer.VerifyDigest == nil {
		v := true
		c.Transfer.VerifyDigest = &v
	}
	if c.XWayland.Path == "" {
		c.XWayland.Path = "Xwayland"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	var errs []error

	switch c.Transport.Mode {
	case "ws", "wssmux":
	default:
		errs = append(errs, fmt.Errorf("transport.mode must be 'ws' or 'wssmux', got %q", c.Transport.Mode))
	}
	if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
		errs = append(errs, fmt.Errorf("transport.listen %q: %v", c.Transport.Listen, err))
	}
	if !strings.HasPrefix(c.Transport.Path, "/") {
		errs = append(errs, fmt.Errorf("transport.path must start with '/'"))
	}
	if len(c.Transport.Guard) > maxGuardLen {
		errs = append(errs, fmt.Errorf("transport.guard is longer than %d bytes", maxGuardLen))
	}
	if c.Transport.MaxPendingFrames < 0 {
		errs = append(errs, fmt.Errorf("transport.max_pending_frames must not be negative"))
	}
	if c.Transport.MaxHTTPConns < 0 {
		errs = append(errs, fmt.Errorf("transport.max_http_conns must not be negative"))
	}
	if rl := c.Transport.RateLimit; rl.BytesPerSec < 0 || rl.FramesPerSec < 0 || rl.Burst < 0 {
		errs = append(errs, fmt.Errorf("transport.rate_limit values must not be negative"))
	}
	if c.Native.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("native.max_connections must not be negative"))
	}
	if c.Transfer.ChunkSize < 0 || int64(c.Transfer.ChunkSize)+chunkOverhead > c.Transport.MaxFrame {
		errs = append(errs, fmt.Errorf("transfer.chunk_size %d does not fit transport.max_frame %d",
			c.Transfer.ChunkSize, c.Transport.MaxFrame))
	}
	if c.Transfer.MaxPayload < 0 {
		errs = append(errs, fmt.Errorf("transfer.max_payload must not be negative"))
	}
	if c.Transfer.MaxInflight < 0 || (c.Transfer.MaxPayload > 0 && c.Transfer.MaxInflight < c.Transfer.MaxPayload) {
		errs = append(errs, fmt.Errorf("transfer.max_inflight %d must be at least transfer.max_payload %d",
			c.Transfer.MaxInflight, c.Transfer.MaxPayload))
	}
	switch c.Transfer.Compression {
	case "none", "lz4", "zstd", "zlib":
	default:
		errs = append(errs, fmt.Errorf("transfer.compression must be none, lz4, zstd or zlib, got %q", c.Transfer.Compression))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	for _, d := range []struct{ key, val string }{
		{"transport.smux.keepalive_interval", c.Transport.Smux.KeepAliveInterval},
		{"transport.smux.keepalive_timeout", c.Transport.Smux.KeepAliveTimeout},
		{"xwayland.startup_timeout", c.XWayland.StartupTimeout},
		{"xwayland.stop_timeout", c.XWayland.StopTimeout},
		{"metrics.health_interval", c.Metrics.HealthInterval},
	} {
		if d.val == "" {
			continue
		}
		if v, err := time.ParseDuration(d.val); err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", d.key, d.val))
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Errorf("metrics.listen %q: %v", c.Metrics.Listen, err))
		}
	}
	return writeErr(errs)
}

func (c *Config) VerifyDigest() bool {
	return c.Transfer.VerifyDigest == nil || *c.Transfer.VerifyDigest
}

func (c *Config) SmuxKeepAliveInterval() time.Duration {
	return parseDurationOr(c.Transport.Smux.KeepAliveInterval, 10*time.Second)
}

func (c *Config) SmuxKeepAliveTimeout() time.Duration {
	return parseDurationOr(c.Transport.Smux.KeepAliveTimeout, 30*time.Second)
}

func (c *Config) XWaylandStartupTimeout() time.Duration {
	return parseDurationOr(c.XWayland.StartupTimeout, 10*time.Second)
}

func (c *Config) XWaylandStopTimeout() time.Duration {
	return parseDurationOr(c.XWayland.StopTimeout, 5*time.Second)
}

func (c *Config) HealthInterval() time.Duration {
	return parseDurationOr(c.Metrics.HealthInterval, 30*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return fallback
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
