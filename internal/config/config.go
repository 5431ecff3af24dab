// Package config manages the tunnel daemon's configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flag overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Role selects whether this daemon instance dials the local service on
// demand (host) or runs the public-facing TCP listener (client).
type Role string

const (
	// RoleHost dials 127.0.0.1:LocalPort on demand for inbound DATA frames.
	RoleHost Role = "host"

	// RoleClient runs the fixed-port TCP listener that users connect to.
	RoleClient Role = "client"
)

// Config holds the complete tunnel daemon configuration.
type Config struct {
	Role       Role          `koanf:"role"`
	LocalPort  int           `koanf:"local_port"`
	ListenAddr string        `koanf:"listen_addr"`
	Overlay    OverlayConfig `koanf:"overlay"`
	Control    ControlConfig `koanf:"control"`
	Metrics    MetricsConfig `koanf:"metrics"`
	Log        LogConfig     `koanf:"log"`
}

// OverlayConfig selects and configures the overlay transport binding.
type OverlayConfig struct {
	// Mode is "tcp-pipe" (default, direct TCP link stand-in for the real
	// relay/NAT-traversal transport) or "loopback" (in-memory, tests only).
	Mode string `koanf:"mode"`

	// DialAddr is the address of the peer's overlay listener. Set on the
	// side that initiates the tcp-pipe connection.
	DialAddr string `koanf:"dial_addr"`

	// ListenAddr is the address to accept the peer's overlay connection on.
	// Set on the side that accepts the tcp-pipe connection.
	ListenAddr string `koanf:"listen_addr"`
}

// ControlConfig holds the local control API listen configuration.
type ControlConfig struct {
	// Addr is the HTTP listen address for the control API (e.g., "127.0.0.1:8898").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., "127.0.0.1:8899").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Role:       RoleClient,
		LocalPort:  0,
		ListenAddr: "0.0.0.0:8888",
		Overlay: OverlayConfig{
			Mode: "tcp-pipe",
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8898",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:8899",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tunnel daemon configuration.
// Variables are named TUNNEL_<section>_<key>, e.g., TUNNEL_LOCAL_PORT.
const envPrefix = "TUNNEL_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TUNNEL_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults. path may be empty, in which case only
// defaults and environment overrides apply.
//
// Environment variable mapping:
//
//	TUNNEL_ROLE             -> role
//	TUNNEL_LOCAL_PORT       -> local_port
//	TUNNEL_LISTEN_ADDR      -> listen_addr
//	TUNNEL_OVERLAY_MODE     -> overlay.mode
//	TUNNEL_CONTROL_ADDR     -> control.addr
//	TUNNEL_METRICS_ADDR     -> metrics.addr
//	TUNNEL_LOG_LEVEL        -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms TUNNEL_LOCAL_PORT -> local_port, TUNNEL_OVERLAY_MODE -> overlay.mode.
// Strips the TUNNEL_ prefix, lowercases, and maps the first underscore-delimited
// section name that matches a known top-level key to a "." nesting separator,
// leaving the rest of the key intact with underscores (matching the struct tags
// above, which all use "_" inside a section name).
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))

	for _, section := range []string{"overlay", "control", "metrics", "log"} {
		if prefix := section + "_"; strings.HasPrefix(s, prefix) {
			return section + "." + strings.TrimPrefix(s, prefix)
		}
	}

	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"role":                string(defaults.Role),
		"local_port":          defaults.LocalPort,
		"listen_addr":         defaults.ListenAddr,
		"overlay.mode":        defaults.Overlay.Mode,
		"overlay.dial_addr":   defaults.Overlay.DialAddr,
		"overlay.listen_addr": defaults.Overlay.ListenAddr,
		"control.addr":        defaults.Control.Addr,
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidRole indicates role is neither "host" nor "client".
	ErrInvalidRole = errors.New("role must be \"host\" or \"client\"")

	// ErrInvalidLocalPort indicates local_port is out of the valid TCP port range.
	ErrInvalidLocalPort = errors.New("local_port must be between 0 and 65535")

	// ErrEmptyListenAddr indicates listen_addr is empty.
	ErrEmptyListenAddr = errors.New("listen_addr must not be empty")

	// ErrInvalidOverlayMode indicates overlay.mode is not a recognized binding.
	ErrInvalidOverlayMode = errors.New("overlay.mode must be \"tcp-pipe\" or \"loopback\"")

	// ErrEmptyControlAddr indicates control.addr is empty.
	ErrEmptyControlAddr = errors.New("control.addr must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Role != RoleHost && cfg.Role != RoleClient {
		return fmt.Errorf("%w: got %q", ErrInvalidRole, cfg.Role)
	}

	if cfg.LocalPort < 0 || cfg.LocalPort > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidLocalPort, cfg.LocalPort)
	}

	if cfg.ListenAddr == "" {
		return ErrEmptyListenAddr
	}

	if cfg.Overlay.Mode != "tcp-pipe" && cfg.Overlay.Mode != "loopback" {
		return fmt.Errorf("%w: got %q", ErrInvalidOverlayMode, cfg.Overlay.Mode)
	}

	if cfg.Control.Addr == "" {
		return ErrEmptyControlAddr
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
