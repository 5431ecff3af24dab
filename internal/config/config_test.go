package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wanglonggod/ConnectTool12/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Role != config.RoleClient {
		t.Errorf("Role = %q, want %q", cfg.Role, config.RoleClient)
	}

	if cfg.ListenAddr != "0.0.0.0:8888" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, "0.0.0.0:8888")
	}

	if cfg.Overlay.Mode != "tcp-pipe" {
		t.Errorf("Overlay.Mode = %q, want %q", cfg.Overlay.Mode, "tcp-pipe")
	}

	if cfg.Control.Addr != "127.0.0.1:8898" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, "127.0.0.1:8898")
	}

	if cfg.Metrics.Addr != "127.0.0.1:8899" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, "127.0.0.1:8899")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
role: host
local_port: 7000
listen_addr: "0.0.0.0:9999"
overlay:
  mode: tcp-pipe
  dial_addr: "198.51.100.1:4000"
control:
  addr: "127.0.0.1:9898"
log:
  level: debug
  format: text
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Role != config.RoleHost {
		t.Errorf("Role = %q, want %q", cfg.Role, config.RoleHost)
	}

	if cfg.LocalPort != 7000 {
		t.Errorf("LocalPort = %d, want %d", cfg.LocalPort, 7000)
	}

	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, "0.0.0.0:9999")
	}

	if cfg.Overlay.DialAddr != "198.51.100.1:4000" {
		t.Errorf("Overlay.DialAddr = %q, want %q", cfg.Overlay.DialAddr, "198.51.100.1:4000")
	}

	if cfg.Control.Addr != "127.0.0.1:9898" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, "127.0.0.1:9898")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override role and local_port.
	// Everything else should inherit from defaults.
	yamlContent := `
role: host
local_port: 7000
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Role != config.RoleHost {
		t.Errorf("Role = %q, want %q", cfg.Role, config.RoleHost)
	}

	if cfg.LocalPort != 7000 {
		t.Errorf("LocalPort = %d, want %d", cfg.LocalPort, 7000)
	}

	// Default values should be preserved.
	if cfg.ListenAddr != "0.0.0.0:8888" {
		t.Errorf("ListenAddr = %q, want default %q", cfg.ListenAddr, "0.0.0.0:8888")
	}

	if cfg.Control.Addr != "127.0.0.1:8898" {
		t.Errorf("Control.Addr = %q, want default %q", cfg.Control.Addr, "127.0.0.1:8898")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "text")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TUNNEL_LOCAL_PORT", "4242")
	t.Setenv("TUNNEL_ROLE", "host")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.LocalPort != 4242 {
		t.Errorf("LocalPort = %d, want %d", cfg.LocalPort, 4242)
	}

	if cfg.Role != config.RoleHost {
		t.Errorf("Role = %q, want %q", cfg.Role, config.RoleHost)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "invalid role",
			modify: func(cfg *config.Config) {
				cfg.Role = "dungeon-master"
			},
			wantErr: config.ErrInvalidRole,
		},
		{
			name: "negative local port",
			modify: func(cfg *config.Config) {
				cfg.LocalPort = -1
			},
			wantErr: config.ErrInvalidLocalPort,
		},
		{
			name: "local port too large",
			modify: func(cfg *config.Config) {
				cfg.LocalPort = 70000
			},
			wantErr: config.ErrInvalidLocalPort,
		},
		{
			name: "empty listen addr",
			modify: func(cfg *config.Config) {
				cfg.ListenAddr = ""
			},
			wantErr: config.ErrEmptyListenAddr,
		},
		{
			name: "invalid overlay mode",
			modify: func(cfg *config.Config) {
				cfg.Overlay.Mode = "carrier-pigeon"
			},
			wantErr: config.ErrInvalidOverlayMode,
		},
		{
			name: "empty control addr",
			modify: func(cfg *config.Config) {
				cfg.Control.Addr = ""
			},
			wantErr: config.ErrEmptyControlAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"nonsense", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		got := config.ParseLogLevel(tt.in)
		if got.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "tunnel.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
