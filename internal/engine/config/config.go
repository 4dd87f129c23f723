// Package config loads engine configuration from layered sources:
// baked-in defaults, an optional YAML file, and KIRIMKIT_-prefixed
// environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the engine's runtime configuration.
type Config struct {
	DataDir     string `koanf:"data_dir"`     // DB, sessions, and media live under here
	DBPath      string `koanf:"db_path"`      // override; defaults to <data_dir>/kirimkit.db
	SessionsDir string `koanf:"sessions_dir"` // override; defaults to <cwd>/sessions
	PublicDir   string `koanf:"public_dir"`   // local media root; defaults to <cwd>/public
	MetricsAddr string `koanf:"metrics_addr"` // /metrics + /healthz listen address

	MemoryLimitMB int `koanf:"memory_limit_mb"` // guard ceiling

	WAEndpoint string `koanf:"wa_endpoint"` // protocol websocket endpoint
	WAOrigin   string `koanf:"wa_origin"`   // Origin header for the handshake
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":        defaultDataDir(),
		"db_path":         "",
		"sessions_dir":    "",
		"public_dir":      "",
		"metrics_addr":    ":9641",
		"memory_limit_mb": 2048,
		"wa_endpoint":     "wss://web.whatsapp.com/ws/chat",
		"wa_origin":       "https://web.whatsapp.com",
	}
}

// Load builds a Config from defaults, the optional YAML file at path,
// and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("KIRIMKIT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "KIRIMKIT_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.MetricsAddr == "" {
		return fmt.Errorf("metrics_addr is required")
	}
	if c.MemoryLimitMB <= 0 {
		return fmt.Errorf("memory_limit_mb must be positive")
	}

	for _, dir := range []string{c.DataDir, c.ResolveSessionsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "kirimkit")
	}
	return filepath.Join(home, ".config", "kirimkit")
}

// ResolveDBPath returns the SQLite database path.
func (c *Config) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "kirimkit.db")
}

// ResolveSessionsDir returns the root of the per-instance session
// directories. Kept under the working directory for compatibility with
// the dashboard tier, which reads QR state from the same store rows
// but expects credentials beside the process.
func (c *Config) ResolveSessionsDir() string {
	if c.SessionsDir != "" {
		return c.SessionsDir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "sessions"
	}
	return filepath.Join(cwd, "sessions")
}

// ResolvePublicDirs returns the candidate roots for local media paths,
// in probe order.
func (c *Config) ResolvePublicDirs() []string {
	if c.PublicDir != "" {
		return []string{c.PublicDir}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return []string{"public"}
	}
	return []string{
		filepath.Join(cwd, "public"),
		filepath.Join(filepath.Dir(cwd), "public"),
	}
}
