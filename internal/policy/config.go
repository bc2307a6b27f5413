package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Enforcement modes.
const (
	ModeEnforce    = "enforce"
	ModePermissive = "permissive"
)

// Config holds the gate's configurable parameters. It is loaded at
// startup and hot-swapped on file change; handlers receive it
// explicitly rather than through process-wide state.
type Config struct {
	Mode string `yaml:"mode"`
}

// DefaultConfig returns the built-in gate configuration.
func DefaultConfig() *Config {
	return &Config{Mode: ModeEnforce}
}

// LoadConfigWithHash reads a gate config file and returns it with the
// sha256 of its raw bytes, so audit consumers can tell which policy was
// in force. A missing path yields the defaults with an empty hash.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		return DefaultConfig(), "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), "", nil
		}
		return nil, "", fmt.Errorf("policy: read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("policy: parse config: %w", err)
	}
	if cfg.Mode != ModeEnforce && cfg.Mode != ModePermissive {
		return nil, "", fmt.Errorf("policy: invalid mode %q", cfg.Mode)
	}

	sum := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(sum[:]), nil
}
