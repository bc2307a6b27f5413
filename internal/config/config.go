// Package config loads the server configuration from a yaml file.
// Every field has a usable default so a bare binary starts with no
// config at all; the gate settings are the only hot-reloadable part.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListenAddr     = ":8080"
	DefaultDBPath         = "sandarb.db"
	DefaultRootOrg        = "sandarb"
	DefaultPreviewAgentID = "sandarb-preview"
	DefaultMCPAgentID     = "mcp-client"
	DefaultFetchTimeout   = 15 * time.Second
	DefaultAuditQueueSize = 256
)

// Config is the full server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	RootOrg    string `yaml:"root_org"`

	// PolicyFile points at the gate config watched for hot reload.
	PolicyFile string `yaml:"policy_file"`

	PreviewAgentID string `yaml:"preview_agent_id"`
	MCPAgentID     string `yaml:"mcp_agent_id"`

	CardFetchTimeout time.Duration `yaml:"card_fetch_timeout"`
	AuditQueueSize   int           `yaml:"audit_queue_size"`

	// Strict makes startup fail on a broken audit chain instead of
	// logging and continuing.
	Strict bool `yaml:"strict"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:       DefaultListenAddr,
		DBPath:           DefaultDBPath,
		RootOrg:          DefaultRootOrg,
		PreviewAgentID:   DefaultPreviewAgentID,
		MCPAgentID:       DefaultMCPAgentID,
		CardFetchTimeout: DefaultFetchTimeout,
		AuditQueueSize:   DefaultAuditQueueSize,
	}
}

// Load reads a yaml config file over the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	if c.CardFetchTimeout <= 0 {
		c.CardFetchTimeout = DefaultFetchTimeout
	}
	if c.AuditQueueSize <= 0 {
		c.AuditQueueSize = DefaultAuditQueueSize
	}
	if c.PreviewAgentID == "" {
		c.PreviewAgentID = DefaultPreviewAgentID
	}
	return nil
}
