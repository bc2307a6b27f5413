package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should default: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr || cfg.DBPath != DefaultDBPath {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.CardFetchTimeout != DefaultFetchTimeout {
		t.Errorf("expected %s fetch timeout, got %s", DefaultFetchTimeout, cfg.CardFetchTimeout)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandarb.yaml")
	body := `listen_addr: ":9090"
db_path: /var/lib/sandarb/gov.db
root_org: acme
policy_file: /etc/sandarb/policy.yaml
card_fetch_timeout: 3s
audit_queue_size: 32
strict: true
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.RootOrg != "acme" || !cfg.Strict {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.CardFetchTimeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %s", cfg.CardFetchTimeout)
	}
	if cfg.AuditQueueSize != 32 {
		t.Errorf("expected queue size 32, got %d", cfg.AuditQueueSize)
	}
	// Untouched fields keep their defaults.
	if cfg.PreviewAgentID != DefaultPreviewAgentID {
		t.Errorf("expected default preview id, got %q", cfg.PreviewAgentID)
	}
}

func TestLoadRejectsEmptyListenAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandarb.yaml")
	if err := os.WriteFile(path, []byte(`listen_addr: ""`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for empty listen_addr")
	}
}
