package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFields(t *testing.T) {
	path := writeConfig(t, `
orchestrator_url = "wss://relay.example.com/tunnel"
agent_command = "opencode serve"
agent_port = 5000
skip_agent = true
health_interval_ms = 2500
forward_timeout_ms = 90000
no_tls = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OrchestratorURL != "wss://relay.example.com/tunnel" {
		t.Errorf("OrchestratorURL = %q", cfg.OrchestratorURL)
	}
	if cfg.AgentPort != 5000 || !cfg.SkipAgent {
		t.Errorf("agent settings = %+v", cfg)
	}
	if cfg.HealthIntervalMs != 2500 || cfg.ForwardTimeoutMs != 90000 {
		t.Errorf("timing settings = %+v", cfg)
	}
	if !cfg.NoTLS {
		t.Error("NoTLS not parsed")
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("expected error for a named config file that does not exist")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "orchestrator_url = [broken")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadUnknownKeysAreIgnored(t *testing.T) {
	path := writeConfig(t, `
orchestrator_url = "wss://relay.example.com/tunnel"
future_setting = "whatever"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OrchestratorURL == "" {
		t.Error("known fields must survive unknown keys")
	}
}
