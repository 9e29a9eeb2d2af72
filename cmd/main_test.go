package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runWithArgs(args []string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs([]string{"relay"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"relay", "nope"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs([]string{"relay", "version"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("expected version output, got %q", out)
	}
}

func TestRunDaemonMissingSubcommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"relay", "daemon"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Usage: relay daemon start") {
		t.Fatalf("expected daemon usage, got %q", out)
	}
}

func TestRunProjectsMissingSubcommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"relay", "projects"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Usage: relay projects") {
		t.Fatalf("expected projects usage, got %q", out)
	}
}

func TestDaemonStartHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runDaemonStart([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: relay daemon start") {
		t.Fatalf("expected daemon start usage, got %q", stderr.String())
	}
}

func TestDaemonStartRequiresURL(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runDaemonStart([]string{"--config", "/nonexistent/config.toml"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}

func TestOrchestratorStartHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runOrchestratorStart([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: relay orchestrator start") {
		t.Fatalf("expected orchestrator start usage, got %q", stderr.String())
	}
}

func TestPairHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runPair([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: relay pair") {
		t.Fatalf("expected pair usage, got %q", stderr.String())
	}
}

func TestPairRequiresURL(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte(""), 0600); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	code := runPair([]string{"--config", cfgPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "no orchestrator URL") {
		t.Fatalf("expected URL error, got %q", stderr.String())
	}
}

func TestProjectsAddMissingArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runProjectsAdd([]string{}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "name and directory are required") {
		t.Fatalf("expected args error, got %q", stderr.String())
	}
}

func TestDevicesRevokeMissingID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runDevicesRevoke([]string{}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "device-id is required") {
		t.Fatalf("expected device-id error, got %q", stderr.String())
	}
}

func TestKeysRevokeMissingID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runKeysRevoke([]string{}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "key-id is required") {
		t.Fatalf("expected key-id error, got %q", stderr.String())
	}
}

func TestBrowserPairURL(t *testing.T) {
	tests := []struct {
		in   string
		code string
		want string
	}{
		{"wss://relay.example.com/tunnel", "123456", "https://relay.example.com/pair?code=123456"},
		{"ws://127.0.0.1:8400/tunnel", "654321", "http://127.0.0.1:8400/pair?code=654321"},
	}
	for _, tt := range tests {
		if got := browserPairURL(tt.in, tt.code); got != tt.want {
			t.Errorf("browserPairURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
