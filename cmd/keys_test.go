package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pocketagent/relay/internal/storage"
)

func TestKeysIssueAndList(t *testing.T) {
	storePath := tempStorePath(t)

	var stdout, stderr bytes.Buffer
	code := runKeysIssue([]string{"--store", storePath, "--user", "alice"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("issue failed (%d): %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "Issued API key") {
		t.Fatalf("unexpected issue output: %q", out)
	}

	// The printed token must verify against the stored hash.
	token := ""
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 64 {
			token = line
		}
	}
	if token == "" {
		t.Fatalf("no token printed in output: %q", out)
	}

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	keys, err := store.ListAPIKeys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("keys stored = %d, want 1", len(keys))
	}
	if keys[0].UserID != "alice" {
		t.Errorf("UserID = %q, want alice", keys[0].UserID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(keys[0].TokenHash), []byte(token)); err != nil {
		t.Errorf("printed token does not match stored hash: %v", err)
	}

	stdout.Reset()
	code = runKeysList([]string{"--store", storePath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("list failed (%d): %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "alice") {
		t.Fatalf("listing missing key: %q", stdout.String())
	}
}

func TestKeysRevoke(t *testing.T) {
	storePath := tempStorePath(t)

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		t.Fatal(err)
	}
	key := &storage.APIKey{ID: "key-1", UserID: "alice", TokenHash: "x", CreatedAt: time.Now()}
	if err := store.SaveAPIKey(key); err != nil {
		t.Fatal(err)
	}
	store.Close()

	var stdout, stderr bytes.Buffer
	code := runKeysRevoke([]string{"--store", storePath, "key-1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("revoke failed (%d): %s", code, stderr.String())
	}

	stderr.Reset()
	code = runKeysRevoke([]string{"--store", storePath, "key-1"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1 for revoked key, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Fatalf("expected not-found error, got %q", stderr.String())
	}
}

func TestDevicesListAndRevoke(t *testing.T) {
	storePath := tempStorePath(t)

	store, err := storage.NewSQLiteStore(storePath)
	if err != nil {
		t.Fatal(err)
	}
	dev := &storage.Device{
		ID:        "dev-1",
		UserID:    "default",
		Name:      "workstation",
		KeyHash:   "x",
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}
	if err := store.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}
	store.Close()

	var stdout, stderr bytes.Buffer
	code := runDevicesList([]string{"--store", storePath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("list failed (%d): %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "workstation") || !strings.Contains(stdout.String(), "active") {
		t.Fatalf("unexpected listing: %q", stdout.String())
	}

	stdout.Reset()
	code = runDevicesRevoke([]string{"--store", storePath, "dev-1"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("revoke failed (%d): %s", code, stderr.String())
	}

	stdout.Reset()
	code = runDevicesList([]string{"--store", storePath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("list failed (%d): %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "revoked") {
		t.Fatalf("expected revoked status in listing: %q", stdout.String())
	}
}
