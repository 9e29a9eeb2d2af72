package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "relay.db")
}

func TestProjectsAddListRemove(t *testing.T) {
	storePath := tempStorePath(t)
	dir := t.TempDir()

	var stdout, stderr bytes.Buffer
	code := runProjectsAdd([]string{"--store", storePath, "alpha", dir}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("add failed (%d): %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "Added project alpha") {
		t.Fatalf("unexpected add output: %q", stdout.String())
	}

	stdout.Reset()
	code = runProjectsList([]string{"--store", storePath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("list failed (%d): %s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "alpha") || !strings.Contains(out, dir) {
		t.Fatalf("listing missing project: %q", out)
	}

	stdout.Reset()
	code = runProjectsRemove([]string{"--store", storePath, "alpha"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("remove failed (%d): %s", code, stderr.String())
	}

	stdout.Reset()
	code = runProjectsList([]string{"--store", storePath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("list failed (%d): %s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "No projects configured") {
		t.Fatalf("expected empty listing, got %q", stdout.String())
	}
}

func TestProjectsAddDuplicateName(t *testing.T) {
	storePath := tempStorePath(t)

	var stdout, stderr bytes.Buffer
	if code := runProjectsAdd([]string{"--store", storePath, "alpha", t.TempDir()}, &stdout, &stderr); code != 0 {
		t.Fatalf("first add failed: %s", stderr.String())
	}

	stderr.Reset()
	code := runProjectsAdd([]string{"--store", storePath, "ALPHA", t.TempDir()}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1 for duplicate, got %d", code)
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Fatalf("expected duplicate error, got %q", stderr.String())
	}
}

func TestProjectsAddAssignsSequentialPorts(t *testing.T) {
	storePath := tempStorePath(t)

	var stdout, stderr bytes.Buffer
	if code := runProjectsAdd([]string{"--store", storePath, "one", t.TempDir()}, &stdout, &stderr); code != 0 {
		t.Fatalf("add one failed: %s", stderr.String())
	}
	if !strings.Contains(stdout.String(), "port 4096") {
		t.Fatalf("expected base port 4096, got %q", stdout.String())
	}

	stdout.Reset()
	if code := runProjectsAdd([]string{"--store", storePath, "two", t.TempDir()}, &stdout, &stderr); code != 0 {
		t.Fatalf("add two failed: %s", stderr.String())
	}
	if !strings.Contains(stdout.String(), "port 4097") {
		t.Fatalf("expected next port 4097, got %q", stdout.String())
	}
}

func TestProjectsAddRejectsMissingDirectory(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runProjectsAdd([]string{"--store", tempStorePath(t), "alpha", "/nonexistent/path"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not a directory") {
		t.Fatalf("expected directory error, got %q", stderr.String())
	}
}

func TestProjectsRemoveUnknown(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runProjectsRemove([]string{"--store", tempStorePath(t), "ghost"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "not found") {
		t.Fatalf("expected not-found error, got %q", stderr.String())
	}
}
