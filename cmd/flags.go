package main

import (
	"fmt"
	"time"

	"github.com/pocketagent/relay/internal/config"
	"github.com/pocketagent/relay/internal/storage"
)

// resolveStorePath picks the database path: flag, then config file,
// then the default under ~/.pocketagent.
func resolveStorePath(flagValue string, cfg *config.Config) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if cfg.StorePath != "" {
		return cfg.StorePath, nil
	}
	return config.DefaultStorePath()
}

// openStore opens the SQLite store at the resolved path.
func openStore(flagValue string, cfg *config.Config) (*storage.SQLiteStore, error) {
	path, err := resolveStorePath(flagValue, cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", path, err)
	}
	return store, nil
}

// pickInt returns the flag value when set, then the config value, then
// the default.
func pickInt(flagValue, cfgValue, def int) int {
	if flagValue != 0 {
		return flagValue
	}
	if cfgValue != 0 {
		return cfgValue
	}
	return def
}

// pickString returns the flag value when set, then the config value,
// then the default.
func pickString(flagValue, cfgValue, def string) string {
	if flagValue != "" {
		return flagValue
	}
	if cfgValue != "" {
		return cfgValue
	}
	return def
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// formatAge renders a time distance for table output.
// Examples: "just now", "5m ago", "2h ago", "3d ago".
func formatAge(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}
