package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pocketagent/relay/internal/config"
	"github.com/pocketagent/relay/internal/storage"
)

// generateAPIToken returns a random 32-byte hex token. The token is
// shown once at issue time; only its bcrypt hash is stored.
func generateAPIToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func runKeysIssue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys issue", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath, user string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")
	fs.StringVar(&user, "user", "default", "User the key belongs to")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay keys issue [options]\n\nIssue an API key for the mobile app. The key is shown once.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStore(storePath, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	token, err := generateAPIToken()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	key := &storage.APIKey{
		ID:        uuid.New().String(),
		UserID:    user,
		TokenHash: string(hash),
		CreatedAt: time.Now(),
	}
	if err := store.SaveAPIKey(key); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Issued API key %s for user %s.\n\n", key.ID, user)
	fmt.Fprintf(stdout, "  %s\n\n", token)
	fmt.Fprintln(stdout, "Store this token now; it cannot be shown again.")
	return 0
}

func runKeysList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay keys list [options]\n\nList issued API keys.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStore(storePath, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	keys, err := store.ListAPIKeys()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(keys) == 0 {
		fmt.Fprintln(stdout, "No API keys issued.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY ID\tUSER\tCREATED\tLAST SEEN")
	fmt.Fprintln(w, "------\t----\t-------\t---------")
	now := time.Now()
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			k.ID, k.UserID, formatAge(now.Sub(k.CreatedAt)), formatAge(now.Sub(k.LastSeen)))
	}
	w.Flush()
	return 0
}

func runKeysRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keys revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay keys revoke [options] <key-id>\n\nRevoke an API key.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: key-id is required")
		fs.Usage()
		return 1
	}
	keyID := fs.Arg(0)

	fileCfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := openStore(storePath, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.DeleteAPIKey(keyID); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			fmt.Fprintf(stderr, "Error: key %s not found\n", keyID)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Revoked API key %s.\n", keyID)
	return 0
}
