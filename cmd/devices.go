package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pocketagent/relay/internal/config"
	"github.com/pocketagent/relay/internal/storage"
)

func runDevicesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay devices list [options]\n\nList paired devices.\n\nOptions:\n")
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

	devices, err := store.ListDevices()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No paired devices found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE ID\tNAME\tCREATED\tLAST SEEN\tSTATUS")
	fmt.Fprintln(w, "---------\t----\t-------\t---------\t------")
	now := time.Now()
	for _, d := range devices {
		status := "active"
		if d.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, formatAge(now.Sub(d.CreatedAt)), formatAge(now.Sub(d.LastSeen)), status)
	}
	w.Flush()
	return 0
}

func runDevicesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("devices revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay devices revoke [options] <device-id>\n\nRevoke a device key. The daemon using it is rejected on its next connect.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: device-id is required")
		fs.Usage()
		return 1
	}
	deviceID := fs.Arg(0)

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

	device, err := store.GetDevice(deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			fmt.Fprintf(stderr, "Error: device %s not found\n", deviceID)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := store.RevokeDevice(deviceID); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Revoked device %s (%s).\n", device.ID, device.Name)
	fmt.Fprintln(stdout, "An active tunnel keeps running until it reconnects; revocation applies at the next connect.")
	return 0
}
