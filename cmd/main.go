package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `relay - tunnel between local coding agents and your phone

Usage:
  relay <command> [options]

Commands:
  daemon start         Start the relay daemon next to your agents
  orchestrator start   Start the public orchestrator
  pair                 Pair this machine with the orchestrator
  projects list        List configured projects
  projects add <name> <directory>   Add a project
  projects remove <name>            Remove a project
  devices list         List paired devices
  devices revoke <device-id>        Revoke a device key
  keys issue           Issue a mobile API key
  keys list            List issued API keys
  keys revoke <key-id>              Revoke an API key

Run 'relay <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "daemon":
		if len(args) < 3 || args[2] != "start" {
			fmt.Fprintln(stdout, "Usage: relay daemon start [options]")
			return 1
		}
		return runDaemonStart(args[3:], stdout, stderr)
	case "orchestrator":
		if len(args) < 3 || args[2] != "start" {
			fmt.Fprintln(stdout, "Usage: relay orchestrator start [options]")
			return 1
		}
		return runOrchestratorStart(args[3:], stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "projects":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: relay projects <list|add|remove>")
			return 1
		}
		switch args[2] {
		case "list":
			return runProjectsList(args[3:], stdout, stderr)
		case "add":
			return runProjectsAdd(args[3:], stdout, stderr)
		case "remove":
			return runProjectsRemove(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown projects command: %s\n", args[2])
			return 1
		}
	case "devices":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: relay devices <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runDevicesList(args[3:], stdout, stderr)
		case "revoke":
			return runDevicesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown devices command: %s\n", args[2])
			return 1
		}
	case "keys":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: relay keys <issue|list|revoke>")
			return 1
		}
		switch args[2] {
		case "issue":
			return runKeysIssue(args[3:], stdout, stderr)
		case "list":
			return runKeysList(args[3:], stdout, stderr)
		case "revoke":
			return runKeysRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown keys command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "relay %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
