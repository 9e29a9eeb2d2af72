package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pocketagent/relay/internal/config"
	"github.com/pocketagent/relay/internal/storage"
)

func runProjectsList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("projects list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay projects list [options]\n\nList configured projects.\n\nOptions:\n")
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

	projects, err := store.ListProjects()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(projects) == 0 {
		fmt.Fprintln(stdout, "No projects configured.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIRECTORY\tPORT")
	fmt.Fprintln(w, "----\t---------\t----")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.Name, p.Directory, p.Port)
	}
	w.Flush()
	return 0
}

func runProjectsAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("projects add", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	var port int
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")
	fs.IntVar(&port, "port", 0, "Local agent port (default: next free slot from the base port)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay projects add [options] <name> <directory>\n\nAdd a project the daemon will serve.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "Error: name and directory are required")
		fs.Usage()
		return 1
	}
	name := fs.Arg(0)
	directory := storage.NormalizeDirectory(fs.Arg(1))

	if info, err := os.Stat(directory); err != nil || !info.IsDir() {
		fmt.Fprintf(stderr, "Error: %s is not a directory\n", directory)
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

	if port == 0 {
		port, err = nextFreePort(store, fileCfg)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	err = store.AddProject(storage.Project{Name: name, Directory: directory, Port: port})
	if err != nil {
		if errors.Is(err, storage.ErrProjectExists) {
			fmt.Fprintf(stderr, "Error: a project with that name or directory already exists\n")
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Added project %s (%s) on port %d.\n", name, directory, port)
	fmt.Fprintln(stdout, "Restart the daemon to pick it up.")
	return 0
}

// nextFreePort picks the first port at or above the base that no
// project uses yet.
func nextFreePort(store *storage.SQLiteStore, cfg *config.Config) (int, error) {
	base := cfg.AgentPort
	if base == 0 {
		base = config.DefaultAgentPort
	}
	projects, err := store.ListProjects()
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(projects))
	for _, p := range projects {
		used[p.Port] = true
	}
	port := base
	for used[port] {
		port++
	}
	return port, nil
}

func runProjectsRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("projects remove", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, storePath string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&storePath, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay projects remove [options] <name>\n\nRemove a project.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "Error: name is required")
		fs.Usage()
		return 1
	}
	name := fs.Arg(0)

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

	if err := store.RemoveProject(name); err != nil {
		if errors.Is(err, storage.ErrProjectNotFound) {
			fmt.Fprintf(stderr, "Error: project %s not found\n", name)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Removed project %s.\n", name)
	return 0
}
