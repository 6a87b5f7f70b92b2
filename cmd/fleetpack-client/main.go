// Command fleetpack-client checks for, downloads, and launches updates
// for one application against a fleetpack-server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetpack/fleetpack/internal/apply"
	"github.com/fleetpack/fleetpack/internal/client"
)

func main() {
	var (
		server   string
		localDir string
		appID    string
	)

	flag.StringVar(&server, "server", "http://localhost:8080", "fleetpack server base URL")
	flag.StringVar(&localDir, "dir", ".", "local installation directory")
	flag.StringVar(&appID, "app", "", "application id")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	rest := args[1:]

	if command != "help" && appID == "" {
		fmt.Fprintln(os.Stderr, "Error: -app is required")
		os.Exit(1)
	}

	switch command {
	case "check":
		handleCheck(server, localDir, appID)
	case "apply":
		handleApply(server, localDir, appID)
	case "launch":
		handleLaunch(server, localDir, appID, rest)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`fleetpack-client - content-addressed update client

Usage: fleetpack-client [options] <command> [args...]

Commands:
  check                      check for an update without applying it
  apply                      check for, download, and apply an update
  launch [-- args...]        launch the currently installed entry point
  help                       show this help

Options:
  -server <url>              fleetpack server base URL (default: http://localhost:8080)
  -dir <directory>           local installation directory (default: .)
  -app <app_id>              application id (required for check/apply/launch)

Examples:
  fleetpack-client -app demo -dir ./install check
  fleetpack-client -app demo -dir ./install apply
  fleetpack-client -app demo -dir ./install launch -- --headless
`)
}

func handleCheck(server, localDir, appID string) {
	c := client.New(server)

	cfg, err := apply.ReadLocalConfig(localDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading local config: %v\n", err)
		os.Exit(1)
	}

	currentVersion := ""
	if cfg.Version != nil {
		currentVersion = *cfg.Version
	}

	info, err := c.CheckUpdate(context.Background(), appID, currentVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: check-update failed: %v\n", err)
		os.Exit(1)
	}

	if !info.NeedUpdate {
		fmt.Printf("up to date at version %s\n", info.ActiveVersion)

		return
	}

	fmt.Printf("update available: %s -> %s (%d add, %d keep, %d delete)\n",
		valueOr(currentVersion, "(none)"), info.ActiveVersion, len(info.Add), len(info.Keep), len(info.Delete))
}

func handleApply(server, localDir, appID string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(server)

	eng := &apply.Engine{
		Client:   c,
		LocalDir: localDir,
		AppID:    appID,
		Progress: func(path string, downloaded, total int64) {
			fmt.Printf("  %s (%d/%d bytes)\n", path, downloaded, total)
		},
	}

	result, err := eng.Apply(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: apply failed (state=%s): %v\n", eng.State(), err)
		os.Exit(1)
	}

	if !result.Updated {
		fmt.Printf("already up to date at version %s\n", result.Version)

		return
	}

	fmt.Printf("updated to version %s\n", result.Version)
}

func handleLaunch(server, localDir, appID string, extraArgs []string) {
	cfg, err := apply.ReadLocalConfig(localDir)
	if err != nil || cfg.Version == nil {
		fmt.Fprintln(os.Stderr, "Error: no installed version recorded for this directory; run apply first")
		os.Exit(1)
	}

	c := client.New(server)

	info, err := c.CheckUpdate(context.Background(), appID, *cfg.Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolving entry point: %v\n", err)
		os.Exit(1)
	}

	if err := apply.Launch(localDir, info.EntryPoint, extraArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Error: launch failed: %v\n", err)
		os.Exit(1)
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}

	return s
}
