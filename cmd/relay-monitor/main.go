// Package main is the entry point for the relay monitor TUI.
package main

import (
	"flag"
	"fmt"
	"os"

	"sap-audit-relay/internal/config"
	"sap-audit-relay/internal/tui"
)

func main() {
	// The agent's config points at the right files when both run on the
	// same host; flags override for everything else.
	defaults := config.DefaultConfig()
	if cfg, err := config.Load(); err == nil {
		defaults = cfg
	}

	statusPath := flag.String("status", defaults.Status.Path, "path to the agent's status snapshot")
	auditPath := flag.String("audit", defaults.Archive.Path, "path to the agent's audit file")
	flag.Parse()

	if err := tui.Run(*statusPath, *auditPath); err != nil {
		fmt.Fprintf(os.Stderr, "relay-monitor: %v\n", err)
		os.Exit(1)
	}
}
