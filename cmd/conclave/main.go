// Command conclave runs the Conclave fact store: the HTTP API, the MCP stdio
// server, backups, and one-shot queries against the configured storage.
//
// CRITICAL: logs go to stderr. In `conclave mcp` stdout carries only
// JSON-RPC frames.
package main

import (
	"fmt"
	"os"

	"github.com/scrypster/conclave/cmd/conclave/commands"
)

// Set by goreleaser or -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
