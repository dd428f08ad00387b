// Command unifyfsd is the per-rank process that brings up a unifyfs
// client/server pair: it owns one shard of the metadata table, one
// rank's local storage manager, and the RPC listener its peers and this
// rank's own mount dial into (cmd/dittofs/main.go's command-dispatch
// shape, generalized to cobra as cmd/dittofs/commands does).
package main

import (
	"fmt"
	"os"

	"github.com/marmos91/unifyfs/cmd/unifyfsd/commands"

	// Registers the Prometheus-backed implementations of pkg/metrics's
	// collector interfaces.
	_ "github.com/marmos91/unifyfs/pkg/metrics/prometheus"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
