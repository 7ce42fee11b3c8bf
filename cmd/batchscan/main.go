// Command batchscan scans batches of network targets and writes reports.
package main

import (
	"os"

	"github.com/anstrom/batchscan/cmd/cli"
)

// Build information, set with -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	os.Exit(cli.Execute())
}
