// memtier is the multi-tier agent memory daemon and its tooling.
package main

import (
	"os"

	"github.com/xtxerr/memtier/internal/cli"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cli.Version = Version
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
