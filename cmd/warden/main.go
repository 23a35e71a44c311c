package main

import (
	"fmt"
	"os"

	"github.com/tunnelwarden/warden/cmd/warden/cli"
)

// Overridden via -ldflags on release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(version, commit, date); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}
