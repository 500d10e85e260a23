// Command apiclient drives the resilient request pipeline from the shell:
// it manages the local session and issues authenticated requests, or runs
// a local forwarding proxy.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
