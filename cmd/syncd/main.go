// Command syncd is the sync daemon and client CLI: `syncd serve` runs the
// server, `syncd client ...` drives a local replica against it.
package main

import (
	"fmt"
	"os"

	"github.com/replikit/sync/cmd/syncd/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
