// Command conserve runs the constraint engine and inspects its audit trail.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/conserve/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
