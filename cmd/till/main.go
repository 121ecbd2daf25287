// Command till runs a single point-of-sale register.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/till/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
