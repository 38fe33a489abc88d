// Command rideon correlates patron Entered and Left observations into
// completed visits.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rideon/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
