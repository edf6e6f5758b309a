// Command fetch queries market data from the command line through the same
// routing and caching stack as the server, printing JSON to stdout.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
