// Command aexctl drives the marketplace API from a terminal.
package main

import (
	"os"

	"github.com/parlakisik/agent-exchange/src/aexctl/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
