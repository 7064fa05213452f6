// Command llmrund is the daemon-and-CLI entrypoint: "llmrund serve"
// runs the inference runtime, every other subcommand is a thin client
// dialing its local socket.
package main

import (
	"fmt"
	"os"

	"github.com/defilantech/llmrund/pkg/cli"
)

func main() {
	root := cli.NewRootCommand()
	err := root.Execute()
	if err != nil && err.Error() != "" {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(cli.ExitCodeFor(err))
}
