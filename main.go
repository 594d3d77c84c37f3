// Command eval-orchestrator runs the periodic evaluation orchestrator
// daemon: it discovers due blueprints from a Gitea or GitLab
// repository, resolves their model groups, dispatches them to the
// evaluation queue, and serves the resulting summaries over HTTP.
package main

import (
	"log"
	"os"

	"evalorchestrator.dev/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
