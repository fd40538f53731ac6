// Command ratchet is the CLI entrypoint: a local continuous-integration
// runner with DAG scheduling, content-addressed caching, and change-aware
// job selection.
package main

import (
	"os"

	"github.com/ratchet-ci/ratchet/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
