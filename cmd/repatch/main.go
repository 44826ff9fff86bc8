// repatch watches class-manifest sources and live-patches the running
// class registry when they change.
package main

import (
	"os"

	"github.com/hupe1980/repatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
