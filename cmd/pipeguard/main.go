// Command pipeguard coordinates pipeline steps that share one state document.
package main

import (
	"os"

	"github.com/jvs-project/pipeguard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
