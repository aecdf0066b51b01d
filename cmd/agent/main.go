// Command agent executes step commands for a remote matrixci runner. It is
// shorthand for "matrixci agent".
package main

import (
	"os"

	"matrixci/internal/cli"
)

func main() {
	cli.Main(append([]string{"agent"}, os.Args[1:]...))
}
