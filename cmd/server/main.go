// Command server runs the matrixci HTTP pipeline server. It is shorthand
// for "matrixci serve".
package main

import (
	"os"

	"matrixci/internal/cli"
)

func main() {
	cli.Main(append([]string{"serve"}, os.Args[1:]...))
}
