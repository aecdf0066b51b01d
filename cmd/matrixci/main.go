package main

import (
	"os"

	"matrixci/internal/cli"
)

func main() {
	cli.Main(os.Args[1:])
}
