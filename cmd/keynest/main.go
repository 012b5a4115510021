package main

import (
	"os"

	"github.com/keynest/keynest/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
