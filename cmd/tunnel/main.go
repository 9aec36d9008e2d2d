package main

import (
	"os"

	"github.com/hcodes/tunnel/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
