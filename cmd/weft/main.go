package main

import (
	"os"

	"github.com/marcin/weft/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
