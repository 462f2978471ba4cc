package main

import (
	"os"

	"github.com/psantana5/ensembled/cmd/ensctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
