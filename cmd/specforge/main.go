package main

import (
	"os"

	"github.com/ariel-frischer/specforge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
