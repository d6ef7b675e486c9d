package main

import (
	"os"

	"github.com/psantana5/sd-fleet/cmd/sdfleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
