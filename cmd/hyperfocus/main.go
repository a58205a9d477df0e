package main

import (
	"os"

	"github.com/hyperfocusai/hyperfocus/cmd/hyperfocus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
