// Package main is the entry point for the vidrelay application.
package main

import (
	"os"

	"github.com/jmylchreest/vidrelay/cmd/vidrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
