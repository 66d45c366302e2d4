// Package main is the entry point for the avdemux command.
package main

import (
	"os"

	"github.com/jmylchreest/avdemux/cmd/avdemux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
