// Package main is the entry point for the famcore CLI.
package main

import (
	"os"

	"github.com/familycore/famcore/cmd/famcore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
