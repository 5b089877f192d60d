// Package main is the entry point for suitectl.
// suitectl is the developer terminal tool for running suites against the
// suiteplane API.
package main

import (
	"os"

	"suiteplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
